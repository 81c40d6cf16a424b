package jobserver

import (
	"context"
	"time"
)

const (
	DelayedSchedulerLock   = delayedSchedulerLock
	RecurringSchedulerLock = recurringSchedulerLock
)

func RecurringJobKey(id string) string { return recurringJobKey(id) }

func SetRecurringClock(s *RecurringJobScheduler, now func() time.Time) { s.now = now }

// CancellationWatcher gives external tests a handle on the running job watcher.
type CancellationWatcher struct{ w *cancellationWatcher }

func NewCancellationWatcher(log Logger) *CancellationWatcher {
	return &CancellationWatcher{w: newCancellationWatcher(time.Hour, log)}
}

func (c *CancellationWatcher) CheckAll(ctx context.Context) { c.w.checkAll(ctx) }

func (c *CancellationWatcher) Attach(opts WorkerOptions) WorkerOptions {
	opts.watcher = c.w
	return opts
}
