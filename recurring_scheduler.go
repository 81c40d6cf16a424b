package jobserver

import (
	"context"
	"errors"
	"time"

	rtm "github.com/UniQw/jobserver/internal/runtime"
)

// DefaultRecurringPollingInterval is the default delay between recurring job scans.
const DefaultRecurringPollingInterval = 15 * time.Second

const recurringSchedulerLock = "recurring-jobs:lock"

// RecurringJobScheduler creates jobs from recurring jobs whose cron occurrence has passed.
type RecurringJobScheduler struct {
	e           *Engine
	interval    time.Duration
	lockTimeout time.Duration
	log         Logger
	now         func() time.Time
}

// NewRecurringJobScheduler creates a scheduler scanning every interval.
func NewRecurringJobScheduler(e *Engine, interval time.Duration) *RecurringJobScheduler {
	if interval <= 0 {
		interval = DefaultRecurringPollingInterval
	}
	return &RecurringJobScheduler{e: e, interval: interval, lockTimeout: e.lockTimeout, log: e.log, now: time.Now}
}

func (s *RecurringJobScheduler) Name() string { return "RecurringJobScheduler" }

// Execute runs one scan, then waits for the polling interval.
func (s *RecurringJobScheduler) Execute(ctx context.Context) error {
	if _, err := s.TriggerDue(ctx); err != nil {
		return err
	}
	return rtm.Sleep(ctx, s.interval)
}

// TriggerDue scans every recurring job once and returns how many jobs were
// created. Misconfigured recurring jobs are logged, marked with an error and
// skipped. When another server holds the scheduler lock the scan is skipped.
func (s *RecurringJobScheduler) TriggerDue(ctx context.Context) (int, error) {
	conn, err := s.e.storage.GetConnection(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	lock, err := conn.AcquireDistributedLock(ctx, recurringSchedulerLock, s.lockTimeout)
	if errors.Is(err, ErrDistributedLockTimeout) {
		s.log.Debugf("recurring scan skipped: lock %s is held by another server", recurringSchedulerLock)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	ids, err := conn.GetAllItemsFromSet(ctx, RecurringJobsSet)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		ok, err := s.trigger(ctx, conn, id)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// trigger handles one recurring job. Only storage failures are returned.
func (s *RecurringJobScheduler) trigger(ctx context.Context, conn Connection, id string) (bool, error) {
	lock, err := conn.AcquireDistributedLock(ctx, recurringJobLock(id), s.lockTimeout)
	if errors.Is(err, ErrDistributedLockTimeout) {
		s.log.Debugf("recurring job busy, skipped: id=%s", id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	key := recurringJobKey(id)
	hash, err := conn.GetAllEntriesFromHash(ctx, key)
	if err != nil {
		return false, err
	}
	if len(hash) == 0 {
		tx := conn.CreateWriteTransaction()
		tx.RemoveFromSet(RecurringJobsSet, id)
		return false, tx.Commit(ctx)
	}

	def, err := parseRecurring(id, hash, s.e.encoder)
	if err != nil {
		s.log.Warnf("recurring job skipped: id=%s err=%v", id, err)
		return false, conn.SetRangeInHash(ctx, key, map[string]string{"Error": err.Error()})
	}

	now := s.now()
	changed := make(map[string]string)
	anchor := recurringAnchor(hash, now)
	if hash["CreatedAt"] == "" {
		changed["CreatedAt"] = formatTime(now)
	}

	created := false
	if due := def.schedule.Next(anchor.In(def.loc)); !due.IsZero() && !due.After(now) {
		bj, err := createRecurringInstance(ctx, s.e, conn, def, "Triggered by recurring job scheduler")
		if err != nil {
			s.log.Errorf("recurring job creation failed: id=%s err=%v", id, err)
			return false, conn.SetRangeInHash(ctx, key, map[string]string{"Error": err.Error()})
		}
		changed["LastExecution"] = formatTime(now)
		if bj != nil {
			changed["LastJobId"] = bj.ID
			created = true
			s.log.Debugf("recurring job triggered: id=%s job=%s", id, bj.ID)
		}
	}

	next := def.schedule.Next(now.In(def.loc))
	changed["NextExecution"] = formatTime(next)
	if hash["Error"] != "" {
		changed["Error"] = ""
	}

	tx := conn.CreateWriteTransaction()
	defer tx.Discard()
	tx.SetRangeInHash(key, changed)
	tx.AddToSet(RecurringJobsSet, id, Score(next))
	return created, tx.Commit(ctx)
}

// recurringAnchor returns the instant after which the next occurrence is
// looked up: the last execution, the creation time, or the instant just
// before the planned next execution, in that order.
func recurringAnchor(hash map[string]string, now time.Time) time.Time {
	if t := parseTime(hash["LastExecution"]); !t.IsZero() {
		return t
	}
	if t := parseTime(hash["CreatedAt"]); !t.IsZero() {
		return t
	}
	if t := parseTime(hash["NextExecution"]); !t.IsZero() {
		return t.Add(-time.Second)
	}
	return now.Add(-time.Second)
}
