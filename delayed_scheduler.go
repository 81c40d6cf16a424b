package jobserver

import (
	"context"
	"errors"
	"math"
	"time"

	rtm "github.com/UniQw/jobserver/internal/runtime"
)

// DefaultSchedulePollingInterval is the default delay between schedule polls.
const DefaultSchedulePollingInterval = 15 * time.Second

const delayedSchedulerLock = "locks:schedulepoller"

// DelayedJobScheduler moves due jobs from the schedule set to their queue.
type DelayedJobScheduler struct {
	e           *Engine
	interval    time.Duration
	lockTimeout time.Duration
	log         Logger
}

// NewDelayedJobScheduler creates a scheduler polling every interval.
func NewDelayedJobScheduler(e *Engine, interval time.Duration) *DelayedJobScheduler {
	if interval <= 0 {
		interval = DefaultSchedulePollingInterval
	}
	return &DelayedJobScheduler{e: e, interval: interval, lockTimeout: e.lockTimeout, log: e.log}
}

func (s *DelayedJobScheduler) Name() string { return "DelayedJobScheduler" }

// Execute runs one polling cycle, then waits for the polling interval.
func (s *DelayedJobScheduler) Execute(ctx context.Context) error {
	if _, err := s.EnqueueDue(ctx); err != nil {
		return err
	}
	return rtm.Sleep(ctx, s.interval)
}

// EnqueueDue enqueues every scheduled job whose time has come and returns
// how many were enqueued. When another server holds the scheduler lock the
// cycle is skipped.
func (s *DelayedJobScheduler) EnqueueDue(ctx context.Context) (int, error) {
	conn, err := s.e.storage.GetConnection(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	lock, err := conn.AcquireDistributedLock(ctx, delayedSchedulerLock, s.lockTimeout)
	if errors.Is(err, ErrDistributedLockTimeout) {
		s.log.Debugf("schedule poll skipped: lock %s is held by another server", delayedSchedulerLock)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	enqueued := 0
	seen := make(map[string]struct{})
	for ctx.Err() == nil {
		id, err := conn.GetFirstByLowestScoreFromSet(ctx, ScheduleSet, math.Inf(-1), Score(time.Now()))
		if err != nil {
			return enqueued, err
		}
		if id == "" {
			break
		}
		if _, dup := seen[id]; dup {
			// a filter rescheduled the job into the past; leave it for the next cycle
			s.log.Warnf("scheduled job still due after transition: id=%s", id)
			break
		}
		seen[id] = struct{}{}

		st := NewEnqueuedState("")
		st.SetReason("Triggered by DelayedJobScheduler")
		applied, err := s.e.changer.ChangeState(ctx, StateChangeContext{
			JobID:          id,
			NewState:       st,
			ExpectedStates: []string{ScheduledStateName},
			Connection:     conn,
		})
		if err != nil {
			return enqueued, err
		}
		if applied == nil {
			// expired or moved by someone else
			tx := conn.CreateWriteTransaction()
			tx.RemoveFromSet(ScheduleSet, id)
			if err := tx.Commit(ctx); err != nil {
				return enqueued, err
			}
			s.log.Debugf("stale schedule entry removed: id=%s", id)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.log.Infof("scheduled jobs enqueued: count=%d", enqueued)
	}
	return enqueued, ctx.Err()
}
