package jobserver

import (
	"context"
	"time"
)

// StateHandler maintains the storage side effects of a state: it runs inside
// the transition's write transaction when a job enters (Apply) or leaves
// (Unapply) the state named StateName.
type StateHandler struct {
	StateName string
	Apply     func(ctx context.Context, c *ApplyStateContext) error
	Unapply   func(ctx context.Context, c *ApplyStateContext) error
}

const statsRetention = 30 * 24 * time.Hour

func dailyCounter(name string, t time.Time) string {
	return "stats:" + name + ":" + t.UTC().Format("2006-01-02")
}

func defaultStateHandlers() []StateHandler {
	return []StateHandler{
		{
			StateName: EnqueuedStateName,
			Apply: func(_ context.Context, c *ApplyStateContext) error {
				c.Transaction.AddToQueue(c.NewState.Data()["Queue"], c.BackgroundJob.ID)
				return nil
			},
		},
		{
			StateName: ScheduledStateName,
			Apply: func(_ context.Context, c *ApplyStateContext) error {
				at := parseTime(c.NewState.Data()["EnqueueAt"])
				c.Transaction.AddToSet(ScheduleSet, c.BackgroundJob.ID, Score(at))
				return nil
			},
			Unapply: func(_ context.Context, c *ApplyStateContext) error {
				c.Transaction.RemoveFromSet(ScheduleSet, c.BackgroundJob.ID)
				return nil
			},
		},
		{
			StateName: ProcessingStateName,
			Apply: func(_ context.Context, c *ApplyStateContext) error {
				at := parseTime(c.NewState.Data()["StartedAt"])
				c.Transaction.AddToSet(ProcessingSet, c.BackgroundJob.ID, Score(at))
				return nil
			},
			Unapply: func(_ context.Context, c *ApplyStateContext) error {
				c.Transaction.RemoveFromSet(ProcessingSet, c.BackgroundJob.ID)
				return nil
			},
		},
		finishedHandler(SucceededStateName, SucceededList, "succeeded"),
		finishedHandler(DeletedStateName, DeletedList, "deleted"),
		{
			StateName: FailedStateName,
			Apply: func(_ context.Context, c *ApplyStateContext) error {
				c.Transaction.AddToSet(FailedSet, c.BackgroundJob.ID, Score(time.Now()))
				c.Transaction.IncrementCounterExpire(dailyCounter("failed", time.Now()), statsRetention)
				return nil
			},
			Unapply: func(_ context.Context, c *ApplyStateContext) error {
				c.Transaction.RemoveFromSet(FailedSet, c.BackgroundJob.ID)
				return nil
			},
		},
		{
			StateName: AwaitingStateName,
			Apply: func(_ context.Context, c *ApplyStateContext) error {
				c.Transaction.AddToSet(AwaitingSet, c.BackgroundJob.ID, Score(time.Now()))
				return nil
			},
			Unapply: func(_ context.Context, c *ApplyStateContext) error {
				c.Transaction.RemoveFromSet(AwaitingSet, c.BackgroundJob.ID)
				return nil
			},
		},
	}
}

// finishedHandler keeps the most recent finished jobs in a capped list and
// maintains total and daily counters.
func finishedHandler(stateName, list, stat string) StateHandler {
	return StateHandler{
		StateName: stateName,
		Apply: func(_ context.Context, c *ApplyStateContext) error {
			c.Transaction.InsertToList(list, c.BackgroundJob.ID)
			c.Transaction.TrimList(list, 0, 99)
			c.Transaction.IncrementCounter("stats:" + stat)
			c.Transaction.IncrementCounterExpire(dailyCounter(stat, time.Now()), statsRetention)
			return nil
		},
		Unapply: func(_ context.Context, c *ApplyStateContext) error {
			c.Transaction.RemoveFromList(list, c.BackgroundJob.ID)
			c.Transaction.DecrementCounter("stats:" + stat)
			return nil
		},
	}
}
