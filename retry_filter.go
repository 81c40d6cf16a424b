package jobserver

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// RetryCountParameter is the job parameter holding the number of retries so far.
const RetryCountParameter = "RetryCount"

// RetriesSet holds jobs scheduled by RetryFilter.
const RetriesSet = "retries"

// DefaultRetryAttempts is the retry budget of the default RetryFilter.
const DefaultRetryAttempts = 10

// RetryFilterOrder is the order the default RetryFilter is registered with.
const RetryFilterOrder = 20

// AttemptsExceededAction tells RetryFilter what to do once the budget is spent.
type AttemptsExceededAction int

const (
	// AttemptsExceededFail leaves the job Failed.
	AttemptsExceededFail AttemptsExceededAction = iota
	// AttemptsExceededDelete deletes the job.
	AttemptsExceededDelete
)

const retryReasonPrefix = "Retry attempt "

// RetryFilter reschedules failed jobs. On each Failed candidate it increments
// the RetryCount parameter and replaces the candidate with a Scheduled state
// (or Enqueued for a zero delay) until Attempts is exceeded.
type RetryFilter struct {
	// Attempts is the maximum number of retries. Zero disables retries.
	Attempts int
	// Delay returns the wait before retry attempt (1-based). Defaults to DefaultRetryDelay.
	Delay              func(attempt int) time.Duration
	OnAttemptsExceeded AttemptsExceededAction
	// RetryIf restricts retries to matching errors. Nil retries every error.
	RetryIf func(err error) bool
	Logger  Logger
}

// NewRetryFilter returns a filter retrying up to attempts times.
func NewRetryFilter(attempts int) *RetryFilter {
	return &RetryFilter{Attempts: attempts}
}

// DefaultRetryDelay grows polynomially with the attempt and adds jitter:
// (attempt-1)^4 + 15 + rand(30)*attempt seconds.
func DefaultRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := math.Pow(float64(attempt-1), 4) + 15 + float64(rand.IntN(30)*attempt)
	d := time.Duration(math.Round(secs)) * time.Second
	if d < 0 {
		return 0
	}
	return d
}

// AllowMultiple keeps only the most specific RetryFilter for a job.
func (*RetryFilter) AllowMultiple() bool { return false }

func (f *RetryFilter) logger() Logger {
	if f.Logger == nil {
		return noopLogger{}
	}
	return f.Logger
}

func (f *RetryFilter) OnStateElection(ctx context.Context, c *ElectStateContext) error {
	failed, ok := c.CandidateState().(*FailedState)
	if !ok {
		return nil
	}
	if f.RetryIf != nil && failed.Err != nil && !f.RetryIf(failed.Err) {
		return nil
	}

	raw, err := c.GetJobParameter(ctx, RetryCountParameter)
	if err != nil {
		return err
	}
	count, _ := strconv.Atoi(raw)
	attempt := count + 1

	switch {
	case attempt <= f.Attempts:
		return f.scheduleAgainLater(ctx, c, attempt, failed)
	case f.OnAttemptsExceeded == AttemptsExceededDelete:
		del := NewDeletedState()
		if f.Attempts > 0 {
			del.SetReason("Exceeded the maximum number of retry attempts.")
		} else {
			del.SetReason("Retries were disabled for this job.")
		}
		c.SetCandidateState(del)
	default:
		f.logger().Warnf("retry attempts exceeded: id=%s attempts=%d", c.BackgroundJob.ID, f.Attempts)
	}
	return nil
}

func (f *RetryFilter) scheduleAgainLater(ctx context.Context, c *ElectStateContext, attempt int, failed *FailedState) error {
	if err := c.SetJobParameter(ctx, RetryCountParameter, strconv.Itoa(attempt)); err != nil {
		return err
	}
	delayFn := f.Delay
	if delayFn == nil {
		delayFn = DefaultRetryDelay
	}
	delay := delayFn(attempt)
	if delay < 0 {
		delay = 0
	}

	msg := ""
	if failed.Err != nil {
		msg = failed.Err.Error()
	}
	reason := fmt.Sprintf("%s%d of %d: %s", retryReasonPrefix, attempt, f.Attempts, truncate(msg, 50))

	var next State
	if delay == 0 {
		es := NewEnqueuedState("")
		es.SetReason(reason)
		next = es
	} else {
		ss := NewScheduledState(time.Now().Add(delay))
		ss.SetReason(reason)
		next = ss
	}
	c.SetCandidateState(next)
	f.logger().Infof("job retry scheduled: id=%s attempt=%d/%d retry_in=%s", c.BackgroundJob.ID, attempt, f.Attempts, delay)
	return nil
}

func (f *RetryFilter) OnStateApplied(_ context.Context, c *ApplyStateContext) error {
	if c.NewState.Name() == ScheduledStateName && strings.HasPrefix(c.NewState.Reason(), retryReasonPrefix) {
		c.Transaction.AddToSet(RetriesSet, c.BackgroundJob.ID, Score(time.Now()))
	}
	return nil
}

func (f *RetryFilter) OnStateUnapplied(_ context.Context, c *ApplyStateContext) error {
	if c.OldStateName == ScheduledStateName {
		c.Transaction.RemoveFromSet(RetriesSet, c.BackgroundJob.ID)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
