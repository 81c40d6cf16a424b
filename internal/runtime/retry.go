package runtime

import (
	"context"
	"time"
)

// DefaultMaxAttempts is the retry budget used when none is configured.
const DefaultMaxAttempts = 10

// MaxRetryDelay caps DefaultRetryDelay.
const MaxRetryDelay = 5 * time.Minute

// DefaultRetryDelay waits attempt² seconds, capped at MaxRetryDelay.
func DefaultRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > MaxRetryDelay || d <= 0 {
		return MaxRetryDelay
	}
	return d
}

// AutomaticRetry wraps a Process and retries a failed Execute call up to
// MaxAttempts times. MaxAttempts == 0 returns the first error unchanged.
//
// A cancellation caused by the ctx passed to Execute is returned at once and
// never retried; any other cancellation error is treated like a failure.
type AutomaticRetry struct {
	Inner       Process
	MaxAttempts int
	// Delay returns the wait before retry number attempt (1-based).
	Delay  func(attempt int) time.Duration
	Logger Logger
}

// Name returns the name of the wrapped process.
func (r *AutomaticRetry) Name() string { return NameOf(r.Inner) }

// Execute runs the wrapped process with the retry policy applied.
func (r *AutomaticRetry) Execute(ctx context.Context) error {
	log := r.Logger
	if log == nil {
		log = noopLogger{}
	}
	delay := r.Delay
	if delay == nil {
		delay = DefaultRetryDelay
	}
	for attempt := 1; ; attempt++ {
		err := safeExecute(ctx, r.Inner)
		if err == nil {
			return nil
		}
		if IsShutdown(ctx, err) {
			return err
		}
		if attempt > r.MaxAttempts {
			return err
		}
		wait := delay(attempt)
		if wait < 0 {
			wait = 0
		}
		log.Warnf("process failed, retrying: name=%s attempt=%d/%d retry_in=%s err=%v",
			r.Name(), attempt, r.MaxAttempts, wait, err)
		if serr := Sleep(ctx, wait); serr != nil {
			return serr
		}
	}
}
