package jobserver

import (
	"errors"
	"fmt"
)

// ErrJobAborted is returned by the cancellation check of a running job when
// its persisted state no longer shows it as Processing on this server and worker.
// It is never retried and never recorded as a failure.
var ErrJobAborted = errors.New("jobserver: job aborted")

// ErrDistributedLockTimeout is returned when a distributed lock could not be
// acquired within the requested timeout.
var ErrDistributedLockTimeout = errors.New("jobserver: distributed lock timeout")

// ErrJobNotFound is returned when a job with the specified ID does not exist.
var ErrJobNotFound = errors.New("jobserver: job not found")

// ErrNoHandler is returned when no method is registered for a job's type and method.
var ErrNoHandler = errors.New("jobserver: no handler registered")

// ErrServerNotFound is returned by Heartbeat when the server record is gone.
var ErrServerNotFound = errors.New("jobserver: server not found")

// ErrInvalidCron is returned when a cron expression cannot be parsed.
var ErrInvalidCron = errors.New("jobserver: invalid cron expression")

// ErrRecurringJobNotFound is returned by Trigger for an unknown recurring job id.
var ErrRecurringJobNotFound = errors.New("jobserver: recurring job not found")

// PerformanceError wraps a failure that occurred while performing a job.
// Internal is true when the failure came from the pipeline itself (filters,
// activation, disposal) instead of the job's own code.
type PerformanceError struct {
	JobID    string
	Err      error
	Internal bool
}

func (e *PerformanceError) Error() string {
	if e.Internal {
		return fmt.Sprintf("jobserver: internal error performing job %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("jobserver: job %s failed: %v", e.JobID, e.Err)
}

func (e *PerformanceError) Unwrap() error { return e.Err }

// CreateJobFailedError is returned by the client when a job could not be created.
type CreateJobFailedError struct {
	Err error
}

func (e *CreateJobFailedError) Error() string {
	return fmt.Sprintf("jobserver: job creation failed: %v", e.Err)
}

func (e *CreateJobFailedError) Unwrap() error { return e.Err }
