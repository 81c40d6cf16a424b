package jobserver

import (
	"context"
	"time"
)

// ElectStateContext is passed to ElectStateFilter implementations.
type ElectStateContext struct {
	Connection    Connection
	Transaction   WriteTransaction
	BackgroundJob *BackgroundJob
	// CurrentState is the persisted state name before the transition, "" for a new job.
	CurrentState string

	candidate State
	traversed []State
}

func newElectStateContext(ac *ApplyStateContext) *ElectStateContext {
	return &ElectStateContext{
		Connection:    ac.Connection,
		Transaction:   ac.Transaction,
		BackgroundJob: ac.BackgroundJob,
		CurrentState:  ac.OldStateName,
		candidate:     ac.NewState,
	}
}

// CandidateState returns the state that will be applied unless replaced.
func (c *ElectStateContext) CandidateState() State { return c.candidate }

// SetCandidateState replaces the candidate. The replaced candidate is kept
// in the job history as a traversed state.
func (c *ElectStateContext) SetCandidateState(s State) {
	if s == nil || s == c.candidate {
		return
	}
	if c.candidate != nil {
		c.traversed = append(c.traversed, c.candidate)
	}
	c.candidate = s
}

// TraversedStates returns the candidates replaced so far, oldest first.
func (c *ElectStateContext) TraversedStates() []State { return c.traversed }

// GetJobParameter reads a job parameter through the connection.
func (c *ElectStateContext) GetJobParameter(ctx context.Context, name string) (string, error) {
	return c.Connection.GetJobParameter(ctx, c.BackgroundJob.ID, name)
}

// SetJobParameter writes a job parameter through the connection.
func (c *ElectStateContext) SetJobParameter(ctx context.Context, name, value string) error {
	return c.Connection.SetJobParameter(ctx, c.BackgroundJob.ID, name, value)
}

// ApplyStateContext describes a transition being applied.
type ApplyStateContext struct {
	Connection    Connection
	Transaction   WriteTransaction
	BackgroundJob *BackgroundJob
	// OldStateName is "" when the job has no state yet.
	OldStateName string
	NewState     State
	// JobExpirationTimeout is how long a job in a final state is kept.
	JobExpirationTimeout time.Duration
}

// PerformContext carries everything the performance pipeline knows about
// the job being run.
type PerformContext struct {
	Connection    Connection
	BackgroundJob *BackgroundJob
	Token         CancellationToken
	// Items is shared by the filters and the job method of one execution.
	Items map[string]any
}

// GetJobParameter reads a job parameter through the connection.
func (c *PerformContext) GetJobParameter(ctx context.Context, name string) (string, error) {
	return c.Connection.GetJobParameter(ctx, c.BackgroundJob.ID, name)
}

// SetJobParameter writes a job parameter through the connection.
func (c *PerformContext) SetJobParameter(ctx context.Context, name, value string) error {
	return c.Connection.SetJobParameter(ctx, c.BackgroundJob.ID, name, value)
}

// PerformingContext is passed to ServerFilter.OnPerforming. Setting Canceled
// skips the job method and the remaining OnPerforming filters.
type PerformingContext struct {
	*PerformContext
	Canceled bool
}

// PerformedContext is passed to ServerFilter.OnPerformed.
type PerformedContext struct {
	*PerformContext
	Result           any
	Canceled         bool
	Err              error
	ExceptionHandled bool
}

// ServerExceptionContext is passed to ServerExceptionFilter.
type ServerExceptionContext struct {
	*PerformContext
	Err              error
	ExceptionHandled bool
}

// CreateContext describes a job being created.
type CreateContext struct {
	Connection   Connection
	Job          *Job
	InitialState State
	Parameters   map[string]string
	Items        map[string]any
}

// CreatingContext is passed to ClientFilter.OnCreating.
type CreatingContext struct {
	*CreateContext
	Canceled bool
}

// SetJobParameter records a parameter stored together with the new job.
func (c *CreatingContext) SetJobParameter(name, value string) {
	if c.Parameters == nil {
		c.Parameters = make(map[string]string)
	}
	c.Parameters[name] = value
}

// CreatedContext is passed to ClientFilter.OnCreated.
type CreatedContext struct {
	*CreateContext
	BackgroundJob    *BackgroundJob
	Canceled         bool
	Err              error
	ExceptionHandled bool
}

// ClientExceptionContext is passed to ClientExceptionFilter.
type ClientExceptionContext struct {
	*CreateContext
	Err              error
	ExceptionHandled bool
}
