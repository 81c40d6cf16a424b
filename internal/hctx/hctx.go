package hctx

import "context"

// Canceller is the cooperative cancellation check handed to running jobs.
type Canceller interface {
	ThrowIfCancellationRequested() error
}

// State holds per-execution metadata the runtime attaches to the context
// of a running job, so job code and filters can reach it.
type State struct {
	JobID string
	Items map[string]any
	Token Canceller
}

// New creates a fresh state container for the given job.
func New(jobID string, token Canceller) *State {
	return &State{JobID: jobID, Items: make(map[string]any), Token: token}
}

type ctxKey struct{}

// WithState returns a child context carrying the given job state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the job state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
