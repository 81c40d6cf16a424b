package jobserver

import (
	"context"
	"errors"
	"time"
)

// Client creates jobs and changes their states.
type Client struct {
	e *Engine
}

// NewClient creates a new Client on the engine.
func NewClient(e *Engine) *Client {
	return &Client{e: e}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func withQueue(job *Job, o *options) *Job {
	if o.queue == "" || job.Queue == o.queue {
		return job
	}
	cp := *job
	cp.Queue = o.queue
	return &cp
}

// Enqueue creates the job in the Enqueued state, or Scheduled when Delay or
// At is given, and returns its id. An empty id with a nil error means a
// client filter canceled the creation.
func (c *Client) Enqueue(ctx context.Context, job *Job, opts ...Option) (string, error) {
	o := buildOptions(opts)
	var st State = NewEnqueuedState("")
	if at := o.scheduledAt(time.Now()); !at.IsZero() {
		st = NewScheduledState(at)
	}
	return c.create(ctx, withQueue(job, o), st, o.params)
}

// Schedule creates the job in the Scheduled state, due at at.
func (c *Client) Schedule(ctx context.Context, job *Job, at time.Time, opts ...Option) (string, error) {
	o := buildOptions(opts)
	return c.create(ctx, withQueue(job, o), NewScheduledState(at), o.params)
}

// Create creates the job in state.
func (c *Client) Create(ctx context.Context, job *Job, state State, opts ...Option) (string, error) {
	o := buildOptions(opts)
	return c.create(ctx, withQueue(job, o), state, o.params)
}

// ContinueJobWith creates job as a continuation of parentID. It is enqueued
// once the parent succeeded, or reached any final state with OnAnyFinished.
func (c *Client) ContinueJobWith(ctx context.Context, parentID string, job *Job, opts ...Option) (string, error) {
	o := buildOptions(opts)
	return c.create(ctx, withQueue(job, o), NewAwaitingState(parentID, NewEnqueuedState(""), o.continuation), o.params)
}

func (c *Client) create(ctx context.Context, job *Job, state State, params map[string]string) (string, error) {
	if job == nil {
		return "", &CreateJobFailedError{Err: errors.New("job is nil")}
	}
	conn, err := c.e.storage.GetConnection(ctx)
	if err != nil {
		return "", &CreateJobFailedError{Err: err}
	}
	defer conn.Close()

	bj, err := c.e.creator.Create(ctx, conn, job, state, params)
	if err != nil {
		c.e.log.Errorf("enqueue failed: type=%s queue=%s err=%v", job, job.Queue, err)
		return "", err
	}
	if bj == nil {
		return "", nil
	}
	return bj.ID, nil
}

// ChangeState moves job id to state if it is currently in one of expected
// (any state when empty). It reports whether the transition was applied.
func (c *Client) ChangeState(ctx context.Context, id string, state State, expected ...string) (bool, error) {
	applied, err := c.e.changer.ChangeState(ctx, StateChangeContext{
		JobID:          id,
		NewState:       state,
		ExpectedStates: expected,
	})
	if err != nil {
		return false, err
	}
	return applied != nil, nil
}

// Delete moves job id to the Deleted state.
func (c *Client) Delete(ctx context.Context, id string, expected ...string) (bool, error) {
	return c.ChangeState(ctx, id, NewDeletedState(), expected...)
}

// Requeue moves job id back to its queue.
func (c *Client) Requeue(ctx context.Context, id string, expected ...string) (bool, error) {
	return c.ChangeState(ctx, id, NewEnqueuedState(""), expected...)
}

// Job returns the stored job id, or ErrJobNotFound.
func (c *Client) Job(ctx context.Context, id string) (*JobData, error) {
	conn, err := c.e.storage.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	data, err := conn.GetJobData(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrJobNotFound
	}
	return data, nil
}

// StateHistory returns the states job id went through, most recent first.
func (c *Client) StateHistory(ctx context.Context, id string) ([]StateHistoryEntry, error) {
	conn, err := c.e.storage.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.GetStateHistory(ctx, id)
}

// JobParameter returns a parameter of job id.
func (c *Client) JobParameter(ctx context.Context, id, name string) (string, error) {
	conn, err := c.e.storage.GetConnection(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.GetJobParameter(ctx, id, name)
}
