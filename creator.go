package jobserver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// createdJobExpiration bounds the life of a job whose initial state was never applied.
const createdJobExpiration = 30 * 24 * time.Hour

type jobCreator struct {
	filters       *FilterRegistry
	machine       *StateMachine
	jobExpiration time.Duration
	log           Logger
}

// Create runs the client filters around storing job with its initial state.
// It returns (nil, nil) when a filter canceled the creation or an exception
// filter handled a failure. Unhandled failures are *CreateJobFailedError.
func (c *jobCreator) Create(ctx context.Context, conn Connection, job *Job, initial State, params map[string]string) (*BackgroundJob, error) {
	cc := &CreateContext{
		Connection:   conn,
		Job:          job,
		InitialState: initial,
		Parameters:   make(map[string]string, len(params)),
		Items:        make(map[string]any),
	}
	for k, v := range params {
		cc.Parameters[k] = v
	}
	fs := jobFilters(c.filters.Filters(job))

	bj, err := c.createWithFilters(ctx, cc, fs.client())
	if err == nil {
		return bj, nil
	}

	ec := &ClientExceptionContext{CreateContext: cc, Err: err}
	exFilters := fs.clientException()
	for i := len(exFilters) - 1; i >= 0; i-- {
		exFilters[i].OnClientException(ctx, ec)
	}
	if ec.ExceptionHandled {
		c.log.Debugf("job creation failure handled by filter: job=%s err=%v", job, err)
		return nil, nil
	}
	var cerr *CreateJobFailedError
	if errors.As(err, &cerr) {
		return nil, err
	}
	return nil, &CreateJobFailedError{Err: err}
}

func (c *jobCreator) createWithFilters(ctx context.Context, cc *CreateContext, filters []ClientFilter) (*BackgroundJob, error) {
	pre := &CreatingContext{CreateContext: cc}
	entered := 0
	for _, f := range filters {
		if err := f.OnCreating(ctx, pre); err != nil {
			return nil, err
		}
		if pre.Canceled {
			break
		}
		entered++
	}

	post := &CreatedContext{CreateContext: cc, Canceled: pre.Canceled}
	if !pre.Canceled {
		post.BackgroundJob, post.Err = c.create(ctx, cc)
	}

	for i := entered - 1; i >= 0; i-- {
		if err := filters[i].OnCreated(ctx, post); err != nil {
			return nil, err
		}
	}
	if post.Err != nil && !post.ExceptionHandled {
		return nil, post.Err
	}
	if post.Canceled || post.Err != nil {
		return nil, nil
	}
	return post.BackgroundJob, nil
}

func (c *jobCreator) create(ctx context.Context, cc *CreateContext) (*BackgroundJob, error) {
	createdAt := time.Now().UTC()
	id, err := cc.Connection.CreateExpiredJob(ctx, cc.Job, cc.Parameters, createdAt, createdJobExpiration)
	if err != nil {
		return nil, fmt.Errorf("store job %s: %w", cc.Job, err)
	}
	bj := &BackgroundJob{ID: id, Job: cc.Job, CreatedAt: createdAt}
	if cc.InitialState == nil {
		return bj, nil
	}

	tx := cc.Connection.CreateWriteTransaction()
	defer tx.Discard()
	if _, err := c.machine.ApplyState(ctx, &ApplyStateContext{
		Connection:           cc.Connection,
		Transaction:          tx,
		BackgroundJob:        bj,
		NewState:             cc.InitialState,
		JobExpirationTimeout: c.jobExpiration,
	}, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit initial state of job %s: %w", id, err)
	}
	return bj, nil
}
