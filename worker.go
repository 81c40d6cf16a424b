package jobserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Failed state reasons.
const (
	reasonUserFailure     = "An exception occurred during performance of the job."
	reasonInternalFailure = "An internal error occurred during performance of the job."
	reasonProcessing      = "An exception occurred during processing of a background job."
)

// Worker is a background process that fetches one job per Execute call and
// drives it to a terminal state.
type Worker struct {
	e        *Engine
	serverID string
	workerID string
	queues   []string
	shutdown context.Context
	watcher  *cancellationWatcher
	log      Logger
}

// WorkerOptions configures a Worker outside of a Server.
type WorkerOptions struct {
	// WorkerID defaults to a random UUID.
	WorkerID string
	// ShutdownContext cancels running jobs when done. Defaults to context.Background().
	ShutdownContext context.Context
	watcher         *cancellationWatcher
}

// NewWorker creates a worker of serverID fetching from queues.
func NewWorker(e *Engine, serverID string, queues []string, opts WorkerOptions) *Worker {
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if opts.ShutdownContext == nil {
		opts.ShutdownContext = context.Background()
	}
	if len(queues) == 0 {
		queues = []string{DefaultQueue}
	}
	return &Worker{
		e:        e,
		serverID: serverID,
		workerID: opts.WorkerID,
		queues:   queues,
		shutdown: opts.ShutdownContext,
		watcher:  opts.watcher,
		log:      e.log,
	}
}

func (w *Worker) Name() string { return "Worker #" + w.workerID[:min(8, len(w.workerID))] }

// ID returns the worker id stored in the Processing state.
func (w *Worker) ID() string { return w.workerID }

// Execute fetches the next job, blocking until one is available or ctx is
// done, and processes it. ctx stops fetching; the worker's shutdown context
// cancels the job itself.
func (w *Worker) Execute(ctx context.Context) error {
	conn, err := w.e.storage.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fetched, err := conn.FetchNextJob(ctx, w.queues)
	if err != nil {
		return err
	}
	defer fetched.Close()

	id := fetched.JobID()
	fin := context.WithoutCancel(ctx)

	var ownedElsewhere bool
	processing := NewProcessingState(w.serverID, w.workerID)
	applied, err := w.e.changer.ChangeState(ctx, StateChangeContext{
		JobID:          id,
		NewState:       processing,
		ExpectedStates: []string{EnqueuedStateName, ProcessingStateName},
		Guard: func(ctx context.Context, conn Connection, current *StateData) (bool, error) {
			ok, err := w.canTakeOver(ctx, conn, id, current)
			ownedElsewhere = err == nil && !ok
			return ok, err
		},
		Connection: conn,
	})
	if err != nil {
		w.log.Errorf("processing transition failed: id=%s queue=%s err=%v", id, fetched.Queue(), err)
		_ = fetched.Requeue(fin)
		return err
	}
	if applied == nil || applied.Name() != ProcessingStateName {
		if ownedElsewhere {
			// the owner may still finish it; the expired lease brings it back otherwise
			return fetched.Postpone(fin)
		}
		// someone else moved the job, or a filter elected another state
		w.log.Debugf("job not processed: id=%s queue=%s", id, fetched.Queue())
		return fetched.RemoveFromQueue(fin)
	}

	if err := w.process(ctx, conn, id); err != nil {
		_ = fetched.Requeue(fin)
		return err
	}
	return fetched.RemoveFromQueue(fin)
}

// process performs a job already moved to Processing and commits its final
// state. The job counts as running on this server until process returns.
func (w *Worker) process(ctx context.Context, conn Connection, id string) error {
	defer w.e.running.begin(w.serverID, id)()

	next, err := w.performJob(ctx, conn, id)
	if err != nil || next == nil {
		return err
	}
	if _, err := w.e.changer.ChangeState(context.WithoutCancel(ctx), StateChangeContext{
		JobID:          id,
		NewState:       next,
		ExpectedStates: []string{ProcessingStateName},
		Connection:     conn,
	}); err != nil {
		w.log.Errorf("final transition failed: id=%s state=%s err=%v", id, next.Name(), err)
		return err
	}
	return nil
}

// canTakeOver allows a Processing job to be taken over by the worker that
// already owns it, by another worker of the owner server once the job no
// longer runs there, or by anyone when the owner server is gone.
func (w *Worker) canTakeOver(ctx context.Context, conn Connection, id string, current *StateData) (bool, error) {
	if current == nil || current.Name != ProcessingStateName {
		return true, nil
	}
	owner, ownerWorker := current.Data["ServerId"], current.Data["WorkerId"]
	if owner == w.serverID {
		if ownerWorker == w.workerID || !w.e.running.running(owner, id) {
			return true, nil
		}
		w.log.Debugf("job running on this server: id=%s worker=%s", id, ownerWorker)
		return false, nil
	}
	present, err := conn.ServerPresent(ctx, owner)
	if err != nil {
		return false, err
	}
	if present {
		w.log.Debugf("job owned by live server: id=%s owner=%s worker=%s", id, owner, ownerWorker)
	}
	return !present, nil
}

// performJob runs the job and returns the state to move it to. A nil state
// with a nil error means the job must only be removed from the queue.
func (w *Worker) performJob(ctx context.Context, conn Connection, id string) (State, error) {
	data, err := conn.GetJobData(context.WithoutCancel(ctx), id)
	if err != nil {
		return w.failed(err, reasonProcessing), nil
	}
	if err := ctx.Err(); err != nil {
		// stopping before the job started
		return nil, err
	}
	if data == nil {
		// expired
		return nil, nil
	}
	if data.LoadErr != nil {
		return w.failed(data.LoadErr, reasonProcessing), nil
	}

	token, jobCtx := newJobCancellationToken(w.shutdown, w.e.storage, id, w.serverID, w.workerID)
	defer token.release()
	if w.watcher != nil {
		defer w.watcher.track(token)()
	}

	pc := &PerformContext{
		Connection:    conn,
		BackgroundJob: &BackgroundJob{ID: id, Job: data.Job, CreatedAt: data.CreatedAt},
		Token:         token,
		Items:         make(map[string]any),
	}

	latency := time.Since(data.CreatedAt)
	start := time.Now()
	result, err := w.e.performer.Perform(jobCtx, pc)
	duration := time.Since(start)

	if err == nil {
		var encoded string
		if result != nil {
			b, encErr := w.e.encoder.Encode(result)
			if encErr != nil {
				return w.failed(encErr, reasonInternalFailure), nil
			}
			encoded = string(b)
		}
		return NewSucceededState(encoded, latency, duration), nil
	}

	if isAbortedErr(jobCtx, err) {
		w.log.Infof("job aborted: id=%s type=%s", id, data.Job)
		return nil, nil
	}
	if isShutdownErr(w.shutdown, err) {
		return nil, err
	}

	var pe *PerformanceError
	if errors.As(err, &pe) {
		if pe.Internal {
			w.log.Errorf("job internal failure: id=%s type=%s err=%v", id, data.Job, pe.Err)
			return w.failed(pe.Err, reasonInternalFailure), nil
		}
		w.log.Warnf("job failed: id=%s type=%s err=%v", id, data.Job, pe.Err)
		return w.failed(pe.Err, reasonUserFailure), nil
	}
	w.log.Errorf("job processing failed: id=%s type=%s err=%v", id, data.Job, err)
	return w.failed(err, reasonProcessing), nil
}

// executions records the jobs running in this process per owning server.
type executions struct {
	mu sync.Mutex
	m  map[executionKey]int
}

type executionKey struct{ serverID, jobID string }

func newExecutions() *executions { return &executions{m: make(map[executionKey]int)} }

// begin marks the job as running until the returned function is called.
func (e *executions) begin(serverID, jobID string) func() {
	k := executionKey{serverID, jobID}
	e.mu.Lock()
	e.m[k]++
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		if e.m[k]--; e.m[k] <= 0 {
			delete(e.m, k)
		}
		e.mu.Unlock()
	}
}

func (e *executions) running(serverID, jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m[executionKey{serverID, jobID}] > 0
}

func (w *Worker) failed(err error, reason string) *FailedState {
	fs := NewFailedState(err)
	fs.ServerID = w.serverID
	fs.SetReason(reason)
	return fs
}
