package jobserver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	rtm "github.com/UniQw/jobserver/internal/runtime"
)

// CancellationToken is handed to a running job. ShutdownContext is canceled
// when the server shuts down; ThrowIfCancellationRequested returns the
// shutdown error, or ErrJobAborted when the job no longer belongs to the
// worker running it.
type CancellationToken interface {
	ShutdownContext() context.Context
	ThrowIfCancellationRequested() error
}

type jobCancellationToken struct {
	shutdown context.Context
	jobCtx   context.Context
	cancel   context.CancelCauseFunc
	storage  Storage
	jobID    string
	serverID string
	workerID string
}

// newJobCancellationToken derives the job context from shutdown. The job
// context is canceled with cause ErrJobAborted once an abort is detected.
func newJobCancellationToken(shutdown context.Context, storage Storage, jobID, serverID, workerID string) (*jobCancellationToken, context.Context) {
	jobCtx, cancel := context.WithCancelCause(shutdown)
	t := &jobCancellationToken{
		shutdown: shutdown,
		jobCtx:   jobCtx,
		cancel:   cancel,
		storage:  storage,
		jobID:    jobID,
		serverID: serverID,
		workerID: workerID,
	}
	return t, jobCtx
}

func (t *jobCancellationToken) ShutdownContext() context.Context { return t.shutdown }

func (t *jobCancellationToken) ThrowIfCancellationRequested() error {
	if err := t.shutdown.Err(); err != nil {
		return err
	}
	if errors.Is(context.Cause(t.jobCtx), ErrJobAborted) {
		return ErrJobAborted
	}
	aborted, err := t.isAborted(t.shutdown)
	if err != nil {
		return err
	}
	if aborted {
		t.abort()
		return ErrJobAborted
	}
	return nil
}

func (t *jobCancellationToken) abort() { t.cancel(ErrJobAborted) }

func (t *jobCancellationToken) release() { t.cancel(context.Canceled) }

// isAborted reports whether the persisted state of the job no longer shows
// it as Processing on this server and worker.
func (t *jobCancellationToken) isAborted(ctx context.Context) (bool, error) {
	conn, err := t.storage.GetConnection(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	st, err := conn.GetStateData(ctx, t.jobID)
	if err != nil {
		return false, err
	}
	if st == nil || !strings.EqualFold(st.Name, ProcessingStateName) {
		return true, nil
	}
	return st.Data["ServerId"] != t.serverID || st.Data["WorkerId"] != t.workerID, nil
}

// isShutdownErr reports whether err is the cancellation of the server's shutdown context.
func isShutdownErr(shutdown context.Context, err error) bool {
	return rtm.IsShutdown(shutdown, err)
}

// isAbortedErr reports whether err signals an aborted job, either directly
// or as the cancellation of a job context aborted by the watcher.
func isAbortedErr(jobCtx context.Context, err error) bool {
	if errors.Is(err, ErrJobAborted) {
		return true
	}
	return errors.Is(err, context.Canceled) && errors.Is(context.Cause(jobCtx), ErrJobAborted)
}

// DefaultCancellationCheckInterval is how often running jobs are validated.
const DefaultCancellationCheckInterval = 5 * time.Second

// cancellationWatcher periodically validates the jobs running on a server
// and cancels the context of aborted ones.
type cancellationWatcher struct {
	interval time.Duration
	log      Logger

	mu     sync.Mutex
	tokens map[*jobCancellationToken]struct{}
}

func newCancellationWatcher(interval time.Duration, log Logger) *cancellationWatcher {
	if interval <= 0 {
		interval = DefaultCancellationCheckInterval
	}
	return &cancellationWatcher{interval: interval, log: log, tokens: make(map[*jobCancellationToken]struct{})}
}

func (w *cancellationWatcher) Name() string { return "CancellationWatcher" }

// track registers t until the returned function is called.
func (w *cancellationWatcher) track(t *jobCancellationToken) func() {
	w.mu.Lock()
	w.tokens[t] = struct{}{}
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.tokens, t)
		w.mu.Unlock()
	}
}

func (w *cancellationWatcher) Execute(ctx context.Context) error {
	if err := rtm.Sleep(ctx, w.interval); err != nil {
		return err
	}
	w.checkAll(ctx)
	return nil
}

func (w *cancellationWatcher) checkAll(ctx context.Context) {
	w.mu.Lock()
	tokens := make([]*jobCancellationToken, 0, len(w.tokens))
	for t := range w.tokens {
		tokens = append(tokens, t)
	}
	w.mu.Unlock()

	for _, t := range tokens {
		if t.jobCtx.Err() != nil {
			continue
		}
		aborted, err := t.isAborted(ctx)
		if err != nil {
			w.log.Warnf("cancellation check failed: id=%s err=%v", t.jobID, err)
			continue
		}
		if aborted {
			w.log.Infof("job aborted by state change: id=%s worker=%s", t.jobID, t.workerID)
			t.abort()
		}
	}
}
