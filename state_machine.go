package jobserver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultJobExpirationTimeout is how long a job in a final state is kept.
const DefaultJobExpirationTimeout = 24 * time.Hour

type stateHandlers struct {
	mu sync.RWMutex
	m  map[string][]StateHandler
}

func newStateHandlers() *stateHandlers {
	h := &stateHandlers{m: make(map[string][]StateHandler)}
	for _, sh := range defaultStateHandlers() {
		h.add(sh)
	}
	return h
}

func (h *stateHandlers) add(sh StateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[sh.StateName] = append(h.m[sh.StateName], sh)
}

func (h *stateHandlers) get(name string) []StateHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m[name]
}

// StateMachine elects and applies states inside a write transaction. It
// does not lock or check expected states; see StateChanger.
type StateMachine struct {
	filters  *FilterRegistry
	handlers *stateHandlers
}

// ApplyState runs the election filters on ac.NewState, then applies the
// elected state to ac.Transaction and returns it. Nothing is committed.
func (m *StateMachine) ApplyState(ctx context.Context, ac *ApplyStateContext, disableFilters bool) (State, error) {
	var fs jobFilters
	if !disableFilters && ac.BackgroundJob.Job != nil {
		fs = m.filters.Filters(ac.BackgroundJob.Job)
	}
	id := ac.BackgroundJob.ID

	ec := newElectStateContext(ac)
	for _, f := range fs.electState() {
		if err := f.OnStateElection(ctx, ec); err != nil {
			return nil, fmt.Errorf("state election for job %s: %w", id, err)
		}
	}

	applied := *ac
	applied.NewState = resolveQueue(ec.CandidateState(), ac.BackgroundJob.Job)
	if applied.JobExpirationTimeout <= 0 {
		applied.JobExpirationTimeout = DefaultJobExpirationTimeout
	}
	applyFilters := fs.applyState()

	if applied.OldStateName != "" {
		for _, h := range m.handlers.get(applied.OldStateName) {
			if h.Unapply == nil {
				continue
			}
			if err := h.Unapply(ctx, &applied); err != nil {
				return nil, fmt.Errorf("unapply %s for job %s: %w", applied.OldStateName, id, err)
			}
		}
	}
	for _, f := range applyFilters {
		if err := f.OnStateUnapplied(ctx, &applied); err != nil {
			return nil, fmt.Errorf("state unapplied filter for job %s: %w", id, err)
		}
	}

	for _, s := range ec.TraversedStates() {
		applied.Transaction.AddJobState(id, s)
	}
	applied.Transaction.SetJobState(id, applied.NewState)

	for _, h := range m.handlers.get(applied.NewState.Name()) {
		if h.Apply == nil {
			continue
		}
		if err := h.Apply(ctx, &applied); err != nil {
			return nil, fmt.Errorf("apply %s for job %s: %w", applied.NewState.Name(), id, err)
		}
	}
	for _, f := range applyFilters {
		if err := f.OnStateApplied(ctx, &applied); err != nil {
			return nil, fmt.Errorf("state applied filter for job %s: %w", id, err)
		}
	}

	if applied.NewState.IsFinal() {
		applied.Transaction.ExpireJob(id, applied.JobExpirationTimeout)
	} else {
		applied.Transaction.PersistJob(id)
	}
	return applied.NewState, nil
}

// resolveQueue fills in the queue of an Enqueued state that has none.
func resolveQueue(s State, job *Job) State {
	es, ok := s.(*EnqueuedState)
	if !ok || es.Queue != "" {
		return s
	}
	cp := *es
	cp.Queue = DefaultQueue
	if job != nil && job.Queue != "" {
		cp.Queue = job.Queue
	}
	return &cp
}

// StateGuard gets a last word on a transition after the expected state
// check passed. current is nil when the job has no state yet.
type StateGuard func(ctx context.Context, conn Connection, current *StateData) (bool, error)

// StateChangeContext describes a requested transition.
type StateChangeContext struct {
	JobID    string
	NewState State
	// ExpectedStates lists the state names the job must currently be in.
	// Empty means any state.
	ExpectedStates []string
	Guard          StateGuard
	// Connection is used when set; otherwise one is opened for the call.
	Connection     Connection
	DisableFilters bool
}

// StateChanger performs expected-state guarded transitions under the job lock.
type StateChanger struct {
	storage       Storage
	machine       *StateMachine
	lockTimeout   time.Duration
	jobExpiration time.Duration
}

func jobLockResource(id string) string { return "job:" + id + ":state-lock" }

// ChangeState applies sc.NewState and returns the state actually applied.
// It returns (nil, nil) when the job does not exist or is not in one of the
// expected states; that is a rejection, not an error.
func (c *StateChanger) ChangeState(ctx context.Context, sc StateChangeContext) (State, error) {
	conn := sc.Connection
	if conn == nil {
		var err error
		if conn, err = c.storage.GetConnection(ctx); err != nil {
			return nil, err
		}
		defer conn.Close()
	}

	lock, err := conn.AcquireDistributedLock(ctx, jobLockResource(sc.JobID), c.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("lock job %s: %w", sc.JobID, err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	data, err := conn.GetJobData(ctx, sc.JobID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	if len(sc.ExpectedStates) > 0 && !containsFold(sc.ExpectedStates, data.State) {
		return nil, nil
	}

	newState := sc.NewState
	if data.LoadErr != nil && !newState.IgnoreJobLoadError() {
		fs := NewFailedState(data.LoadErr)
		fs.SetReason(fmt.Sprintf("Can not change the state to '%s': target method was not found.", newState.Name()))
		newState = fs
	}

	if sc.Guard != nil {
		current, err := conn.GetStateData(ctx, sc.JobID)
		if err != nil {
			return nil, err
		}
		ok, err := sc.Guard(ctx, conn, current)
		if err != nil || !ok {
			return nil, err
		}
	}

	tx := conn.CreateWriteTransaction()
	defer tx.Discard()

	applied, err := c.machine.ApplyState(ctx, &ApplyStateContext{
		Connection:           conn,
		Transaction:          tx,
		BackgroundJob:        &BackgroundJob{ID: sc.JobID, Job: data.Job, CreatedAt: data.CreatedAt},
		OldStateName:         data.State,
		NewState:             newState,
		JobExpirationTimeout: c.jobExpiration,
	}, sc.DisableFilters)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit state %s for job %s: %w", applied.Name(), sc.JobID, err)
	}
	return applied, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
