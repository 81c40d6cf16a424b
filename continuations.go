package jobserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// ContinuationsParameter is the parent job parameter listing its continuations.
const ContinuationsParameter = "Continuations"

// ContinuationsFilterOrder is the order ContinuationsFilter is registered with.
const ContinuationsFilterOrder = 1000

type continuation struct {
	JobID   string `json:"job_id"`
	Options string `json:"options"`
}

// ContinuationsFilter attaches Awaiting jobs to their parent and releases
// them once the parent reaches a final state.
type ContinuationsFilter struct {
	e *Engine
}

func newContinuationsFilter(e *Engine) *ContinuationsFilter { return &ContinuationsFilter{e: e} }

func (*ContinuationsFilter) AllowMultiple() bool { return false }

func (f *ContinuationsFilter) OnStateElection(ctx context.Context, c *ElectStateContext) error {
	if aw, ok := c.CandidateState().(*AwaitingState); ok {
		return f.addContinuation(ctx, c, aw)
	}
	if c.CandidateState().IsFinal() {
		return f.executeContinuations(ctx, c)
	}
	return nil
}

func (f *ContinuationsFilter) addContinuation(ctx context.Context, c *ElectStateContext, aw *AwaitingState) error {
	conn := c.Connection
	lock, err := conn.AcquireDistributedLock(ctx, jobLockResource(aw.ParentID), f.e.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock parent job %s: %w", aw.ParentID, err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	parent, err := conn.GetJobData(ctx, aw.ParentID)
	if err != nil {
		return err
	}
	if parent == nil {
		del := NewDeletedState()
		del.SetReason("Can not add a continuation: parent background job doesn't exist.")
		c.SetCandidateState(del)
		return nil
	}

	list, err := loadContinuations(ctx, conn, aw.ParentID)
	if err != nil {
		return err
	}
	list = append(list, continuation{JobID: c.BackgroundJob.ID, Options: aw.Options.String()})
	raw, err := f.e.encoder.Encode(list)
	if err != nil {
		return err
	}
	if err := conn.SetJobParameter(ctx, aw.ParentID, ContinuationsParameter, string(raw)); err != nil {
		return err
	}

	// the parent may have finished before the continuation was attached
	if parent.State == "" {
		return nil
	}
	parentState := DecodeState(parent.State, "", nil)
	if !parentState.IsFinal() {
		return nil
	}
	c.SetCandidateState(continuationState(aw, parent.State))
	return nil
}

func (f *ContinuationsFilter) executeContinuations(ctx context.Context, c *ElectStateContext) error {
	conn := c.Connection
	list, err := loadContinuations(ctx, conn, c.BackgroundJob.ID)
	if err != nil || len(list) == 0 {
		return err
	}
	parentState := c.CandidateState().Name()
	for _, cont := range list {
		st, err := conn.GetStateData(ctx, cont.JobID)
		if err != nil {
			return err
		}
		if st == nil || !strings.EqualFold(st.Name, AwaitingStateName) {
			continue
		}
		aw, ok := st.State().(*AwaitingState)
		if !ok {
			continue
		}
		if _, err := f.e.changer.ChangeState(ctx, StateChangeContext{
			JobID:          cont.JobID,
			NewState:       continuationState(aw, parentState),
			ExpectedStates: []string{AwaitingStateName},
			Connection:     conn,
		}); err != nil {
			return fmt.Errorf("continue job %s after %s: %w", cont.JobID, c.BackgroundJob.ID, err)
		}
	}
	return nil
}

// continuationState returns the state an awaiting job moves to once its
// parent reached parentState.
func continuationState(aw *AwaitingState, parentState string) State {
	if aw.Options == OnlyOnSucceededState && !strings.EqualFold(parentState, SucceededStateName) {
		del := NewDeletedState()
		del.SetReason("Continuation condition was not met.")
		return del
	}
	next := aw.NextState
	if next == nil {
		next = NewEnqueuedState("")
	}
	if rs, ok := next.(interface{ SetReason(string) }); ok && next.Reason() == "" {
		rs.SetReason("Continuation of " + aw.ParentID)
	}
	return next
}

func loadContinuations(ctx context.Context, conn Connection, parentID string) ([]continuation, error) {
	raw, err := conn.GetJobParameter(ctx, parentID, ContinuationsParameter)
	if err != nil || raw == "" {
		return nil, err
	}
	var list []continuation
	if err := sonic.UnmarshalString(raw, &list); err != nil {
		return nil, fmt.Errorf("decode continuations of job %s: %w", parentID, err)
	}
	return list, nil
}
