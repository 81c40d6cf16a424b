package jobserver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// State names. Use these constants instead of raw strings to avoid typos.
const (
	EnqueuedStateName   = "Enqueued"
	ScheduledStateName  = "Scheduled"
	ProcessingStateName = "Processing"
	SucceededStateName  = "Succeeded"
	FailedStateName     = "Failed"
	DeletedStateName    = "Deleted"
	AwaitingStateName   = "Awaiting"
)

// DefaultQueue is used when neither the job nor its state names a queue.
const DefaultQueue = "default"

// Well-known storage sets and lists maintained by the state handlers.
const (
	ScheduleSet      = "schedule"
	RecurringJobsSet = "recurring-jobs"
	ProcessingSet    = "processing"
	FailedSet        = "failed"
	AwaitingSet      = "awaiting"
	SucceededList    = "succeeded"
	DeletedList      = "deleted"
)

// State is a named snapshot of a job's lifecycle position. States are
// value objects: build a new one to move a job, never mutate a persisted one.
type State interface {
	// Name is the stable identifier of the state.
	Name() string
	// Reason is a human readable explanation of the transition.
	Reason() string
	// IsFinal reports whether the job is finished once in this state.
	// Jobs in a final state expire; others are persisted.
	IsFinal() bool
	// IgnoreJobLoadError reports whether the state may be applied to a job
	// whose descriptor cannot be loaded.
	IgnoreJobLoadError() bool
	// Data returns the variant specific key/value pairs stored with the state.
	Data() map[string]string
}

type stateReason struct {
	reason string
}

// Reason returns the transition reason.
func (r *stateReason) Reason() string { return r.reason }

// SetReason sets the transition reason.
func (r *stateReason) SetReason(s string) { r.reason = s }

// EnqueuedState places a job into a queue.
type EnqueuedState struct {
	stateReason
	Queue      string
	EnqueuedAt time.Time
}

// NewEnqueuedState returns an Enqueued state for queue. An empty queue is
// resolved to the job's queue, then DefaultQueue, when the state is applied.
func NewEnqueuedState(queue string) *EnqueuedState {
	return &EnqueuedState{Queue: queue, EnqueuedAt: time.Now()}
}

func (*EnqueuedState) Name() string             { return EnqueuedStateName }
func (*EnqueuedState) IsFinal() bool            { return false }
func (*EnqueuedState) IgnoreJobLoadError() bool { return false }
func (s *EnqueuedState) Data() map[string]string {
	return map[string]string{
		"EnqueuedAt": formatTime(s.EnqueuedAt),
		"Queue":      s.Queue,
	}
}

// ScheduledState delays a job until EnqueueAt.
type ScheduledState struct {
	stateReason
	EnqueueAt   time.Time
	ScheduledAt time.Time
}

// NewScheduledState schedules the job at t.
func NewScheduledState(t time.Time) *ScheduledState {
	return &ScheduledState{EnqueueAt: t, ScheduledAt: time.Now()}
}

func (*ScheduledState) Name() string             { return ScheduledStateName }
func (*ScheduledState) IsFinal() bool            { return false }
func (*ScheduledState) IgnoreJobLoadError() bool { return false }
func (s *ScheduledState) Data() map[string]string {
	return map[string]string{
		"EnqueueAt":   formatTime(s.EnqueueAt),
		"ScheduledAt": formatTime(s.ScheduledAt),
	}
}

// ProcessingState marks a job as owned by a worker of a server.
type ProcessingState struct {
	stateReason
	ServerID  string
	WorkerID  string
	StartedAt time.Time
}

// NewProcessingState returns a Processing state owned by serverID and workerID.
func NewProcessingState(serverID, workerID string) *ProcessingState {
	return &ProcessingState{ServerID: serverID, WorkerID: workerID, StartedAt: time.Now()}
}

func (*ProcessingState) Name() string             { return ProcessingStateName }
func (*ProcessingState) IsFinal() bool            { return false }
func (*ProcessingState) IgnoreJobLoadError() bool { return false }
func (s *ProcessingState) Data() map[string]string {
	return map[string]string{
		"StartedAt": formatTime(s.StartedAt),
		"ServerId":  s.ServerID,
		"WorkerId":  s.WorkerID,
	}
}

// SucceededState records a successful run.
type SucceededState struct {
	stateReason
	// Result is the encoded return value of the job method, if any.
	Result      string
	Latency     time.Duration
	Duration    time.Duration
	SucceededAt time.Time
}

// NewSucceededState returns a Succeeded state. latency is the time between
// enqueueing and the start of processing; duration is the run time.
func NewSucceededState(result string, latency, duration time.Duration) *SucceededState {
	return &SucceededState{Result: result, Latency: latency, Duration: duration, SucceededAt: time.Now()}
}

func (*SucceededState) Name() string             { return SucceededStateName }
func (*SucceededState) IsFinal() bool            { return true }
func (*SucceededState) IgnoreJobLoadError() bool { return false }
func (s *SucceededState) Data() map[string]string {
	d := map[string]string{
		"SucceededAt":         formatTime(s.SucceededAt),
		"PerformanceDuration": strconv.FormatInt(s.Duration.Milliseconds(), 10),
		"Latency":             strconv.FormatInt(s.Latency.Milliseconds(), 10),
	}
	if s.Result != "" {
		d["Result"] = s.Result
	}
	return d
}

// FailedState records a failed run. It is not final: a failed job can be
// requeued by hand.
type FailedState struct {
	stateReason
	Err      error
	ServerID string
	FailedAt time.Time
	// ErrType is the dynamic type of Err, kept when the state is decoded.
	ErrType string
}

// NewFailedState returns a Failed state for err.
func NewFailedState(err error) *FailedState {
	return &FailedState{Err: err, ErrType: fmt.Sprintf("%T", err), FailedAt: time.Now()}
}

func (*FailedState) Name() string             { return FailedStateName }
func (*FailedState) IsFinal() bool            { return false }
func (*FailedState) IgnoreJobLoadError() bool { return true }
func (s *FailedState) Data() map[string]string {
	d := map[string]string{
		"FailedAt":      formatTime(s.FailedAt),
		"ExceptionType": s.ErrType,
	}
	if s.Err != nil {
		d["ExceptionMessage"] = s.Err.Error()
		d["ExceptionDetails"] = fmt.Sprintf("%+v", s.Err)
	}
	if s.ServerID != "" {
		d["ServerId"] = s.ServerID
	}
	return d
}

// DeletedState marks a job as deleted; it expires like a succeeded job.
type DeletedState struct {
	stateReason
	DeletedAt time.Time
}

// NewDeletedState returns a Deleted state.
func NewDeletedState() *DeletedState { return &DeletedState{DeletedAt: time.Now()} }

func (*DeletedState) Name() string             { return DeletedStateName }
func (*DeletedState) IsFinal() bool            { return true }
func (*DeletedState) IgnoreJobLoadError() bool { return true }
func (s *DeletedState) Data() map[string]string {
	return map[string]string{"DeletedAt": formatTime(s.DeletedAt)}
}

// ContinuationOptions controls when an awaiting job continues.
type ContinuationOptions int

const (
	// OnlyOnSucceededState continues only when the parent succeeded; the
	// continuation is deleted otherwise.
	OnlyOnSucceededState ContinuationOptions = iota
	// OnAnyFinishedState continues when the parent reaches any final state.
	OnAnyFinishedState
)

func (o ContinuationOptions) String() string {
	if o == OnAnyFinishedState {
		return "OnAnyFinishedState"
	}
	return "OnlyOnSucceededState"
}

func parseContinuationOptions(s string) ContinuationOptions {
	if s == "OnAnyFinishedState" {
		return OnAnyFinishedState
	}
	return OnlyOnSucceededState
}

// AwaitingState parks a continuation until its parent job finishes, then
// moves it to NextState.
type AwaitingState struct {
	stateReason
	ParentID  string
	NextState State
	Options   ContinuationOptions
}

// NewAwaitingState returns an Awaiting state on parentID. A nil next uses an
// Enqueued state on the job's queue.
func NewAwaitingState(parentID string, next State, opts ContinuationOptions) *AwaitingState {
	if next == nil {
		next = NewEnqueuedState("")
	}
	return &AwaitingState{ParentID: parentID, NextState: next, Options: opts}
}

func (*AwaitingState) Name() string             { return AwaitingStateName }
func (*AwaitingState) IsFinal() bool            { return false }
func (*AwaitingState) IgnoreJobLoadError() bool { return false }
func (s *AwaitingState) Data() map[string]string {
	next, _ := json.Marshal(stateRecord{Name: s.NextState.Name(), Reason: s.NextState.Reason(), Data: s.NextState.Data()})
	return map[string]string{
		"ParentId":  s.ParentID,
		"NextState": string(next),
		"Options":   s.Options.String(),
	}
}

// genericState carries a state whose name is not built in.
type genericState struct {
	stateReason
	name string
	data map[string]string
}

func (g *genericState) Name() string             { return g.name }
func (*genericState) IsFinal() bool              { return false }
func (*genericState) IgnoreJobLoadError() bool   { return false }
func (g *genericState) Data() map[string]string { return g.data }

type stateRecord struct {
	Name   string            `json:"name"`
	Reason string            `json:"reason,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// DecodeState rebuilds a State from its stored name, reason and data.
// Unknown names yield a state that only carries the raw values.
func DecodeState(name, reason string, data map[string]string) State {
	if data == nil {
		data = map[string]string{}
	}
	var s State
	switch name {
	case EnqueuedStateName:
		s = &EnqueuedState{Queue: data["Queue"], EnqueuedAt: parseTime(data["EnqueuedAt"])}
	case ScheduledStateName:
		s = &ScheduledState{EnqueueAt: parseTime(data["EnqueueAt"]), ScheduledAt: parseTime(data["ScheduledAt"])}
	case ProcessingStateName:
		s = &ProcessingState{ServerID: data["ServerId"], WorkerID: data["WorkerId"], StartedAt: parseTime(data["StartedAt"])}
	case SucceededStateName:
		s = &SucceededState{
			Result:      data["Result"],
			Latency:     parseMillis(data["Latency"]),
			Duration:    parseMillis(data["PerformanceDuration"]),
			SucceededAt: parseTime(data["SucceededAt"]),
		}
	case FailedStateName:
		fs := &FailedState{ServerID: data["ServerId"], FailedAt: parseTime(data["FailedAt"]), ErrType: data["ExceptionType"]}
		if msg, ok := data["ExceptionMessage"]; ok {
			fs.Err = storedError(msg)
		}
		s = fs
	case DeletedStateName:
		s = &DeletedState{DeletedAt: parseTime(data["DeletedAt"])}
	case AwaitingStateName:
		as := &AwaitingState{ParentID: data["ParentId"], Options: parseContinuationOptions(data["Options"])}
		var rec stateRecord
		if err := sonic.UnmarshalString(data["NextState"], &rec); err == nil && rec.Name != "" {
			as.NextState = DecodeState(rec.Name, rec.Reason, rec.Data)
		} else {
			as.NextState = NewEnqueuedState("")
		}
		s = as
	default:
		s = &genericState{name: name, data: data}
	}
	if rs, ok := s.(interface{ SetReason(string) }); ok {
		rs.SetReason(reason)
	}
	return s
}

// storedError is an error restored from a persisted Failed state.
type storedError string

func (e storedError) Error() string { return string(e) }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseMillis(s string) time.Duration {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
