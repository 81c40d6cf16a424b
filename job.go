package jobserver

import (
	"fmt"
	"time"
)

// Job describes a unit of work: which registered method to call and with
// which serialized arguments. A Job is never mutated after creation.
type Job struct {
	// Type identifies the registered job type, used by Registry to route the job.
	Type string `json:"type"`
	// Method is the method name within Type.
	Method string `json:"method"`
	// ParameterTypes lists the Go type of every argument, for diagnostics.
	ParameterTypes []string `json:"parameter_types,omitempty"`
	// Args holds each argument serialized with the engine's Encoder.
	Args []string `json:"args,omitempty"`
	// Queue overrides the queue the job is enqueued to. Empty means the
	// queue chosen by the state, or DefaultQueue.
	Queue string `json:"queue,omitempty"`
}

// NewJob builds a Job, serializing args with the default JSON encoder.
func NewJob(typ, method string, args ...any) (*Job, error) {
	return newJobWith(&JSONEncoder{}, typ, method, args...)
}

func newJobWith(enc Encoder, typ, method string, args ...any) (*Job, error) {
	if typ == "" || method == "" {
		return nil, fmt.Errorf("jobserver: job type and method are required")
	}
	j := &Job{Type: typ, Method: method}
	for i, a := range args {
		b, err := enc.Encode(a)
		if err != nil {
			return nil, fmt.Errorf("jobserver: encode argument %d of %s.%s: %w", i, typ, method, err)
		}
		j.Args = append(j.Args, string(b))
		j.ParameterTypes = append(j.ParameterTypes, fmt.Sprintf("%T", a))
	}
	return j, nil
}

// String returns "Type.Method".
func (j *Job) String() string {
	if j == nil {
		return "<nil>"
	}
	return j.Type + "." + j.Method
}

// Arguments gives a job method typed access to its serialized arguments.
type Arguments struct {
	raw []string
	enc Encoder
}

// NewArguments wraps raw serialized arguments. A nil enc uses JSONEncoder.
func NewArguments(raw []string, enc Encoder) Arguments {
	if enc == nil {
		enc = &JSONEncoder{}
	}
	return Arguments{raw: raw, enc: enc}
}

// Len returns the number of arguments.
func (a Arguments) Len() int { return len(a.raw) }

// Decode deserializes argument i into v.
func (a Arguments) Decode(i int, v any) error {
	if i < 0 || i >= len(a.raw) {
		return fmt.Errorf("jobserver: argument index %d out of range (len=%d)", i, len(a.raw))
	}
	if err := a.enc.Decode([]byte(a.raw[i]), v); err != nil {
		return fmt.Errorf("jobserver: decode argument %d: %w", i, err)
	}
	return nil
}

// BackgroundJob is a persisted job: its id, descriptor and creation time.
type BackgroundJob struct {
	ID        string
	Job       *Job
	CreatedAt time.Time
}
