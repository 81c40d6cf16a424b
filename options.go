package jobserver

import "time"

type options struct {
	queue        string
	delay        time.Duration
	at           time.Time
	params       map[string]string
	continuation ContinuationOptions
}

// Option is a function that configures job creation in the Client.
type Option func(*options)

// Queue enqueues the job to the named queue instead of the default one.
func Queue(name string) Option {
	return func(o *options) {
		o.queue = name
	}
}

// Delay schedules the job to be executed after the specified duration.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// At schedules the job to be executed at t.
func At(t time.Time) Option {
	return func(o *options) {
		o.at = t
	}
}

// Parameter stores a job parameter together with the new job.
func Parameter(name, value string) Option {
	return func(o *options) {
		if o.params == nil {
			o.params = make(map[string]string)
		}
		o.params[name] = value
	}
}

// OnAnyFinished makes a continuation run whatever final state its parent
// reaches. By default it runs only after the parent succeeded.
func OnAnyFinished() Option {
	return func(o *options) {
		o.continuation = OnAnyFinishedState
	}
}

// scheduledAt returns the time the job should start, or zero to enqueue now.
func (o *options) scheduledAt(now time.Time) time.Time {
	if !o.at.IsZero() {
		return o.at
	}
	if o.delay > 0 {
		return now.Add(o.delay)
	}
	return time.Time{}
}
