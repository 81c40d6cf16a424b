package runtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RetryPolicy configures the AutomaticRetry wrapper applied to every
// process added to a Runtime.
type RetryPolicy struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
}

// Runtime hosts a set of supervised processes and starts or stops them together.
type Runtime struct {
	log    Logger
	policy RetryPolicy

	mu          sync.Mutex
	started     bool
	supervisors []*Supervisor
}

// New creates an empty runtime.
func New(policy RetryPolicy, log Logger) *Runtime {
	if log == nil {
		log = noopLogger{}
	}
	return &Runtime{log: log, policy: policy}
}

// Add registers a process. Processes added after Start are started immediately.
func (rt *Runtime) Add(p Process) *Supervisor {
	wrapped := &AutomaticRetry{
		Inner:       p,
		MaxAttempts: rt.policy.MaxAttempts,
		Delay:       rt.policy.Delay,
		Logger:      rt.log,
	}
	sup := NewSupervisor(wrapped, rt.log)

	rt.mu.Lock()
	rt.supervisors = append(rt.supervisors, sup)
	started := rt.started
	rt.mu.Unlock()

	if started {
		sup.Start()
	}
	return sup
}

// Supervisors returns a snapshot of the registered supervisors.
func (rt *Runtime) Supervisors() []*Supervisor {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Supervisor, len(rt.supervisors))
	copy(out, rt.supervisors)
	return out
}

// Start launches every registered process.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	sups := append([]*Supervisor(nil), rt.supervisors...)
	rt.mu.Unlock()

	rt.log.Infof("runtime starting: processes=%d", len(sups))
	for _, s := range sups {
		s.Start()
	}
}

// Stop signals every process to exit. It does not wait; see Wait.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	sups := append([]*Supervisor(nil), rt.supervisors...)
	rt.mu.Unlock()

	rt.log.Infof("runtime stopping")
	for _, s := range sups {
		s.Stop()
	}
}

// Wait blocks until every process loop has exited or ctx is done.
func (rt *Runtime) Wait(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range rt.Supervisors() {
		done := s.Done()
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// Dispose stops every process and waits for all of them concurrently.
func (rt *Runtime) Dispose() {
	rt.mu.Lock()
	rt.started = false
	sups := append([]*Supervisor(nil), rt.supervisors...)
	rt.mu.Unlock()

	var g errgroup.Group
	for _, s := range sups {
		g.Go(func() error {
			s.Dispose()
			return nil
		})
	}
	_ = g.Wait()
}
