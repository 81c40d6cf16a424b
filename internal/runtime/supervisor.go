package runtime

import (
	"context"
	"sync"
)

// Supervisor runs one process on its own goroutine, calling Execute in a
// loop until stopped. Start, Stop and Dispose are idempotent.
type Supervisor struct {
	name string
	proc Process
	log  Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	disposed bool
}

// NewSupervisor creates a supervisor for p. p is usually wrapped in an
// AutomaticRetry so transient failures do not end the loop.
func NewSupervisor(p Process, log Logger) *Supervisor {
	if log == nil {
		log = noopLogger{}
	}
	closed := make(chan struct{})
	close(closed)
	return &Supervisor{name: NameOf(p), proc: p, log: log, done: closed}
}

// Name returns the supervised process name.
func (s *Supervisor) Name() string { return s.name }

// Start launches the loop if it is not already running.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.cancel != nil {
		return
	}
	// a previous loop may still be finishing after Stop
	<-s.done

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(ctx, done)
}

// Stop signals the loop to exit without waiting for it.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Done is closed once the loop has exited.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Dispose stops the loop and blocks until it has exited. The supervisor
// cannot be started again afterwards.
func (s *Supervisor) Dispose() {
	s.Stop()
	s.mu.Lock()
	s.disposed = true
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.log.Debugf("process started: name=%s", s.name)
	for ctx.Err() == nil {
		err := safeExecute(ctx, s.proc)
		if err == nil {
			continue
		}
		if IsShutdown(ctx, err) {
			break
		}
		s.log.Errorf("process stopped after unrecoverable error: name=%s err=%v", s.name, err)
		return
	}
	s.log.Debugf("process stopped: name=%s", s.name)
}
