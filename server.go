package jobserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	rtm "github.com/UniQw/jobserver/internal/runtime"
	"github.com/google/uuid"
)

// Server runs workers, schedulers and maintenance processes against the
// engine storage.
type Server struct {
	e     *Engine
	cfg   ServerConfig
	extra []BackgroundProcess
	id    string
	log   Logger

	mu       sync.Mutex
	started  bool
	rt       *rtm.Runtime
	beat     *rtm.Supervisor
	shutdown context.CancelFunc
}

// NewServer creates a server. extra processes run alongside the built-in ones.
func NewServer(e *Engine, cfg ServerConfig, extra ...BackgroundProcess) *Server {
	cfg = cfg.withDefaults()
	l := cfg.Logger
	if l == nil {
		l = e.log
	}
	id := fmt.Sprintf("%s:%d:%s", cfg.ServerName, os.Getpid(), uuid.NewString())
	return &Server{e: e, cfg: cfg, extra: extra, id: id, log: l}
}

// ID returns the server id stored in Processing states and the server record.
func (s *Server) ID() string { return s.id }

// Config returns the effective configuration.
func (s *Server) Config() ServerConfig { return s.cfg }

// Start announces the server and launches its processes.
// It is idempotent and non-blocking.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.announce(ctx); err != nil {
		return fmt.Errorf("jobserver: announce server: %w", err)
	}

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	runtime := rtm.New(rtm.RetryPolicy{MaxAttempts: *s.cfg.ProcessRetryAttempts}, s.log)

	watcher := newCancellationWatcher(s.cfg.CancellationCheckInterval, s.log)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		runtime.Add(NewWorker(s.e, s.id, s.cfg.Queues, WorkerOptions{ShutdownContext: shutdownCtx, watcher: watcher}))
	}
	runtime.Add(watcher)
	runtime.Add(NewDelayedJobScheduler(s.e, s.cfg.SchedulePollingInterval))
	runtime.Add(NewRecurringJobScheduler(s.e, s.cfg.RecurringPollingInterval))
	runtime.Add(&serverWatchdog{e: s.e, timeout: s.cfg.ServerTimeout, interval: s.cfg.ServerCheckInterval, log: s.log})
	if cp, ok := s.e.storage.(ComponentProvider); ok {
		for _, p := range cp.Components() {
			runtime.Add(p)
		}
	}
	for _, p := range s.extra {
		runtime.Add(p)
	}
	s.beat = runtime.Add(&serverHeartbeat{s: s, interval: s.cfg.HeartbeatInterval})

	s.rt = runtime
	s.shutdown = shutdown
	s.started = true
	s.log.Infof("starting server: id=%s workers=%d queues=%v", s.id, s.cfg.WorkerCount, s.cfg.Queues)
	runtime.Start()
	return nil
}

// Stop gracefully shuts down the server. Fetching stops at once; running
// jobs get ShutdownTimeout to finish before their context is canceled and
// their queue entries are returned.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	runtime, beat, shutdown := s.rt, s.beat, s.shutdown
	s.mu.Unlock()

	s.log.Infof("stopping server: id=%s", s.id)
	runtime.Stop()
	beat.Dispose()

	// a stopping server no longer owns its jobs once they are returned to a queue
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.removeServer(ctx); err != nil {
		s.log.Warnf("remove server record failed: id=%s err=%v", s.id, err)
	}
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	if err := runtime.Wait(wctx); err != nil {
		s.log.Warnf("shutdown timeout reached, canceling running jobs: id=%s", s.id)
	}
	wcancel()
	shutdown()
	runtime.Dispose()
	s.log.Infof("server stopped: id=%s", s.id)
}

func (s *Server) announce(ctx context.Context) error {
	conn, err := s.e.storage.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.AnnounceServer(ctx, s.id, ServerContext{
		Queues:      s.cfg.Queues,
		WorkerCount: s.cfg.WorkerCount,
		StartedAt:   time.Now(),
	})
}

func (s *Server) removeServer(ctx context.Context) error {
	conn, err := s.e.storage.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.RemoveServer(ctx, s.id)
}

// serverHeartbeat refreshes the server record and re-announces the server
// if a watchdog removed it.
type serverHeartbeat struct {
	s        *Server
	interval time.Duration
}

func (h *serverHeartbeat) Name() string { return "ServerHeartbeat" }

func (h *serverHeartbeat) Execute(ctx context.Context) error {
	if err := rtm.Sleep(ctx, h.interval); err != nil {
		return err
	}
	conn, err := h.s.e.storage.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.Heartbeat(ctx, h.s.id)
	if errors.Is(err, ErrServerNotFound) {
		h.s.log.Warnf("server record missing, announcing again: id=%s", h.s.id)
		return h.s.announce(ctx)
	}
	return err
}

// serverWatchdog removes servers whose heartbeat is older than timeout.
type serverWatchdog struct {
	e        *Engine
	timeout  time.Duration
	interval time.Duration
	log      Logger
}

func (w *serverWatchdog) Name() string { return "ServerWatchdog" }

func (w *serverWatchdog) Execute(ctx context.Context) error {
	conn, err := w.e.storage.GetConnection(ctx)
	if err != nil {
		return err
	}
	removed, err := conn.RemoveTimedOutServers(ctx, w.timeout)
	conn.Close()
	if err != nil {
		return err
	}
	if removed > 0 {
		w.log.Infof("timed out servers removed: count=%d", removed)
	}
	return rtm.Sleep(ctx, w.interval)
}
