package jobserver

import (
	"io"
	"time"
)

// DefaultLockTimeout bounds the wait for job and scheduler locks.
const DefaultLockTimeout = 15 * time.Second

// Engine is the process-wide context shared by clients, servers and
// schedulers: the storage, the method registry, the filters and the state
// machine. Build one with New at startup and Close it on teardown.
type Engine struct {
	storage       Storage
	registry      *Registry
	filters       *FilterRegistry
	handlers      *stateHandlers
	activator     Activator
	encoder       Encoder
	log           Logger
	lockTimeout   time.Duration
	jobExpiration time.Duration
	noDefaults    bool

	machine   *StateMachine
	changer   *StateChanger
	creator   *jobCreator
	performer *performer
	running   *executions
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger. The default is FmtLogger.
func WithLogger(l Logger) EngineOption { return func(e *Engine) { e.log = l } }

// WithRegistry uses reg as the method registry.
func WithRegistry(reg *Registry) EngineOption { return func(e *Engine) { e.registry = reg } }

// WithActivator replaces the registry based activator.
func WithActivator(a Activator) EngineOption { return func(e *Engine) { e.activator = a } }

// WithEncoder sets the argument encoder. The default is JSONEncoder.
func WithEncoder(enc Encoder) EngineOption { return func(e *Engine) { e.encoder = enc } }

// WithLockTimeout bounds the wait for distributed locks.
func WithLockTimeout(d time.Duration) EngineOption { return func(e *Engine) { e.lockTimeout = d } }

// WithJobExpiration sets how long jobs in a final state are kept.
func WithJobExpiration(d time.Duration) EngineOption { return func(e *Engine) { e.jobExpiration = d } }

// WithoutDefaultFilters skips registering the default RetryFilter.
func WithoutDefaultFilters() EngineOption { return func(e *Engine) { e.noDefaults = true } }

// New creates an Engine on storage.
func New(storage Storage, opts ...EngineOption) *Engine {
	e := &Engine{
		storage:       storage,
		filters:       NewFilterRegistry(),
		handlers:      newStateHandlers(),
		encoder:       &JSONEncoder{},
		lockTimeout:   DefaultLockTimeout,
		jobExpiration: DefaultJobExpirationTimeout,
		running:       newExecutions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = NewFmtLogger()
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.activator == nil {
		e.activator = NewRegistryActivator(e.registry)
	}

	e.machine = &StateMachine{filters: e.filters, handlers: e.handlers}
	e.changer = &StateChanger{
		storage:       storage,
		machine:       e.machine,
		lockTimeout:   e.lockTimeout,
		jobExpiration: e.jobExpiration,
	}
	e.creator = &jobCreator{filters: e.filters, machine: e.machine, jobExpiration: e.jobExpiration, log: e.log}
	e.performer = &performer{filters: e.filters, registry: e.registry, activator: e.activator, encoder: e.encoder}

	if !e.noDefaults {
		e.filters.Add(&RetryFilter{Attempts: DefaultRetryAttempts, Logger: e.log}, RetryFilterOrder)
	}
	e.filters.Add(newContinuationsFilter(e), ContinuationsFilterOrder)
	return e
}

// Storage returns the engine storage.
func (e *Engine) Storage() Storage { return e.storage }

// Registry returns the method registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Filters returns the filter registry.
func (e *Engine) Filters() *FilterRegistry { return e.filters }

// StateChanger returns the state changer.
func (e *Engine) StateChanger() *StateChanger { return e.changer }

// Logger returns the engine logger.
func (e *Engine) Logger() Logger { return e.log }

// NewJob builds a job, serializing args with the engine encoder.
func (e *Engine) NewJob(typ, method string, args ...any) (*Job, error) {
	return newJobWith(e.encoder, typ, method, args...)
}

// AddStateHandler registers an additional handler for a state name.
func (e *Engine) AddStateHandler(h StateHandler) { e.handlers.add(h) }

// Close releases the storage if it holds resources.
func (e *Engine) Close() error {
	if c, ok := e.storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
