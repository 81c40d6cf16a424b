package jobserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Method is the function signature for a job method. instance is the value
// resolved by the Activator for instance methods and nil for static ones.
type Method func(ctx context.Context, instance any, args Arguments) (any, error)

// Middleware is a function that wraps a Method to provide cross-cutting concerns.
type Middleware func(Method) Method

// Factory creates an instance of a job type.
type Factory func(ctx context.Context) (any, error)

type methodEntry struct {
	fn     Method
	static bool
}

// Registry routes jobs to their methods by job type and method name.
type Registry struct {
	mu          sync.RWMutex
	methods     map[string]methodEntry
	factories   map[string]Factory
	middlewares []Middleware
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		methods:   make(map[string]methodEntry),
		factories: make(map[string]Factory),
	}
}

func methodKey(typ, method string) string { return typ + "." + method }

// Handle registers an instance method. The instance is resolved through the
// Activator, using the Factory registered for typ by default.
func (r *Registry) Handle(typ, method string, fn Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[methodKey(typ, method)] = methodEntry{fn: fn}
}

// HandleStatic registers a method that needs no instance.
func (r *Registry) HandleStatic(typ, method string, fn Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[methodKey(typ, method)] = methodEntry{fn: fn, static: true}
}

// HandleFunc registers a static method without a result.
func (r *Registry) HandleFunc(typ, method string, fn func(ctx context.Context, args Arguments) error) {
	r.HandleStatic(typ, method, func(ctx context.Context, _ any, args Arguments) (any, error) {
		return nil, fn(ctx, args)
	})
}

// Register sets the factory used to create instances of typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Use adds middleware(s) around every method. Middlewares are executed in the order they are added.
func (r *Registry) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
}

// Has reports whether typ.method is registered.
func (r *Registry) Has(typ, method string) bool {
	_, ok := r.lookup(typ, method)
	return ok
}

func (r *Registry) lookup(typ, method string) (methodEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[methodKey(typ, method)]
	if !ok {
		return methodEntry{}, false
	}
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		m.fn = r.middlewares[i](m.fn)
	}
	return m, true
}

func (r *Registry) factory(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Activator creates the instances job methods run on.
type Activator interface {
	BeginScope(ctx context.Context, job *BackgroundJob) ActivatorScope
}

// ActivatorScope owns the instances resolved for one job execution.
type ActivatorScope interface {
	Resolve(ctx context.Context, typ string) (any, error)
	// Close releases the instances of the scope.
	Close() error
}

// NewRegistryActivator returns an Activator backed by the factories of reg.
// Resolved instances implementing io.Closer are closed with the scope.
func NewRegistryActivator(reg *Registry) Activator {
	return &registryActivator{reg: reg}
}

type registryActivator struct {
	reg *Registry
}

func (a *registryActivator) BeginScope(context.Context, *BackgroundJob) ActivatorScope {
	return &registryScope{reg: a.reg}
}

type registryScope struct {
	reg       *Registry
	instances []any
}

func (s *registryScope) Resolve(ctx context.Context, typ string) (any, error) {
	f, ok := s.reg.factory(typ)
	if !ok {
		return nil, fmt.Errorf("jobserver: no factory registered for type %q", typ)
	}
	v, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobserver: activate %q: %w", typ, err)
	}
	if v == nil {
		return nil, fmt.Errorf("jobserver: factory for %q returned nil", typ)
	}
	s.instances = append(s.instances, v)
	return v, nil
}

func (s *registryScope) Close() error {
	var errs []error
	for i := len(s.instances) - 1; i >= 0; i-- {
		if c, ok := s.instances[i].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.instances = nil
	return errors.Join(errs...)
}
