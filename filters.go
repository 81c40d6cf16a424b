package jobserver

import (
	"context"
	"reflect"
	"sort"
	"sync"
)

// DefaultOrder is the order of filters registered without an explicit one.
const DefaultOrder = 0

// ElectStateFilter may replace the candidate state of a transition.
type ElectStateFilter interface {
	OnStateElection(ctx context.Context, c *ElectStateContext) error
}

// ApplyStateFilter observes a transition inside its write transaction.
type ApplyStateFilter interface {
	OnStateApplied(ctx context.Context, c *ApplyStateContext) error
	OnStateUnapplied(ctx context.Context, c *ApplyStateContext) error
}

// ServerFilter wraps the invocation of a job method.
type ServerFilter interface {
	OnPerforming(ctx context.Context, c *PerformingContext) error
	OnPerformed(ctx context.Context, c *PerformedContext) error
}

// ServerExceptionFilter observes errors raised while performing a job and
// may mark them handled.
type ServerExceptionFilter interface {
	OnServerException(ctx context.Context, c *ServerExceptionContext)
}

// ClientFilter wraps job creation.
type ClientFilter interface {
	OnCreating(ctx context.Context, c *CreatingContext) error
	OnCreated(ctx context.Context, c *CreatedContext) error
}

// ClientExceptionFilter observes job creation failures and may mark them handled.
type ClientExceptionFilter interface {
	OnClientException(ctx context.Context, c *ClientExceptionContext)
}

// Exclusive is implemented by filters that may appear only once per job.
// When several instances of the same filter type apply, the most specific
// one (method over type over global) wins.
type Exclusive interface {
	AllowMultiple() bool
}

type filterScope int

const (
	scopeGlobal filterScope = iota
	scopeType
	scopeMethod
)

type filterEntry struct {
	filter any
	order  int
	scope  filterScope
	seq    int
	typ    string
	method string
}

// FilterRegistry holds global filters and filters bound to a job type or
// job method. It is safe for concurrent use.
type FilterRegistry struct {
	mu      sync.RWMutex
	entries []filterEntry
	seq     int
}

// NewFilterRegistry returns an empty registry.
func NewFilterRegistry() *FilterRegistry { return &FilterRegistry{} }

// Add registers a filter for every job.
func (r *FilterRegistry) Add(filter any, order int) {
	r.add(filterEntry{filter: filter, order: order, scope: scopeGlobal})
}

// AddForType registers a filter for jobs of typ.
func (r *FilterRegistry) AddForType(typ string, filter any, order int) {
	r.add(filterEntry{filter: filter, order: order, scope: scopeType, typ: typ})
}

// AddForMethod registers a filter for jobs calling typ.method.
func (r *FilterRegistry) AddForMethod(typ, method string, filter any, order int) {
	r.add(filterEntry{filter: filter, order: order, scope: scopeMethod, typ: typ, method: method})
}

// Remove unregisters every entry holding filter.
func (r *FilterRegistry) Remove(filter any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.filter != filter {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

func (r *FilterRegistry) add(e filterEntry) {
	if e.filter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.seq = r.seq
	r.entries = append(r.entries, e)
}

// Filters returns the filters that apply to job, sorted by ascending order,
// then scope (global first), then registration order.
func (r *FilterRegistry) Filters(job *Job) []any {
	r.mu.RLock()
	matched := make([]filterEntry, 0, len(r.entries))
	for _, e := range r.entries {
		switch e.scope {
		case scopeGlobal:
		case scopeType:
			if job == nil || e.typ != job.Type {
				continue
			}
		case scopeMethod:
			if job == nil || e.typ != job.Type || e.method != job.Method {
				continue
			}
		}
		matched = append(matched, e)
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.order != b.order {
			return a.order < b.order
		}
		if a.scope != b.scope {
			return a.scope < b.scope
		}
		return a.seq < b.seq
	})

	// for exclusive filters keep only the last instance of each type in
	// scope order, which is the most specific one
	winner := make(map[reflect.Type]filterEntry)
	for _, e := range matched {
		if ex, ok := e.filter.(Exclusive); ok && !ex.AllowMultiple() {
			t := reflect.TypeOf(e.filter)
			if w, seen := winner[t]; !seen || e.scope > w.scope || (e.scope == w.scope && e.seq > w.seq) {
				winner[t] = e
			}
		}
	}

	out := make([]any, 0, len(matched))
	for _, e := range matched {
		if ex, ok := e.filter.(Exclusive); ok && !ex.AllowMultiple() {
			if w := winner[reflect.TypeOf(e.filter)]; w.seq != e.seq {
				continue
			}
		}
		out = append(out, e.filter)
	}
	return out
}

// jobFilters splits a filter list by capability.
type jobFilters []any

func (fs jobFilters) electState() []ElectStateFilter {
	var out []ElectStateFilter
	for _, f := range fs {
		if v, ok := f.(ElectStateFilter); ok {
			out = append(out, v)
		}
	}
	return out
}

func (fs jobFilters) applyState() []ApplyStateFilter {
	var out []ApplyStateFilter
	for _, f := range fs {
		if v, ok := f.(ApplyStateFilter); ok {
			out = append(out, v)
		}
	}
	return out
}

func (fs jobFilters) server() []ServerFilter {
	var out []ServerFilter
	for _, f := range fs {
		if v, ok := f.(ServerFilter); ok {
			out = append(out, v)
		}
	}
	return out
}

func (fs jobFilters) serverException() []ServerExceptionFilter {
	var out []ServerExceptionFilter
	for _, f := range fs {
		if v, ok := f.(ServerExceptionFilter); ok {
			out = append(out, v)
		}
	}
	return out
}

func (fs jobFilters) client() []ClientFilter {
	var out []ClientFilter
	for _, f := range fs {
		if v, ok := f.(ClientFilter); ok {
			out = append(out, v)
		}
	}
	return out
}

func (fs jobFilters) clientException() []ClientExceptionFilter {
	var out []ClientExceptionFilter
	for _, f := range fs {
		if v, ok := f.(ClientExceptionFilter); ok {
			out = append(out, v)
		}
	}
	return out
}
