package jobserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedFilter struct{ name string }

type exclusiveFilter struct{ name string }

func (*exclusiveFilter) AllowMultiple() bool { return false }

type multiFilter struct{ name string }

func (*multiFilter) AllowMultiple() bool { return true }

func filterNames(fs []any) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		switch v := f.(type) {
		case *namedFilter:
			out = append(out, v.name)
		case *exclusiveFilter:
			out = append(out, v.name)
		case *multiFilter:
			out = append(out, v.name)
		}
	}
	return out
}

func TestFilterRegistry_Ordering(t *testing.T) {
	r := NewFilterRegistry()
	r.AddForMethod("mailer", "Send", &namedFilter{"method-0"}, 0)
	r.AddForType("mailer", &namedFilter{"type-0"}, 0)
	r.Add(&namedFilter{"global-0a"}, 0)
	r.Add(&namedFilter{"global-5"}, 5)
	r.Add(&namedFilter{"global-0b"}, 0)
	r.AddForType("mailer", &namedFilter{"type-neg"}, -1)
	r.AddForType("other", &namedFilter{"other-type"}, 0)
	r.AddForMethod("mailer", "Other", &namedFilter{"other-method"}, 0)

	got := filterNames(r.Filters(&Job{Type: "mailer", Method: "Send"}))
	assert.Equal(t, []string{"type-neg", "global-0a", "global-0b", "type-0", "method-0", "global-5"}, got)

	got = filterNames(r.Filters(&Job{Type: "report", Method: "Build"}))
	assert.Equal(t, []string{"global-0a", "global-0b", "global-5"}, got)
}

func TestFilterRegistry_ExclusiveKeepsMostSpecific(t *testing.T) {
	r := NewFilterRegistry()
	r.Add(&exclusiveFilter{"global"}, 0)
	r.AddForType("mailer", &exclusiveFilter{"type"}, 0)
	r.AddForMethod("mailer", "Send", &exclusiveFilter{"method"}, 10)
	r.Add(&multiFilter{"multi-1"}, 0)
	r.AddForType("mailer", &multiFilter{"multi-2"}, 0)

	assert.Equal(t, []string{"multi-1", "multi-2", "method"}, filterNames(r.Filters(&Job{Type: "mailer", Method: "Send"})))
	assert.Equal(t, []string{"multi-1", "type", "multi-2"}, filterNames(r.Filters(&Job{Type: "mailer", Method: "Other"})))
	assert.Equal(t, []string{"global", "multi-1"}, filterNames(r.Filters(&Job{Type: "report", Method: "Build"})))
}

func TestFilterRegistry_ExclusiveSameScopeLastWins(t *testing.T) {
	r := NewFilterRegistry()
	r.Add(&exclusiveFilter{"first"}, 0)
	r.Add(&exclusiveFilter{"second"}, 0)
	assert.Equal(t, []string{"second"}, filterNames(r.Filters(&Job{Type: "t", Method: "m"})))
}

func TestFilterRegistry_Remove(t *testing.T) {
	r := NewFilterRegistry()
	f := &namedFilter{"a"}
	r.Add(f, 0)
	r.AddForType("t", f, 0)
	r.Add(&namedFilter{"b"}, 0)
	r.Add(nil, 0)

	r.Remove(f)
	assert.Equal(t, []string{"b"}, filterNames(r.Filters(&Job{Type: "t", Method: "m"})))
}

type allCapabilities struct{}

func (allCapabilities) OnStateElection(context.Context, *ElectStateContext) error { return nil }
func (allCapabilities) OnStateApplied(context.Context, *ApplyStateContext) error { return nil }
func (allCapabilities) OnStateUnapplied(context.Context, *ApplyStateContext) error { return nil }
func (allCapabilities) OnPerforming(context.Context, *PerformingContext) error { return nil }
func (allCapabilities) OnPerformed(context.Context, *PerformedContext) error { return nil }
func (allCapabilities) OnServerException(context.Context, *ServerExceptionContext) {}
func (allCapabilities) OnCreating(context.Context, *CreatingContext) error { return nil }
func (allCapabilities) OnCreated(context.Context, *CreatedContext) error { return nil }
func (allCapabilities) OnClientException(context.Context, *ClientExceptionContext) {}

func TestJobFilters_Capabilities(t *testing.T) {
	fs := jobFilters{allCapabilities{}, &namedFilter{"plain"}}
	require.Len(t, fs.electState(), 1)
	require.Len(t, fs.applyState(), 1)
	require.Len(t, fs.server(), 1)
	require.Len(t, fs.serverException(), 1)
	require.Len(t, fs.client(), 1)
	require.Len(t, fs.clientException(), 1)
}
