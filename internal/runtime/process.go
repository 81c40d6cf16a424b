package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Process is a long-running server component. Execute performs a single
// iteration of its work; the supervisor calls it again and again until the
// context is canceled.
type Process interface {
	Execute(ctx context.Context) error
}

// ProcessFunc adapts a function to the Process interface.
type ProcessFunc func(ctx context.Context) error

// Execute calls f(ctx).
func (f ProcessFunc) Execute(ctx context.Context) error { return f(ctx) }

// Named is implemented by processes that want a readable name in logs.
type Named interface {
	Name() string
}

// NameOf returns the display name of a process.
func NameOf(p Process) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}

// IsShutdown reports whether err is the cancellation of ctx itself, as
// opposed to a cancellation that originated somewhere else.
func IsShutdown(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Sleep waits for d or until ctx is done, whichever happens first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// safeExecute runs p.Execute and turns a panic into an error.
func safeExecute(ctx context.Context, p Process) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", NameOf(p), r)
		}
	}()
	return p.Execute(ctx)
}
