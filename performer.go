package jobserver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// performer runs a job method inside the server filter chain.
type performer struct {
	filters   *FilterRegistry
	registry  *Registry
	activator Activator
	encoder   Encoder
}

// Perform invokes the job described by pc with ctx as the job context.
//
// Shutdown and aborted errors are returned unwrapped. Failures of the job
// method are *PerformanceError with Internal == false; failures of filters,
// activation or disposal are *PerformanceError with Internal == true.
func (p *performer) Perform(ctx context.Context, pc *PerformContext) (any, error) {
	if pc.Items == nil {
		pc.Items = make(map[string]any)
	}
	ctx = withJobState(ctx, pc)
	fs := jobFilters(p.filters.Filters(pc.BackgroundJob.Job))
	serverFilters := fs.server()

	pre := &PerformingContext{PerformContext: pc}
	entered := 0
	for _, f := range serverFilters {
		if err := f.OnPerforming(ctx, pre); err != nil {
			return nil, p.filterError(ctx, pc, err)
		}
		if pre.Canceled {
			break
		}
		entered++
	}

	post := &PerformedContext{PerformContext: pc, Canceled: pre.Canceled}
	if !pre.Canceled {
		post.Result, post.Err = p.invoke(ctx, pc)
		if post.Err != nil && !p.passthrough(ctx, pc, post.Err) {
			ec := &ServerExceptionContext{PerformContext: pc, Err: post.Err}
			exFilters := fs.serverException()
			for i := len(exFilters) - 1; i >= 0; i-- {
				exFilters[i].OnServerException(ctx, ec)
			}
			post.ExceptionHandled = ec.ExceptionHandled
		}
	}

	for i := entered - 1; i >= 0; i-- {
		if err := serverFilters[i].OnPerformed(ctx, post); err != nil {
			post.Err = p.filterError(ctx, pc, err)
			post.ExceptionHandled = false
			post.Result = nil
		}
	}

	if post.Err != nil && !post.ExceptionHandled {
		return nil, post.Err
	}
	if post.Canceled || post.Err != nil {
		return nil, nil
	}
	return post.Result, nil
}

// passthrough reports whether err must reach the caller untouched.
func (p *performer) passthrough(ctx context.Context, pc *PerformContext, err error) bool {
	return isAbortedErr(ctx, err) || (pc.Token != nil && isShutdownErr(pc.Token.ShutdownContext(), err))
}

func (p *performer) filterError(ctx context.Context, pc *PerformContext, err error) error {
	if p.passthrough(ctx, pc, err) {
		return err
	}
	var pe *PerformanceError
	if errors.As(err, &pe) {
		return err
	}
	return &PerformanceError{JobID: pc.BackgroundJob.ID, Err: err, Internal: true}
}

// invoke resolves and calls the job method.
func (p *performer) invoke(ctx context.Context, pc *PerformContext) (any, error) {
	bj := pc.BackgroundJob
	internal := func(err error) error {
		return &PerformanceError{JobID: bj.ID, Err: err, Internal: true}
	}
	if bj.Job == nil {
		return nil, internal(errors.New("job descriptor is missing"))
	}
	m, ok := p.registry.lookup(bj.Job.Type, bj.Job.Method)
	if !ok {
		return nil, internal(fmt.Errorf("%w: %s", ErrNoHandler, bj.Job))
	}

	scope := p.activator.BeginScope(ctx, bj)
	var instance any
	if !m.static {
		v, err := scope.Resolve(ctx, bj.Job.Type)
		if err != nil {
			_ = scope.Close()
			return nil, internal(err)
		}
		instance = v
	}

	result, err := callMethod(ctx, m.fn, instance, NewArguments(bj.Job.Args, p.encoder))
	closeErr := scope.Close()

	if err != nil {
		if p.passthrough(ctx, pc, err) {
			if isAbortedErr(ctx, err) {
				return nil, ErrJobAborted
			}
			return nil, err
		}
		return nil, &PerformanceError{JobID: bj.ID, Err: err}
	}
	if closeErr != nil {
		return nil, internal(fmt.Errorf("dispose job instance: %w", closeErr))
	}
	return result, nil
}

// panicError is a recovered panic of a job method.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (e *panicError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "panic: %v\n%s", e.value, e.stack)
		return
	}
	fmt.Fprint(s, e.Error())
}

func callMethod(ctx context.Context, fn Method, instance any, args Arguments) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx, instance, args)
}
