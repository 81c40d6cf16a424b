package jobserver

import (
	"context"

	"github.com/UniQw/jobserver/internal/hctx"
)

// JobID returns the id of the job running with ctx, or "" outside a job.
func JobID(ctx context.Context) string {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return ""
	}
	return st.JobID
}

// JobItems returns the per-execution items shared by the server filters and
// the job method. It is nil outside a job.
func JobItems(ctx context.Context) map[string]any {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	return st.Items
}

// CheckCancellation is the cooperative cancellation point for job code. It
// returns the shutdown error when the server is shutting down, ErrJobAborted
// when the job was moved away from its worker, and nil otherwise.
func CheckCancellation(ctx context.Context) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil || st.Token == nil {
		return ctx.Err()
	}
	return st.Token.ThrowIfCancellationRequested()
}

func withJobState(ctx context.Context, pc *PerformContext) context.Context {
	st := hctx.New(pc.BackgroundJob.ID, pc.Token)
	st.Items = pc.Items
	return hctx.WithState(ctx, st)
}
