package jobserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerContext_OutsideJob(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, JobID(ctx))
	assert.Nil(t, JobItems(ctx))
	assert.NoError(t, CheckCancellation(ctx))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, CheckCancellation(canceled), context.Canceled)
}

func TestHandlerContext_InsideJob(t *testing.T) {
	pc := &PerformContext{
		BackgroundJob: &BackgroundJob{ID: "job-42"},
		Token:         stubToken{shutdown: context.Background(), err: ErrJobAborted},
		Items:         map[string]any{"k": 1},
	}
	ctx := withJobState(context.Background(), pc)
	assert.Equal(t, "job-42", JobID(ctx))
	assert.Equal(t, 1, JobItems(ctx)["k"])
	assert.ErrorIs(t, CheckCancellation(ctx), ErrJobAborted)
}
