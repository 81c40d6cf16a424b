package jobserver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/jobserver"
	"github.com/UniQw/jobserver/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_EnqueueDefaultQueue(t *testing.T) {
	te := newTestEnv(t)
	id := te.enqueue(t, te.job(t, "mailer", "Send", "a@b.c"))

	assert.Equal(t, jobserver.EnqueuedStateName, te.stateName(t, id))
	assert.Equal(t, jobserver.DefaultQueue, te.stateData(t, id).Data["Queue"])
	assert.Equal(t, []string{id}, te.rdb.LRange(context.Background(), keys.Queue("default"), 0, -1).Val())
	assert.True(t, te.rdb.SIsMember(context.Background(), keys.Queues(), "default").Val())
	assert.Equal(t, []string{"Enqueued"}, te.history(t, id))

	data, err := te.client.Job(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "mailer", data.Job.Type)
	assert.Equal(t, []string{`"a@b.c"`}, data.Job.Args)
	assert.WithinDuration(t, time.Now(), data.CreatedAt, 5*time.Second)
}

func TestClient_EnqueueOptions(t *testing.T) {
	te := newTestEnv(t)
	ctx := testContext(t)

	critical := te.enqueue(t, te.job(t, "mailer", "Send"), jobserver.Queue("critical"), jobserver.Parameter("Culture", "de-DE"))
	assert.Equal(t, "critical", te.stateData(t, critical).Data["Queue"])
	assert.Equal(t, []string{critical}, te.rdb.LRange(ctx, keys.Queue("critical"), 0, -1).Val())
	culture, err := te.client.JobParameter(ctx, critical, "Culture")
	require.NoError(t, err)
	assert.Equal(t, "de-DE", culture)

	job := te.job(t, "mailer", "Send")
	job.Queue = "low"
	low := te.enqueue(t, job)
	assert.Equal(t, "low", te.stateData(t, low).Data["Queue"])

	delayed := te.enqueue(t, te.job(t, "mailer", "Send"), jobserver.Delay(time.Hour))
	assert.Equal(t, jobserver.ScheduledStateName, te.stateName(t, delayed))
	score, err := te.rdb.ZScore(ctx, keys.Prefixed(jobserver.ScheduleSet), delayed).Result()
	require.NoError(t, err)
	assert.InDelta(t, jobserver.Score(time.Now().Add(time.Hour)), score, 5)

	at := time.Now().Add(2 * time.Hour)
	scheduled, err := te.client.Schedule(ctx, te.job(t, "mailer", "Send"), at)
	require.NoError(t, err)
	assert.Equal(t, jobserver.ScheduledStateName, te.stateName(t, scheduled))
}

func TestClient_ChangeState(t *testing.T) {
	te := newTestEnv(t)
	ctx := testContext(t)
	id := te.enqueue(t, te.job(t, "mailer", "Send"))

	ok, err := te.client.ChangeState(ctx, id, jobserver.NewDeletedState(), jobserver.ScheduledStateName)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, jobserver.EnqueuedStateName, te.stateName(t, id))

	ok, err = te.client.ChangeState(ctx, "missing", jobserver.NewDeletedState())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = te.client.ChangeState(ctx, id, jobserver.NewScheduledState(time.Now().Add(time.Minute)), "enqueued")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, jobserver.ScheduledStateName, te.stateName(t, id))
}

func TestClient_DeleteAndRequeue(t *testing.T) {
	te := newTestEnv(t)
	ctx := testContext(t)
	id := te.enqueue(t, te.job(t, "mailer", "Send"))
	assert.Zero(t, te.mr.TTL(keys.ForJob(id).Hash))

	ok, err := te.client.Delete(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobserver.DeletedStateName, te.stateName(t, id))
	assert.Equal(t, jobserver.DefaultJobExpirationTimeout, te.mr.TTL(keys.ForJob(id).Hash))
	assert.Equal(t, "1", te.rdb.Get(ctx, keys.Prefixed("stats:deleted")).Val())

	ok, err = te.client.Requeue(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobserver.EnqueuedStateName, te.stateName(t, id))
	assert.Zero(t, te.mr.TTL(keys.ForJob(id).Hash))
	assert.Equal(t, "0", te.rdb.Get(ctx, keys.Prefixed("stats:deleted")).Val())
	assert.Equal(t, []string{"Enqueued", "Deleted", "Enqueued"}, te.history(t, id))
}

func TestClient_JobNotFound(t *testing.T) {
	te := newTestEnv(t)
	_, err := te.client.Job(context.Background(), "missing")
	assert.ErrorIs(t, err, jobserver.ErrJobNotFound)
}

type cancelCreation struct{}

func (cancelCreation) OnCreating(_ context.Context, c *jobserver.CreatingContext) error {
	c.Canceled = true
	return nil
}

func (cancelCreation) OnCreated(context.Context, *jobserver.CreatedContext) error { return nil }

type tagCreation struct{ created []string }

func (f *tagCreation) OnCreating(_ context.Context, c *jobserver.CreatingContext) error {
	c.SetJobParameter("Tenant", "acme")
	return nil
}

func (f *tagCreation) OnCreated(_ context.Context, c *jobserver.CreatedContext) error {
	if c.BackgroundJob != nil {
		f.created = append(f.created, c.BackgroundJob.ID)
	}
	return nil
}

func TestClient_FilterCancelsCreation(t *testing.T) {
	te := newTestEnv(t)
	te.e.Filters().AddForType("mailer", cancelCreation{}, 0)

	id, err := te.client.Enqueue(testContext(t), te.job(t, "mailer", "Send"))
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, te.rdb.Keys(context.Background(), "jobserver:job:*").Val())
}

func TestClient_FilterSetsParameter(t *testing.T) {
	te := newTestEnv(t)
	f := &tagCreation{}
	te.e.Filters().Add(f, 0)

	id := te.enqueue(t, te.job(t, "mailer", "Send"))
	tenant, err := te.client.JobParameter(context.Background(), id, "Tenant")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, []string{id}, f.created)
}

type failingStorage struct{ jobserver.Storage }

func (s failingStorage) GetConnection(ctx context.Context) (jobserver.Connection, error) {
	conn, err := s.Storage.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	return failingConnection{conn}, nil
}

type failingConnection struct{ jobserver.Connection }

var errStorageDown = errors.New("storage down")

func (failingConnection) CreateExpiredJob(context.Context, *jobserver.Job, map[string]string, time.Time, time.Duration) (string, error) {
	return "", errStorageDown
}

type handleClientFailure struct{ seen error }

func (f *handleClientFailure) OnClientException(_ context.Context, c *jobserver.ClientExceptionContext) {
	f.seen = c.Err
	c.ExceptionHandled = true
}

func TestClient_CreationFailure(t *testing.T) {
	te := newTestEnv(t)
	e := jobserver.New(failingStorage{te.e.Storage()}, jobserver.WithLogger(discardLogger()))
	c := jobserver.NewClient(e)
	job := te.job(t, "mailer", "Send")

	_, err := c.Enqueue(testContext(t), job)
	var cerr *jobserver.CreateJobFailedError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, errStorageDown)

	f := &handleClientFailure{}
	e.Filters().Add(f, 0)
	id, err := c.Enqueue(testContext(t), job)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.ErrorIs(t, f.seen, errStorageDown)
}
