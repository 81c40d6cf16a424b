package jobserver_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/UniQw/jobserver"
	"github.com/UniQw/jobserver/redisstorage"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	e      *jobserver.Engine
	client *jobserver.Client
	rdb    *redis.Client
	mr     *miniredis.Miniredis
}

func discardLogger() jobserver.Logger {
	return jobserver.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestEnv(t *testing.T, opts ...jobserver.EngineOption) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := redisstorage.New(rdb, redisstorage.Options{
		FetchPollInterval: 5 * time.Millisecond,
		LockPollInterval:  5 * time.Millisecond,
	})
	all := append([]jobserver.EngineOption{jobserver.WithLogger(discardLogger())}, opts...)
	e := jobserver.New(st, all...)
	return &testEnv{e: e, client: jobserver.NewClient(e), rdb: rdb, mr: mr}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (te *testEnv) conn(t *testing.T) jobserver.Connection {
	t.Helper()
	conn, err := te.e.Storage().GetConnection(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (te *testEnv) job(t *testing.T, typ, method string, args ...any) *jobserver.Job {
	t.Helper()
	j, err := te.e.NewJob(typ, method, args...)
	require.NoError(t, err)
	return j
}

func (te *testEnv) enqueue(t *testing.T, job *jobserver.Job, opts ...jobserver.Option) string {
	t.Helper()
	id, err := te.client.Enqueue(testContext(t), job, opts...)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func (te *testEnv) stateName(t *testing.T, id string) string {
	t.Helper()
	data, err := te.client.Job(context.Background(), id)
	require.NoError(t, err)
	return data.State
}

func (te *testEnv) stateData(t *testing.T, id string) *jobserver.StateData {
	t.Helper()
	sd, err := te.conn(t).GetStateData(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sd)
	return sd
}

func (te *testEnv) history(t *testing.T, id string) []string {
	t.Helper()
	entries, err := te.client.StateHistory(context.Background(), id)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func (te *testEnv) worker(serverID, workerID string, queues ...string) *jobserver.Worker {
	return jobserver.NewWorker(te.e, serverID, queues, jobserver.WorkerOptions{WorkerID: workerID})
}
