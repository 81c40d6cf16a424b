package redisstorage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/jobserver"
	"github.com/UniQw/jobserver/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniStorage(t *testing.T, opts Options) (*Storage, *redis.Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, opts), rdb, s
}

func newConn(t *testing.T, st *Storage) jobserver.Connection {
	t.Helper()
	conn, err := st.GetConnection(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 500*time.Millisecond, o.FetchPollInterval)
	assert.Equal(t, 30*time.Minute, o.InvisibilityTimeout)
	assert.Equal(t, time.Minute, o.LockTTL)
	assert.Equal(t, 50*time.Millisecond, o.LockPollInterval)
	assert.Equal(t, time.Minute, o.WatcherInterval)
	assert.NotNil(t, o.Logger)
}

func TestStorage_PingAndComponents(t *testing.T) {
	st, _, _ := newMiniStorage(t, Options{})
	require.NoError(t, st.Ping(context.Background()))
	comps := st.Components()
	require.Len(t, comps, 1)
	assert.Equal(t, "FetchedJobsWatcher", comps[0].(interface{ Name() string }).Name())
}

func TestConnection_CreateExpiredJob(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	job, err := jobserver.NewJob("mailer", "Send", "a@b.c", 3)
	require.NoError(t, err)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	id, err := conn.CreateExpiredJob(ctx, job, map[string]string{"Culture": "en"}, created, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ttl, _ := rdb.TTL(ctx, keys.ForJob(id).Hash).Result()
	assert.Greater(t, ttl, time.Duration(0))

	data, err := conn.GetJobData(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, data)
	require.NoError(t, data.LoadErr)
	assert.Equal(t, job, data.Job)
	assert.Equal(t, "", data.State)
	assert.True(t, created.Equal(data.CreatedAt))

	v, err := conn.GetJobParameter(ctx, id, "Culture")
	require.NoError(t, err)
	assert.Equal(t, "en", v)
	v, err = conn.GetJobParameter(ctx, id, "Missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, conn.SetJobParameter(ctx, id, "RetryCount", "2"))
	v, _ = conn.GetJobParameter(ctx, id, "RetryCount")
	assert.Equal(t, "2", v)
}

func TestConnection_GetJobData_MissingAndCorrupt(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	data, err := conn.GetJobData(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, rdb.HSet(ctx, keys.ForJob("bad").Hash, fieldJob, "{not json", fieldState, "Enqueued").Err())
	data, err = conn.GetJobData(ctx, "bad")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Nil(t, data.Job)
	assert.Error(t, data.LoadErr)
	assert.Equal(t, "Enqueued", data.State)
}

func TestTransaction_SetJobState(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	job, _ := jobserver.NewJob("t", "m")
	id, err := conn.CreateExpiredJob(ctx, job, nil, time.Now(), time.Hour)
	require.NoError(t, err)

	sched := jobserver.NewScheduledState(time.Now().Add(time.Minute))
	sched.SetReason("Retry attempt 1 of 3: boom")
	enq := jobserver.NewEnqueuedState("critical")

	tx := conn.CreateWriteTransaction()
	tx.AddJobState(id, sched)
	tx.SetJobState(id, enq)
	tx.AddToQueue("critical", id)
	tx.PersistJob(id)
	require.NoError(t, tx.Commit(ctx))

	data, err := conn.GetJobData(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobserver.EnqueuedStateName, data.State)

	sd, err := conn.GetStateData(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sd)
	assert.Equal(t, jobserver.EnqueuedStateName, sd.Name)
	assert.Equal(t, "critical", sd.Data["Queue"])

	history, err := conn.GetStateHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, jobserver.EnqueuedStateName, history[0].Name)
	assert.Equal(t, jobserver.ScheduledStateName, history[1].Name)
	assert.Equal(t, "Retry attempt 1 of 3: boom", history[1].Reason)

	ttl, _ := rdb.TTL(ctx, keys.ForJob(id).Hash).Result()
	assert.Equal(t, time.Duration(-1), ttl)

	queues, _ := rdb.SMembers(ctx, keys.Queues()).Result()
	assert.Equal(t, []string{"critical"}, queues)
	n, _ := rdb.LLen(ctx, keys.Queue("critical")).Result()
	assert.Equal(t, int64(1), n)

	missing, err := conn.GetStateData(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTransaction_ExpireAndDiscard(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	job, _ := jobserver.NewJob("t", "m")
	id, _ := conn.CreateExpiredJob(ctx, job, map[string]string{"a": "b"}, time.Now(), time.Hour)

	tx := conn.CreateWriteTransaction()
	tx.PersistJob(id)
	require.NoError(t, tx.Commit(ctx))
	ttl, _ := rdb.TTL(ctx, keys.ForJob(id).Parameters).Result()
	assert.Equal(t, time.Duration(-1), ttl)

	tx = conn.CreateWriteTransaction()
	tx.ExpireJob(id, 10*time.Minute)
	require.NoError(t, tx.Commit(ctx))
	ttl, _ = rdb.TTL(ctx, keys.ForJob(id).Parameters).Result()
	assert.Equal(t, 10*time.Minute, ttl)

	// discarded writes are never applied
	tx = conn.CreateWriteTransaction()
	tx.IncrementCounter("stats:discarded")
	tx.Discard()
	require.NoError(t, tx.Commit(ctx))
	exists, _ := rdb.Exists(ctx, keys.Prefixed("stats:discarded")).Result()
	assert.Equal(t, int64(0), exists)
}

func TestTransaction_CollectionsAndCounters(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	tx := conn.CreateWriteTransaction()
	tx.IncrementCounter("stats:succeeded")
	tx.IncrementCounter("stats:succeeded")
	tx.DecrementCounter("stats:succeeded")
	tx.IncrementCounterExpire("stats:succeeded:2024-05-01", time.Hour)
	tx.AddToSet("schedule", "j1", 30)
	tx.AddToSet("schedule", "j2", 10)
	tx.AddToSet("schedule", "j3", 20)
	tx.RemoveFromSet("schedule", "j3")
	for _, v := range []string{"a", "b", "c", "b"} {
		tx.InsertToList("succeeded", v)
	}
	tx.RemoveFromList("succeeded", "b")
	tx.TrimList("succeeded", 0, 0)
	tx.SetRangeInHash("recurring-job:r1", map[string]string{"Cron": "* * * * *", "Queue": "q"})
	tx.SetRangeInHash("recurring-job:r2", map[string]string{"Cron": "@daily"})
	tx.RemoveHash("recurring-job:r2")
	require.NoError(t, tx.Commit(ctx))

	v, _ := rdb.Get(ctx, keys.Prefixed("stats:succeeded")).Result()
	assert.Equal(t, "1", v)
	ttl, _ := rdb.TTL(ctx, keys.Prefixed("stats:succeeded:2024-05-01")).Result()
	assert.Equal(t, time.Hour, ttl)

	items, err := conn.GetAllItemsFromSet(ctx, "schedule")
	require.NoError(t, err)
	assert.Equal(t, []string{"j2", "j1"}, items)

	first, err := conn.GetFirstByLowestScoreFromSet(ctx, "schedule", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "j2", first)
	first, err = conn.GetFirstByLowestScoreFromSet(ctx, "schedule", 11, 25)
	require.NoError(t, err)
	assert.Equal(t, "", first)

	list, _ := rdb.LRange(ctx, keys.Prefixed("succeeded"), 0, -1).Result()
	assert.Equal(t, []string{"c"}, list)

	h, err := conn.GetAllEntriesFromHash(ctx, "recurring-job:r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Cron": "* * * * *", "Queue": "q"}, h)
	h, err = conn.GetAllEntriesFromHash(ctx, "recurring-job:r2")
	require.NoError(t, err)
	assert.Empty(t, h)

	require.NoError(t, conn.SetRangeInHash(ctx, "recurring-job:r1", map[string]string{"Error": "bad"}))
	h, _ = conn.GetAllEntriesFromHash(ctx, "recurring-job:r1")
	assert.Equal(t, "bad", h["Error"])
}

func enqueueRaw(t *testing.T, conn jobserver.Connection, queue string, ids ...string) {
	t.Helper()
	tx := conn.CreateWriteTransaction()
	for _, id := range ids {
		tx.AddToQueue(queue, id)
	}
	require.NoError(t, tx.Commit(context.Background()))
}

func TestFetchNextJob_FIFOAndAck(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	enqueueRaw(t, conn, "default", "a", "b")

	f, err := conn.FetchNextJob(ctx, []string{"critical", "default"})
	require.NoError(t, err)
	assert.Equal(t, "a", f.JobID())
	assert.Equal(t, "default", f.Queue())

	n, _ := rdb.ZCard(ctx, keys.Fetched("default")).Result()
	assert.Equal(t, int64(1), n)

	require.NoError(t, f.RemoveFromQueue(ctx))
	// later calls are no-ops
	require.NoError(t, f.Requeue(ctx))
	require.NoError(t, f.Close())

	n, _ = rdb.ZCard(ctx, keys.Fetched("default")).Result()
	assert.Equal(t, int64(0), n)
	remaining, _ := rdb.LRange(ctx, keys.Queue("default"), 0, -1).Result()
	assert.Equal(t, []string{"b"}, remaining)
}

func TestFetchNextJob_QueuePriority(t *testing.T) {
	st, _, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	enqueueRaw(t, conn, "default", "low")
	enqueueRaw(t, conn, "critical", "high")

	f, err := conn.FetchNextJob(ctx, []string{"critical", "default"})
	require.NoError(t, err)
	assert.Equal(t, "high", f.JobID())
}

func TestFetchedJob_RequeueAndClose(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	enqueueRaw(t, conn, "default", "a", "b")

	f, err := conn.FetchNextJob(ctx, []string{"default"})
	require.NoError(t, err)
	require.NoError(t, f.Requeue(ctx))
	require.NoError(t, f.RemoveFromQueue(ctx))

	// requeued entries are fetched first
	f, err = conn.FetchNextJob(ctx, []string{"default"})
	require.NoError(t, err)
	assert.Equal(t, "a", f.JobID())

	require.NoError(t, f.Close())
	items, _ := rdb.LRange(ctx, keys.Queue("default"), 0, -1).Result()
	assert.ElementsMatch(t, []string{"a", "b"}, items)
}

func TestFetchNextJob_BlocksUntilCanceled(t *testing.T) {
	st, _, _ := newMiniStorage(t, Options{FetchPollInterval: 10 * time.Millisecond})
	conn := newConn(t, st)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.FetchNextJob(ctx, []string{"default"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, err = conn.FetchNextJob(context.Background(), nil)
	assert.Error(t, err)
}

func TestFetchNextJob_PicksUpLateEntry(t *testing.T) {
	st, _, _ := newMiniStorage(t, Options{FetchPollInterval: 10 * time.Millisecond})
	conn := newConn(t, st)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		other, _ := st.GetConnection(ctx)
		tx := other.CreateWriteTransaction()
		tx.AddToQueue("default", "late")
		_ = tx.Commit(ctx)
	}()

	f, err := conn.FetchNextJob(ctx, []string{"default"})
	require.NoError(t, err)
	assert.Equal(t, "late", f.JobID())
}

func TestDistributedLock(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{LockPollInterval: 5 * time.Millisecond})
	conn := newConn(t, st)
	ctx := context.Background()

	l, err := conn.AcquireDistributedLock(ctx, "job:1:state-lock", time.Second)
	require.NoError(t, err)

	_, err = conn.AcquireDistributedLock(ctx, "job:1:state-lock", 20*time.Millisecond)
	require.ErrorIs(t, err, jobserver.ErrDistributedLockTimeout)

	ttl, _ := rdb.TTL(ctx, keys.Lock("job:1:state-lock")).Result()
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	l2, err := conn.AcquireDistributedLock(ctx, "job:1:state-lock", 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestDistributedLock_ReleaseKeepsForeignLock(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	l, err := conn.AcquireDistributedLock(ctx, "r", time.Second)
	require.NoError(t, err)

	// the lock expired and someone else took it
	require.NoError(t, rdb.Set(ctx, keys.Lock("r"), "other-token", time.Minute).Err())
	require.NoError(t, l.Release(ctx))

	v, _ := rdb.Get(ctx, keys.Lock("r")).Result()
	assert.Equal(t, "other-token", v)
}

func TestDistributedLock_WaitsForRelease(t *testing.T) {
	st, _, _ := newMiniStorage(t, Options{LockPollInterval: 5 * time.Millisecond})
	conn := newConn(t, st)
	ctx := context.Background()

	l, err := conn.AcquireDistributedLock(ctx, "r", time.Second)
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = l.Release(ctx)
	}()

	l2, err := conn.AcquireDistributedLock(ctx, "r", time.Second)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestServers(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	err := conn.Heartbeat(ctx, "s1")
	require.ErrorIs(t, err, jobserver.ErrServerNotFound)

	present, err := conn.ServerPresent(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, conn.AnnounceServer(ctx, "s1", jobserver.ServerContext{
		Queues: []string{"default"}, WorkerCount: 4, StartedAt: time.Now(),
	}))
	require.NoError(t, conn.AnnounceServer(ctx, "s2", jobserver.ServerContext{Queues: []string{"default"}}))
	require.NoError(t, conn.Heartbeat(ctx, "s1"))

	present, _ = conn.ServerPresent(ctx, "s1")
	assert.True(t, present)
	present, _ = conn.ServerPresent(ctx, "")
	assert.False(t, present)

	h, _ := rdb.HGetAll(ctx, keys.Server("s1")).Result()
	assert.Equal(t, "4", h["WorkerCount"])
	assert.Equal(t, `["default"]`, h["Queues"])

	// s2 missed its heartbeats
	require.NoError(t, rdb.ZAdd(ctx, keys.Servers(), redis.Z{Score: jobserver.Score(time.Now().Add(-time.Hour)), Member: "s2"}).Err())
	removed, err := conn.RemoveTimedOutServers(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	present, _ = conn.ServerPresent(ctx, "s2")
	assert.False(t, present)

	require.NoError(t, conn.RemoveServer(ctx, "s1"))
	present, _ = conn.ServerPresent(ctx, "s1")
	assert.False(t, present)
	exists, _ := rdb.Exists(ctx, keys.Server("s1")).Result()
	assert.Equal(t, int64(0), exists)
}

func TestFetchedJobsWatcher_ReclaimsExpiredLeases(t *testing.T) {
	st, rdb, _ := newMiniStorage(t, Options{InvisibilityTimeout: time.Millisecond})
	conn := newConn(t, st)
	ctx := context.Background()

	enqueueRaw(t, conn, "default", "a")
	enqueueRaw(t, conn, "mail", "b")
	_, err := conn.FetchNextJob(ctx, []string{"default"})
	require.NoError(t, err)
	_, err = conn.FetchNextJob(ctx, []string{"mail"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	w := newFetchedJobsWatcher(st)
	n, err := w.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, _ := rdb.LRange(ctx, keys.Queue("default"), 0, -1).Result()
	assert.Equal(t, []string{"a"}, items)
	fetched, _ := rdb.ZCard(ctx, keys.Fetched("mail")).Result()
	assert.Equal(t, int64(0), fetched)

	n, err = w.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFetchedJobsWatcher_KeepsLiveLeases(t *testing.T) {
	st, _, _ := newMiniStorage(t, Options{})
	conn := newConn(t, st)
	ctx := context.Background()

	enqueueRaw(t, conn, "default", "a")
	_, err := conn.FetchNextJob(ctx, []string{"default"})
	require.NoError(t, err)

	n, err := newFetchedJobsWatcher(st).ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFetchedJobsWatcher_ExecuteStopsOnCancel(t *testing.T) {
	st, _, _ := newMiniStorage(t, Options{WatcherInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newFetchedJobsWatcher(st).Execute(ctx)
	assert.Error(t, err)
}
