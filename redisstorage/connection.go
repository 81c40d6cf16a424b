package redisstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/UniQw/jobserver"
	"github.com/UniQw/jobserver/internal/keys"
	rtm "github.com/UniQw/jobserver/internal/runtime"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job hash fields.
const (
	fieldJob       = "Job"
	fieldCreatedAt = "CreatedAt"
	fieldState     = "State"
)

type connection struct {
	s *Storage
}

func (c *connection) Close() error { return nil }

func (c *connection) CreateWriteTransaction() jobserver.WriteTransaction {
	return &transaction{rdb: c.s.rdb}
}

func (c *connection) AcquireDistributedLock(ctx context.Context, resource string, timeout time.Duration) (jobserver.DistributedLock, error) {
	key := keys.Lock(resource)
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := c.s.rdb.SetNX(ctx, key, token, c.s.opts.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstorage: acquire lock %s: %w", resource, err)
		}
		if ok {
			return &lock{rdb: c.s.rdb, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", jobserver.ErrDistributedLockTimeout, resource)
		}
		wait := min(c.s.opts.LockPollInterval, time.Until(deadline))
		if err := rtm.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *connection) CreateExpiredJob(ctx context.Context, job *jobserver.Job, params map[string]string, createdAt time.Time, expireIn time.Duration) (string, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("redisstorage: encode job: %w", err)
	}
	id := uuid.NewString()
	k := keys.ForJob(id)
	_, err = c.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k.Hash, fieldJob, raw, fieldCreatedAt, formatTime(createdAt))
		p.Expire(ctx, k.Hash, expireIn)
		if len(params) > 0 {
			p.HSet(ctx, k.Parameters, toArgs(params)...)
			p.Expire(ctx, k.Parameters, expireIn)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *connection) FetchNextJob(ctx context.Context, queues []string) (jobserver.FetchedJob, error) {
	if len(queues) == 0 {
		return nil, errors.New("redisstorage: no queues to fetch from")
	}
	for {
		for _, q := range queues {
			k := keys.For(q)
			deadline := jobserver.Score(time.Now().Add(c.s.opts.InvisibilityTimeout))
			res, err := dequeueScript.Run(ctx, c.s.rdb, []string{k.List, k.Fetched}, strconv.FormatFloat(deadline, 'f', 3, 64)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("redisstorage: fetch from %s: %w", q, err)
			}
			if id, ok := res.(string); ok && id != "" {
				return &fetchedJob{rdb: c.s.rdb, id: id, queue: q, keys: k}, nil
			}
		}
		if err := rtm.Sleep(ctx, c.s.opts.FetchPollInterval); err != nil {
			return nil, err
		}
	}
}

func (c *connection) SetJobParameter(ctx context.Context, id, name, value string) error {
	return c.s.rdb.HSet(ctx, keys.ForJob(id).Parameters, name, value).Err()
}

func (c *connection) GetJobParameter(ctx context.Context, id, name string) (string, error) {
	v, err := c.s.rdb.HGet(ctx, keys.ForJob(id).Parameters, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (c *connection) GetJobData(ctx context.Context, id string) (*jobserver.JobData, error) {
	h, err := c.s.rdb.HGetAll(ctx, keys.ForJob(id).Hash).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	data := &jobserver.JobData{
		State:     h[fieldState],
		CreatedAt: parseTime(h[fieldCreatedAt]),
	}
	var job jobserver.Job
	if err := sonic.UnmarshalString(h[fieldJob], &job); err != nil {
		data.LoadErr = fmt.Errorf("redisstorage: decode job %s: %w", id, err)
	} else {
		data.Job = &job
	}
	return data, nil
}

func (c *connection) GetStateData(ctx context.Context, id string) (*jobserver.StateData, error) {
	h, err := c.s.rdb.HGetAll(ctx, keys.ForJob(id).State).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	sd := &jobserver.StateData{Name: h["Name"], Reason: h["Reason"], Data: map[string]string{}}
	if raw := h["Data"]; raw != "" {
		if err := sonic.UnmarshalString(raw, &sd.Data); err != nil {
			return nil, fmt.Errorf("redisstorage: decode state of job %s: %w", id, err)
		}
	}
	return sd, nil
}

func (c *connection) GetStateHistory(ctx context.Context, id string) ([]jobserver.StateHistoryEntry, error) {
	raws, err := c.s.rdb.LRange(ctx, keys.ForJob(id).History, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]jobserver.StateHistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var e jobserver.StateHistoryEntry
		if err := sonic.UnmarshalString(raw, &e); err != nil {
			return nil, fmt.Errorf("redisstorage: decode history of job %s: %w", id, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *connection) AnnounceServer(ctx context.Context, serverID string, sc jobserver.ServerContext) error {
	queues, err := json.Marshal(sc.Queues)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = c.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keys.Server(serverID),
			"Queues", queues,
			"WorkerCount", sc.WorkerCount,
			"StartedAt", formatTime(sc.StartedAt),
			"Heartbeat", formatTime(now),
		)
		p.ZAdd(ctx, keys.Servers(), redis.Z{Score: jobserver.Score(now), Member: serverID})
		return nil
	})
	return err
}

func (c *connection) RemoveServer(ctx context.Context, serverID string) error {
	_, err := c.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys.Server(serverID))
		p.ZRem(ctx, keys.Servers(), serverID)
		return nil
	})
	return err
}

func (c *connection) Heartbeat(ctx context.Context, serverID string) error {
	present, err := c.ServerPresent(ctx, serverID)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: %s", jobserver.ErrServerNotFound, serverID)
	}
	now := time.Now()
	_, err = c.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddXX(ctx, keys.Servers(), redis.Z{Score: jobserver.Score(now), Member: serverID})
		p.HSet(ctx, keys.Server(serverID), "Heartbeat", formatTime(now))
		return nil
	})
	return err
}

func (c *connection) ServerPresent(ctx context.Context, serverID string) (bool, error) {
	if serverID == "" {
		return false, nil
	}
	_, err := c.s.rdb.ZScore(ctx, keys.Servers(), serverID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *connection) RemoveTimedOutServers(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := jobserver.Score(time.Now().Add(-timeout))
	ids, err := c.s.rdb.ZRangeByScore(ctx, keys.Servers(), &redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(cutoff),
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	for _, id := range ids {
		if err := c.RemoveServer(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (c *connection) GetAllItemsFromSet(ctx context.Context, key string) ([]string, error) {
	return c.s.rdb.ZRange(ctx, keys.Prefixed(key), 0, -1).Result()
}

func (c *connection) GetFirstByLowestScoreFromSet(ctx context.Context, key string, from, to float64) (string, error) {
	ids, err := c.s.rdb.ZRangeByScore(ctx, keys.Prefixed(key), &redis.ZRangeBy{
		Min:   formatScore(from),
		Max:   formatScore(to),
		Count: 1,
	}).Result()
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

func (c *connection) GetAllEntriesFromHash(ctx context.Context, key string) (map[string]string, error) {
	return c.s.rdb.HGetAll(ctx, keys.Prefixed(key)).Result()
}

func (c *connection) SetRangeInHash(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return c.s.rdb.HSet(ctx, keys.Prefixed(key), toArgs(values)...).Err()
}

func toArgs(m map[string]string) []any {
	args := make([]any, 0, len(m)*2)
	for k, v := range m {
		args = append(args, k, v)
	}
	return args
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
