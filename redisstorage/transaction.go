package redisstorage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/UniQw/jobserver"
	"github.com/UniQw/jobserver/internal/keys"
	"github.com/redis/go-redis/v9"
)

type txOp func(ctx context.Context, p redis.Pipeliner)

// transaction buffers commands and runs them in one MULTI/EXEC on Commit.
type transaction struct {
	rdb  redis.UniversalClient
	ops  []txOp
	done bool
}

func (t *transaction) add(op txOp) {
	if !t.done {
		t.ops = append(t.ops, op)
	}
}

func (t *transaction) ExpireJob(id string, expireIn time.Duration) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		for _, k := range keys.ForJob(id).All() {
			p.Expire(ctx, k, expireIn)
		}
	})
}

func (t *transaction) PersistJob(id string) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		for _, k := range keys.ForJob(id).All() {
			p.Persist(ctx, k)
		}
	})
}

func (t *transaction) SetJobState(id string, state jobserver.State) {
	now := time.Now()
	data, _ := json.Marshal(state.Data())
	entry := historyEntry(state, now)
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		k := keys.ForJob(id)
		p.HSet(ctx, k.Hash, fieldState, state.Name())
		p.Del(ctx, k.State)
		p.HSet(ctx, k.State,
			"Name", state.Name(),
			"Reason", state.Reason(),
			"Data", data,
			"CreatedAt", formatTime(now),
		)
		p.LPush(ctx, k.History, entry)
	})
}

func (t *transaction) AddJobState(id string, state jobserver.State) {
	entry := historyEntry(state, time.Now())
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.LPush(ctx, keys.ForJob(id).History, entry)
	})
}

func historyEntry(state jobserver.State, at time.Time) []byte {
	b, _ := json.Marshal(jobserver.StateHistoryEntry{
		Name:      state.Name(),
		Reason:    state.Reason(),
		Data:      state.Data(),
		CreatedAt: at.UTC(),
	})
	return b
}

func (t *transaction) AddToQueue(queue, id string) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.SAdd(ctx, keys.Queues(), queue)
		p.LPush(ctx, keys.Queue(queue), id)
	})
}

func (t *transaction) IncrementCounter(key string) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.Incr(ctx, keys.Prefixed(key))
	})
}

func (t *transaction) IncrementCounterExpire(key string, expireIn time.Duration) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.Incr(ctx, keys.Prefixed(key))
		p.Expire(ctx, keys.Prefixed(key), expireIn)
	})
}

func (t *transaction) DecrementCounter(key string) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.Decr(ctx, keys.Prefixed(key))
	})
}

func (t *transaction) AddToSet(key, value string, score float64) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.ZAdd(ctx, keys.Prefixed(key), redis.Z{Score: score, Member: value})
	})
}

func (t *transaction) RemoveFromSet(key, value string) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.ZRem(ctx, keys.Prefixed(key), value)
	})
}

func (t *transaction) InsertToList(key, value string) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.LPush(ctx, keys.Prefixed(key), value)
	})
}

func (t *transaction) RemoveFromList(key, value string) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.LRem(ctx, keys.Prefixed(key), 0, value)
	})
}

func (t *transaction) TrimList(key string, start, stop int) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.LTrim(ctx, keys.Prefixed(key), int64(start), int64(stop))
	})
}

func (t *transaction) SetRangeInHash(key string, values map[string]string) {
	if len(values) == 0 {
		return
	}
	args := toArgs(values)
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.HSet(ctx, keys.Prefixed(key), args...)
	})
}

func (t *transaction) RemoveHash(key string) {
	t.add(func(ctx context.Context, p redis.Pipeliner) {
		p.Del(ctx, keys.Prefixed(key))
	})
}

func (t *transaction) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	ops := t.ops
	t.ops = nil
	if len(ops) == 0 {
		return nil
	}
	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, op := range ops {
			op(ctx, p)
		}
		return nil
	})
	return err
}

func (t *transaction) Discard() {
	t.done = true
	t.ops = nil
}
