package redisstorage

import (
	"context"
	"sync"
	"time"

	"github.com/UniQw/jobserver/internal/keys"
	"github.com/redis/go-redis/v9"
)

// fetchedJob is a leased queue entry. Only the first successful
// RemoveFromQueue, Requeue or Postpone takes effect.
type fetchedJob struct {
	rdb   redis.UniversalClient
	id    string
	queue string
	keys  keys.QueueKeys

	mu   sync.Mutex
	done bool
}

func (f *fetchedJob) JobID() string { return f.id }
func (f *fetchedJob) Queue() string { return f.queue }

func (f *fetchedJob) RemoveFromQueue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil
	}
	if err := f.rdb.ZRem(ctx, f.keys.Fetched, f.id).Err(); err != nil {
		return err
	}
	f.done = true
	return nil
}

func (f *fetchedJob) Requeue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil
	}
	if err := requeueScript.Run(ctx, f.rdb, []string{f.keys.Fetched, f.keys.List}, f.id).Err(); err != nil {
		return err
	}
	f.done = true
	return nil
}

func (f *fetchedJob) Postpone(context.Context) error {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
	return nil
}

// Close requeues the entry unless it was already removed or requeued.
func (f *fetchedJob) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Requeue(ctx)
}

type lock struct {
	rdb   redis.UniversalClient
	key   string
	token string

	once sync.Once
	err  error
}

func (l *lock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = releaseLockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	})
	return l.err
}
