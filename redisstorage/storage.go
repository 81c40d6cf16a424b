// Package redisstorage implements jobserver storage on Redis.
package redisstorage

import (
	"context"
	"time"

	"github.com/UniQw/jobserver"
	"github.com/redis/go-redis/v9"
)

// Options configures the Redis storage.
type Options struct {
	// FetchPollInterval is how often empty queues are polled. Default 500ms.
	FetchPollInterval time.Duration
	// InvisibilityTimeout is how long a fetched entry stays leased before the
	// watcher returns it to its queue. Default 30m.
	InvisibilityTimeout time.Duration
	// LockTTL bounds the life of a distributed lock whose holder crashed. Default 1m.
	LockTTL time.Duration
	// LockPollInterval is how often a busy lock is retried. Default 50ms.
	LockPollInterval time.Duration
	// WatcherInterval is how often expired leases are reclaimed. Default 1m.
	WatcherInterval time.Duration
	// Logger is used by storage components. Defaults to a no-op logger.
	Logger jobserver.Logger
}

func (o Options) withDefaults() Options {
	if o.FetchPollInterval <= 0 {
		o.FetchPollInterval = 500 * time.Millisecond
	}
	if o.InvisibilityTimeout <= 0 {
		o.InvisibilityTimeout = 30 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Minute
	}
	if o.LockPollInterval <= 0 {
		o.LockPollInterval = 50 * time.Millisecond
	}
	if o.WatcherInterval <= 0 {
		o.WatcherInterval = time.Minute
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

// Storage is a jobserver.Storage backed by Redis.
type Storage struct {
	rdb  redis.UniversalClient
	opts Options
}

// New creates a Redis storage. The client is owned by the caller.
func New(rdb redis.UniversalClient, opts Options) *Storage {
	return &Storage{rdb: rdb, opts: opts.withDefaults()}
}

// GetConnection returns a connection. Connections share the client pool
// and are cheap.
func (s *Storage) GetConnection(context.Context) (jobserver.Connection, error) {
	return &connection{s: s}, nil
}

// Components returns the storage's background processes.
func (s *Storage) Components() []jobserver.BackgroundProcess {
	return []jobserver.BackgroundProcess{newFetchedJobsWatcher(s)}
}

// Ping checks the Redis connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
