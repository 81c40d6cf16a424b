package jobserver

import (
	"context"
	"time"

	rtm "github.com/UniQw/jobserver/internal/runtime"
)

// Storage is the persistent backend shared by clients and servers.
type Storage interface {
	// GetConnection opens a connection for one unit of work. Connections are
	// not shared between goroutines; callers must Close them.
	GetConnection(ctx context.Context) (Connection, error)
}

// BackgroundProcess is a long-running server component. Execute performs a
// single iteration and is called in a loop by the server's supervisor.
type BackgroundProcess = rtm.Process

// ComponentProvider is implemented by storages that need their own
// background processes (lease reclaimers, cleaners) to run inside a server.
type ComponentProvider interface {
	Components() []BackgroundProcess
}

// ServerContext describes a running server when it announces itself.
type ServerContext struct {
	Queues      []string
	WorkerCount int
	StartedAt   time.Time
}

// JobData is a job as loaded from storage. LoadErr is set when the stored
// descriptor could not be decoded; Job is nil in that case.
type JobData struct {
	Job       *Job
	State     string
	CreatedAt time.Time
	LoadErr   error
}

// StateData is the persisted current state of a job.
type StateData struct {
	Name   string
	Reason string
	Data   map[string]string
}

// State rebuilds the typed State value.
func (d *StateData) State() State { return DecodeState(d.Name, d.Reason, d.Data) }

// StateHistoryEntry is one element of a job's history, most recent first.
type StateHistoryEntry struct {
	Name      string            `json:"name"`
	Reason    string            `json:"reason,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// FetchedJob is a queue entry leased by a worker. Exactly one of
// RemoveFromQueue, Requeue and Postpone takes effect; later calls are
// no-ops. Close requeues the entry if none was called.
type FetchedJob interface {
	JobID() string
	Queue() string
	RemoveFromQueue(ctx context.Context) error
	Requeue(ctx context.Context) error
	// Postpone leaves the entry leased. It returns to the queue once the
	// lease expires.
	Postpone(ctx context.Context) error
	Close() error
}

// DistributedLock is a held storage lock.
type DistributedLock interface {
	Release(ctx context.Context) error
}

// Connection exposes the storage primitives the engine is built on.
// Methods that find nothing return zero values and a nil error.
type Connection interface {
	Close() error
	CreateWriteTransaction() WriteTransaction

	// AcquireDistributedLock waits up to timeout for resource and returns
	// ErrDistributedLockTimeout if it could not be obtained.
	AcquireDistributedLock(ctx context.Context, resource string, timeout time.Duration) (DistributedLock, error)

	// CreateExpiredJob stores job with its parameters and no state. The job
	// expires after expireIn unless a state is applied and persists it.
	CreateExpiredJob(ctx context.Context, job *Job, params map[string]string, createdAt time.Time, expireIn time.Duration) (string, error)

	// FetchNextJob blocks until an entry is available in one of queues or ctx is done.
	FetchNextJob(ctx context.Context, queues []string) (FetchedJob, error)

	SetJobParameter(ctx context.Context, id, name, value string) error
	GetJobParameter(ctx context.Context, id, name string) (string, error)

	GetJobData(ctx context.Context, id string) (*JobData, error)
	GetStateData(ctx context.Context, id string) (*StateData, error)
	GetStateHistory(ctx context.Context, id string) ([]StateHistoryEntry, error)

	AnnounceServer(ctx context.Context, serverID string, sc ServerContext) error
	RemoveServer(ctx context.Context, serverID string) error
	// Heartbeat returns ErrServerNotFound when the server record is gone.
	Heartbeat(ctx context.Context, serverID string) error
	ServerPresent(ctx context.Context, serverID string) (bool, error)
	RemoveTimedOutServers(ctx context.Context, timeout time.Duration) (int, error)

	GetAllItemsFromSet(ctx context.Context, key string) ([]string, error)
	// GetFirstByLowestScoreFromSet returns "" when no member scores in [from, to].
	GetFirstByLowestScoreFromSet(ctx context.Context, key string, from, to float64) (string, error)
	GetAllEntriesFromHash(ctx context.Context, key string) (map[string]string, error)
	SetRangeInHash(ctx context.Context, key string, values map[string]string) error
}

// WriteTransaction buffers writes and applies them atomically on Commit.
type WriteTransaction interface {
	ExpireJob(id string, expireIn time.Duration)
	PersistJob(id string)
	SetJobState(id string, state State)
	AddJobState(id string, state State)
	AddToQueue(queue, id string)

	IncrementCounter(key string)
	IncrementCounterExpire(key string, expireIn time.Duration)
	DecrementCounter(key string)

	AddToSet(key, value string, score float64)
	RemoveFromSet(key, value string)

	InsertToList(key, value string)
	RemoveFromList(key, value string)
	TrimList(key string, start, stop int)

	SetRangeInHash(key string, values map[string]string)
	RemoveHash(key string)

	Commit(ctx context.Context) error
	// Discard drops buffered writes. It is a no-op after Commit.
	Discard()
}

// Score converts t to the sorted-set score used for time-ordered sets.
func Score(t time.Time) float64 { return float64(t.UnixMilli()) / 1000 }
