package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

const prefix = "jobserver:"

// Prefixed maps a logical storage key (set, hash, list or counter name used by
// the engine, e.g. "schedule" or "recurring-job:nightly") to its Redis key.
func Prefixed(key string) string { return prefix + key }

func Queue(q string) string   { return prefix + "queue:{" + q + "}" }
func Fetched(q string) string { return prefix + "queue:{" + q + "}:fetched" }

// Queues is the Set of every queue name that ever received a job.
func Queues() string { return prefix + "queues" }

func Server(id string) string { return prefix + "server:" + id }
func Servers() string         { return prefix + "servers" }

func Lock(resource string) string { return prefix + "lock:" + resource }

// QueueKeys holds all precomputed keys for a queue name to avoid repeated concatenations.
type QueueKeys struct {
	List    string
	Fetched string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) QueueKeys {
	base := prefix + "queue:{" + q + "}"
	return QueueKeys{
		List:    base,
		Fetched: base + ":fetched",
	}
}

// JobKeys holds every key that belongs to a single job.
type JobKeys struct {
	Hash       string
	State      string
	History    string
	Parameters string
}

// All returns the job keys in a stable order, used for EXPIRE/PERSIST.
func (k JobKeys) All() []string {
	return []string{k.Hash, k.State, k.History, k.Parameters}
}

// ForJob returns the keys of the job with the given id.
func ForJob(id string) JobKeys {
	base := prefix + "job:" + id
	return JobKeys{
		Hash:       base,
		State:      base + ":state",
		History:    base + ":history",
		Parameters: base + ":parameters",
	}
}
