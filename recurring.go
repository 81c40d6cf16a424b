package jobserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// RecurringJobIDParameter is the job parameter naming the recurring job that created a job.
const RecurringJobIDParameter = "RecurringJobId"

// cronParser supports standard 5-field cron, an optional leading seconds
// field and descriptors like "@hourly" or "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseCron parses a cron expression and returns the schedule.
// Errors wrap ErrInvalidCron.
func ParseCron(expr string) (cronlib.Schedule, error) {
	s, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return s, nil
}

func recurringJobKey(id string) string  { return "recurring-job:" + id }
func recurringJobLock(id string) string { return "lock:recurring-job:" + id }

// RecurringJob is the stored record of a recurring job.
type RecurringJob struct {
	ID            string
	Cron          string
	Job           *Job
	TimeZoneID    string
	Queue         string
	CreatedAt     time.Time
	LastExecution time.Time
	LastJobID     string
	NextExecution time.Time
	Error         string
}

// recurringDef is a recurring record with its schedule resolved.
type recurringDef struct {
	id       string
	job      *Job
	queue    string
	loc      *time.Location
	schedule cronlib.Schedule
}

// parseRecurring resolves the cron, time zone and job of a stored record.
func parseRecurring(id string, hash map[string]string, enc Encoder) (*recurringDef, error) {
	loc, err := loadLocation(hash["TimeZoneId"])
	if err != nil {
		return nil, err
	}
	sched, err := ParseCron(hash["Cron"])
	if err != nil {
		return nil, err
	}
	var job Job
	if err := enc.Decode([]byte(hash["Job"]), &job); err != nil {
		return nil, fmt.Errorf("load job of recurring job %q: %w", id, err)
	}
	if job.Type == "" || job.Method == "" {
		return nil, fmt.Errorf("load job of recurring job %q: empty job descriptor", id)
	}
	return &recurringDef{id: id, job: &job, queue: hash["Queue"], loc: loc, schedule: sched}, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", name, err)
	}
	return loc, nil
}

func decodeRecurringJob(id string, hash map[string]string, enc Encoder) *RecurringJob {
	rj := &RecurringJob{
		ID:            id,
		Cron:          hash["Cron"],
		TimeZoneID:    hash["TimeZoneId"],
		Queue:         hash["Queue"],
		CreatedAt:     parseTime(hash["CreatedAt"]),
		LastExecution: parseTime(hash["LastExecution"]),
		LastJobID:     hash["LastJobId"],
		NextExecution: parseTime(hash["NextExecution"]),
		Error:         hash["Error"],
	}
	var job Job
	if err := enc.Decode([]byte(hash["Job"]), &job); err == nil {
		rj.Job = &job
	}
	return rj
}

type recurringOptions struct {
	timeZone string
	queue    string
}

// RecurringOption configures AddOrUpdate.
type RecurringOption func(*recurringOptions)

// WithTimeZone evaluates the cron expression in the named IANA time zone.
// The default is UTC.
func WithTimeZone(name string) RecurringOption {
	return func(o *recurringOptions) { o.timeZone = name }
}

// WithQueue enqueues the created jobs to queue.
func WithQueue(queue string) RecurringOption {
	return func(o *recurringOptions) { o.queue = queue }
}

// RecurringJobManager creates, updates and removes recurring jobs.
type RecurringJobManager struct {
	e *Engine
}

// NewRecurringJobManager creates a manager on e.
func NewRecurringJobManager(e *Engine) *RecurringJobManager { return &RecurringJobManager{e: e} }

// AddOrUpdate stores the recurring job id, creating jobs from job on cron.
func (m *RecurringJobManager) AddOrUpdate(ctx context.Context, id string, job *Job, cron string, opts ...RecurringOption) error {
	if id == "" {
		return errors.New("jobserver: recurring job id is required")
	}
	if job == nil {
		return errors.New("jobserver: recurring job descriptor is required")
	}
	o := &recurringOptions{}
	for _, opt := range opts {
		opt(o)
	}
	sched, err := ParseCron(cron)
	if err != nil {
		return err
	}
	loc, err := loadLocation(o.timeZone)
	if err != nil {
		return err
	}
	encoded, err := m.e.encoder.Encode(job)
	if err != nil {
		return fmt.Errorf("jobserver: encode recurring job %q: %w", id, err)
	}

	conn, err := m.e.storage.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	lock, err := conn.AcquireDistributedLock(ctx, recurringJobLock(id), m.e.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	existing, err := conn.GetAllEntriesFromHash(ctx, recurringJobKey(id))
	if err != nil {
		return err
	}

	now := time.Now()
	next := sched.Next(now.In(loc))
	fields := map[string]string{
		"Cron":          cron,
		"Job":           string(encoded),
		"TimeZoneId":    o.timeZone,
		"Queue":         o.queue,
		"NextExecution": formatTime(next),
	}
	if existing["CreatedAt"] == "" {
		fields["CreatedAt"] = formatTime(now)
	}
	if existing["Error"] != "" {
		fields["Error"] = ""
	}

	tx := conn.CreateWriteTransaction()
	defer tx.Discard()
	tx.SetRangeInHash(recurringJobKey(id), fields)
	tx.AddToSet(RecurringJobsSet, id, Score(next))
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("jobserver: store recurring job %q: %w", id, err)
	}
	m.e.log.Debugf("recurring job updated: id=%s cron=%q next=%s", id, cron, next.Format(time.RFC3339))
	return nil
}

// RemoveIfExists deletes the recurring job id. Jobs it already created are kept.
func (m *RecurringJobManager) RemoveIfExists(ctx context.Context, id string) error {
	conn, err := m.e.storage.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	lock, err := conn.AcquireDistributedLock(ctx, recurringJobLock(id), m.e.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	tx := conn.CreateWriteTransaction()
	defer tx.Discard()
	tx.RemoveHash(recurringJobKey(id))
	tx.RemoveFromSet(RecurringJobsSet, id)
	return tx.Commit(ctx)
}

// Trigger creates a job from the recurring job id right away and returns its id.
func (m *RecurringJobManager) Trigger(ctx context.Context, id string) (string, error) {
	conn, err := m.e.storage.GetConnection(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	lock, err := conn.AcquireDistributedLock(ctx, recurringJobLock(id), m.e.lockTimeout)
	if err != nil {
		return "", err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	hash, err := conn.GetAllEntriesFromHash(ctx, recurringJobKey(id))
	if err != nil {
		return "", err
	}
	if len(hash) == 0 {
		return "", fmt.Errorf("%w: %s", ErrRecurringJobNotFound, id)
	}
	def, err := parseRecurring(id, hash, m.e.encoder)
	if err != nil {
		return "", err
	}

	bj, err := createRecurringInstance(ctx, m.e, conn, def, "Triggered manually")
	if err != nil || bj == nil {
		return "", err
	}

	now := time.Now()
	if err := conn.SetRangeInHash(ctx, recurringJobKey(id), map[string]string{
		"LastExecution": formatTime(now),
		"LastJobId":     bj.ID,
	}); err != nil {
		return "", err
	}
	return bj.ID, nil
}

// Get returns the recurring job id, or nil if it does not exist.
func (m *RecurringJobManager) Get(ctx context.Context, id string) (*RecurringJob, error) {
	conn, err := m.e.storage.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	hash, err := conn.GetAllEntriesFromHash(ctx, recurringJobKey(id))
	if err != nil || len(hash) == 0 {
		return nil, err
	}
	return decodeRecurringJob(id, hash, m.e.encoder), nil
}

// List returns every recurring job.
func (m *RecurringJobManager) List(ctx context.Context) ([]*RecurringJob, error) {
	conn, err := m.e.storage.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ids, err := conn.GetAllItemsFromSet(ctx, RecurringJobsSet)
	if err != nil {
		return nil, err
	}
	out := make([]*RecurringJob, 0, len(ids))
	for _, id := range ids {
		hash, err := conn.GetAllEntriesFromHash(ctx, recurringJobKey(id))
		if err != nil {
			return nil, err
		}
		if len(hash) > 0 {
			out = append(out, decodeRecurringJob(id, hash, m.e.encoder))
		}
	}
	return out, nil
}

func createRecurringInstance(ctx context.Context, e *Engine, conn Connection, def *recurringDef, reason string) (*BackgroundJob, error) {
	st := NewEnqueuedState(def.queue)
	st.SetReason(reason)
	return e.creator.Create(ctx, conn, def.job, st, map[string]string{RecurringJobIDParameter: def.id})
}
