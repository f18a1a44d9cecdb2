package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"taskd/internal/domain"
	"taskd/internal/metrics"
	"taskd/internal/mirror"
	"taskd/internal/queue"
)

type Store interface {
	InsertJob(ctx context.Context, j domain.Job, states ...domain.TaskState) (string, bool, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, f queue.JobFilter) ([]domain.Job, error)
	DeleteFailedJobs(ctx context.Context, from, to time.Time, pattern string) ([]domain.Job, error)
}

// Request describes one job to put on a queue.
type Request struct {
	JobID        string // optional; generated when empty
	TaskID       string
	ScheduleID   string
	QueueName    string
	Handler      string
	Arguments    json.RawMessage
	MaxDuration  int
	Priority     int
	OccurrenceAt *time.Time
	// NotBefore delays the job until the given instant.
	NotBefore *time.Time
	// States restricts which task states may receive the job.
	States []domain.TaskState
}

// ScheduledRequest builds the request for one schedule occurrence, with the
// schedule's argument overrides merged over the task's arguments.
func ScheduledRequest(task domain.Task, sched domain.Schedule, occurrence time.Time) (Request, error) {
	args, err := domain.MergeArguments(task.Arguments, sched.ArgumentOverrides)
	if err != nil {
		return Request{}, err
	}
	occ := occurrence.UTC()
	return Request{
		TaskID:       task.ID,
		ScheduleID:   sched.ID,
		QueueName:    task.QueueName,
		Handler:      task.Handler,
		Arguments:    args,
		MaxDuration:  task.MaxDuration,
		Priority:     domain.PriorityScheduled,
		OccurrenceAt: &occ,
		States:       []domain.TaskState{domain.TaskSubmitted},
	}, nil
}

// ManualRequest builds a run-now request for task.
func ManualRequest(task domain.Task, jobID string) Request {
	return Request{
		JobID:       jobID,
		TaskID:      task.ID,
		QueueName:   task.QueueName,
		Handler:     task.Handler,
		Arguments:   task.Arguments,
		MaxDuration: task.MaxDuration,
		Priority:    domain.PriorityManual,
		States:      []domain.TaskState{domain.TaskDraft, domain.TaskSubmitted},
	}
}

// IdempotencyKey identifies the (task, occurrence) slot of a request.
// Manual requests are keyed by their own job id and never collide.
func IdempotencyKey(req Request) string {
	if req.OccurrenceAt == nil {
		return "manual:" + req.JobID
	}
	data := fmt.Sprintf("%s:%s:%d", req.TaskID, req.ScheduleID, req.OccurrenceAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

type Dispatcher struct {
	store   Store
	mirror  mirror.Mirror
	metrics metrics.Sink
	loc     *time.Location
	clock   func() time.Time

	mu     sync.Mutex
	wakers []func(job domain.Job)
}

func New(store Store, m mirror.Mirror, sink metrics.Sink, loc *time.Location) *Dispatcher {
	if m == nil {
		m = mirror.Nop{}
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{store: store, mirror: m, metrics: sink, loc: loc, clock: time.Now}
}

// OnEnqueue registers fn to be called with every newly created job.
func (d *Dispatcher) OnEnqueue(fn func(job domain.Job)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wakers = append(d.wakers, fn)
}

// Enqueue stores a queued job for req. A request whose idempotency key
// already exists returns the existing job id with created=false.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (string, bool, error) {
	if req.TaskID == "" {
		return "", false, domain.Invalid("task_id", "is required")
	}
	if req.JobID == "" {
		req.JobID = "job_" + uuid.NewString()
	}
	if req.QueueName == "" {
		req.QueueName = domain.DefaultQueue
	}
	source := metrics.SourceManual
	if req.OccurrenceAt != nil {
		source = metrics.SourceSchedule
	}

	job := domain.Job{
		ID:             req.JobID,
		TaskID:         req.TaskID,
		ScheduleID:     req.ScheduleID,
		QueueName:      req.QueueName,
		Handler:        req.Handler,
		Arguments:      req.Arguments,
		Priority:       req.Priority,
		Status:         domain.JobQueued,
		IdempotencyKey: IdempotencyKey(req),
		OccurrenceAt:   req.OccurrenceAt,
		NotBefore:      req.NotBefore,
		MaxDuration:    req.MaxDuration,
		CreatedAt:      d.clock().UTC(),
	}

	id, created, err := d.store.InsertJob(ctx, job, req.States...)
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", req.TaskID, err)
	}
	d.metrics.JobEnqueued(job.QueueName, source, created)
	if !created {
		log.Debug().Str("task_id", req.TaskID).Str("job_id", id).Msg("duplicate enqueue ignored")
		return id, false, nil
	}

	d.Track(ctx, job)
	log.Info().
		Str("job_id", id).
		Str("task_id", req.TaskID).
		Str("queue", job.QueueName).
		Str("source", source).
		Msg("job enqueued")

	d.mu.Lock()
	wakers := append([]func(domain.Job){}, d.wakers...)
	d.mu.Unlock()
	for _, wake := range wakers {
		wake(job)
	}
	return id, true, nil
}

// Track mirrors a job state change. Mirror failures are logged only.
func (d *Dispatcher) Track(ctx context.Context, job domain.Job) {
	if err := d.mirror.Record(ctx, job); err != nil {
		d.metrics.MirrorError()
		log.Warn().Err(err).Str("job_id", job.ID).Str("status", string(job.Status)).Msg("queue mirror update failed")
	}
}
