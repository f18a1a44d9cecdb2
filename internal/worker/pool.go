package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"taskd/internal/domain"
	"taskd/internal/eventbus"
	"taskd/internal/metrics"
	"taskd/internal/queue"
)

type Store interface {
	ClaimNext(ctx context.Context, queues []string, now time.Time) (domain.Job, error)
	Heartbeat(ctx context.Context, id, token string, now time.Time) error
	FinishJob(ctx context.Context, j domain.Job, status domain.JobStatus, log domain.TaskLog) error
	ListExpired(ctx context.Context, cutoff time.Time) ([]domain.Job, error)
	ExpireJob(ctx context.Context, j domain.Job, cutoff time.Time, log domain.TaskLog) (domain.JobStatus, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
}

// Tracker is told about every job state change made by the pool.
type Tracker interface {
	Track(ctx context.Context, job domain.Job)
}

// LogPublisher receives job starts and every task log the pool writes.
type LogPublisher interface {
	Started(ctx context.Context, job domain.Job)
	Published(ctx context.Context, entry domain.TaskLog)
}

type nopTracker struct{}

func (nopTracker) Track(context.Context, domain.Job) {}

type Config struct {
	Queues          []string
	Concurrency     int
	PollInterval    time.Duration
	LivenessTimeout time.Duration
	ReapInterval    time.Duration
	OutputLimit     int // bytes of handler output kept per job
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = c.LivenessTimeout / 2
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = 64 << 10
	}
}

type Pool struct {
	store    Store
	handlers *Registry
	tracker  Tracker
	logs     LogPublisher
	bus      eventbus.Bus
	metrics  metrics.Sink
	cfg      Config
	clock    func() time.Time

	sem  chan struct{}
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewPool(store Store, handlers *Registry, tracker Tracker, logs LogPublisher, bus eventbus.Bus, sink metrics.Sink, cfg Config) *Pool {
	cfg.setDefaults()
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	if tracker == nil {
		tracker = nopTracker{}
	}
	return &Pool{
		store:    store,
		handlers: handlers,
		tracker:  tracker,
		logs:     logs,
		bus:      bus,
		metrics:  sink,
		cfg:      cfg,
		clock:    time.Now,
		sem:      make(chan struct{}, cfg.Concurrency),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Wake makes Run poll immediately. It never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop ends Run and waits for in-flight jobs to return.
func (p *Pool) Stop() {
	close(p.stop)
	<-p.done
}

// Run claims and executes jobs until ctx is cancelled or Stop is called.
// Jobs interrupted by shutdown are left running for the reaper to requeue.
func (p *Pool) Run(ctx context.Context) {
	defer close(p.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()

	log.Info().Strs("queues", p.cfg.Queues).Int("concurrency", p.cfg.Concurrency).Msg("worker pool started")
	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			p.wait()
			log.Info().Msg("worker pool stopped")
			return
		case <-p.stop:
			cancel()
			p.wait()
			log.Info().Msg("worker pool stopped")
			return
		case <-t.C:
		case <-p.wake:
		}
	}
}

// wait blocks until every semaphore slot is free again.
func (p *Pool) wait() {
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}
}

// drain claims jobs while there are free slots and ready jobs.
func (p *Pool) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}
		job, err := p.store.ClaimNext(ctx, p.cfg.Queues, p.clock())
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				log.Error().Err(err).Msg("claim failed")
			}
			return
		}
		go func(job domain.Job) {
			defer func() { <-p.sem }()
			p.execute(ctx, job)
		}(job)
	}
}

func (p *Pool) execute(ctx context.Context, job domain.Job) {
	started := p.clock().UTC()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	logger := log.With().Str("job_id", job.ID).Str("task_id", job.TaskID).Str("handler", job.Handler).Logger()

	p.tracker.Track(ctx, job)
	p.metrics.JobStarted(job.QueueName)
	p.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Data: job})
	if p.logs != nil {
		p.logs.Started(ctx, job)
	}
	logger.Info().Str("queue", job.QueueName).Msg("job started")

	runCtx, cancelRun := context.WithTimeout(ctx, job.Timeout())
	defer cancelRun()
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, job, cancelRun)

	out := newOutputBuffer(p.cfg.OutputLimit)
	msg, err := p.invoke(runCtx, job, out)
	stopHeartbeat()

	if ctx.Err() != nil {
		logger.Warn().Msg("job interrupted by shutdown, left for the reaper")
		return
	}

	finished := p.clock().UTC()
	status, logStatus := domain.JobSucceeded, domain.LogSucceeded
	outcome := metrics.OutcomeSucceeded
	if err != nil {
		status, logStatus = domain.JobFailed, domain.LogFailed
		outcome = metrics.OutcomeFailed
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logStatus = domain.LogTimeout
			err = fmt.Errorf("exceeded max duration %s: %w", job.Timeout(), err)
		}
		msg = err.Error()
		job.Error = msg
	}

	entry := domain.TaskLog{
		ID:            queue.NewLogID(),
		TaskID:        job.TaskID,
		JobID:         job.ID,
		ScheduleID:    job.ScheduleID,
		Status:        logStatus,
		StartedAt:     started,
		FinishedAt:    finished,
		ExecutionTime: finished.Sub(started),
		Message:       msg,
		Output:        out.String(),
		CreatedAt:     finished,
	}
	if err := p.store.FinishJob(ctx, job, status, entry); err != nil {
		if errors.Is(err, domain.ErrStaleClaim) {
			p.metrics.JobFinished(job.QueueName, metrics.OutcomeStale, entry.ExecutionTime)
			logger.Warn().Msg("job finished after losing its claim, result discarded")
			return
		}
		logger.Error().Err(err).Msg("failed to record job result")
		return
	}

	job.Status = status
	job.FinishedAt = &finished
	job.ClaimToken = ""
	p.tracker.Track(ctx, job)
	p.metrics.JobFinished(job.QueueName, outcome, entry.ExecutionTime)
	p.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: domain.RunResult{
		JobID: job.ID, TaskID: job.TaskID, Success: entry.Success(), LogID: entry.ID,
	}})
	if p.logs != nil {
		p.logs.Published(ctx, entry)
	}

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Str("error", msg)
	}
	ev.Str("status", string(logStatus)).Dur("took", entry.ExecutionTime).Msg("job finished")
	p.echoOutput(ctx, job, entry)
}

func (p *Pool) invoke(ctx context.Context, job domain.Job, out *outputBuffer) (msg string, err error) {
	h, ok := p.handlers.Get(job.Handler)
	if !ok {
		return "", fmt.Errorf("no handler registered for %q", job.Handler)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, job.Arguments, out)
}

// heartbeat refreshes the claim until ctx ends. Losing the claim cancels the run.
func (p *Pool) heartbeat(ctx context.Context, job domain.Job, cancelRun context.CancelFunc) {
	t := time.NewTicker(p.cfg.LivenessTimeout / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.store.Heartbeat(ctx, job.ID, job.ClaimToken, p.clock())
			if errors.Is(err, domain.ErrStaleClaim) {
				log.Warn().Str("job_id", job.ID).Msg("job claim lost, cancelling")
				cancelRun()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("job_id", job.ID).Msg("heartbeat failed")
			}
		}
	}
}

func (p *Pool) echoOutput(ctx context.Context, job domain.Job, entry domain.TaskLog) {
	if entry.Output == "" {
		return
	}
	task, err := p.store.GetTask(ctx, job.TaskID)
	if err != nil || !task.LogOutput {
		return
	}
	log.Info().Str("job_id", job.ID).Str("task_id", job.TaskID).Str("output", entry.Output).Msg("job output")
}
