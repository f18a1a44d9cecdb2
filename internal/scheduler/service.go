package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"taskd/internal/dispatcher"
	"taskd/internal/metrics"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, req dispatcher.Request) (string, bool, error)
}

// Service periodically turns due schedule occurrences into queued jobs.
type Service struct {
	registry *Registry
	store    Store
	enqueuer Enqueuer
	metrics  metrics.Sink
	clock    func() time.Time
	stop     chan struct{}
	interval time.Duration
}

func NewService(registry *Registry, store Store, enqueuer Enqueuer, sink metrics.Sink, checkInterval time.Duration) *Service {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Service{
		registry: registry,
		store:    store,
		enqueuer: enqueuer,
		metrics:  sink,
		clock:    time.Now,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("schedule service stopped")
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.ProcessDue(ctx)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// ProcessDue runs one scan and returns the number of jobs created.
func (s *Service) ProcessDue(ctx context.Context) int {
	started := s.clock()
	now := started.UTC()

	due, err := s.registry.ComputeDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to compute due schedules")
	}

	created := 0
	for _, d := range due {
		ok, err := s.processDue(ctx, d)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", d.Schedule.ID).Msg("failed to process schedule")
			continue
		}
		if ok {
			created++
		}
	}
	s.metrics.TickCompleted(s.clock().Sub(started), len(due), err)
	return created
}

func (s *Service) processDue(ctx context.Context, d Due) (bool, error) {
	req, err := dispatcher.ScheduledRequest(d.Task, d.Schedule, d.OccurrenceAt)
	if err != nil {
		// the occurrence is dropped; retrying would fail the same way
		return false, err
	}

	jobID, created, err := s.enqueuer.Enqueue(ctx, req)
	if err != nil {
		if rerr := s.registry.ReleaseClaim(ctx, d); rerr != nil {
			log.Error().Err(rerr).Str("schedule_id", d.Schedule.ID).Msg("failed to release schedule claim")
		}
		return false, err
	}
	if err := s.store.MarkScheduleRun(ctx, d.Schedule.ID, d.OccurrenceAt); err != nil {
		log.Warn().Err(err).Str("schedule_id", d.Schedule.ID).Msg("failed to record schedule run")
	}

	log.Info().
		Str("schedule_id", d.Schedule.ID).
		Str("task_id", d.Task.ID).
		Str("job_id", jobID).
		Bool("created", created).
		Time("occurrence", d.OccurrenceAt).
		Time("next_run", d.NextRunAt).
		Msg("scheduled task enqueued")
	return created, nil
}
