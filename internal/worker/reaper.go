package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"taskd/internal/domain"
	"taskd/internal/eventbus"
	"taskd/internal/queue"
)

// RunReaper calls Reap every ReapInterval until ctx is cancelled.
func (p *Pool) RunReaper(ctx context.Context) {
	t := time.NewTicker(p.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.Reap(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("reap failed")
			}
		}
	}
}

// Reap handles running jobs whose heartbeat is older than the liveness
// timeout. A job is requeued on its first expiry and failed with a timeout
// log on its second. It returns the number of jobs expired.
func (p *Pool) Reap(ctx context.Context) (int, error) {
	now := p.clock().UTC()
	cutoff := now.Add(-p.cfg.LivenessTimeout)
	jobs, err := p.store.ListExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired jobs: %w", err)
	}

	n := 0
	for _, job := range jobs {
		started := job.CreatedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		entry := domain.TaskLog{
			ID:            queue.NewLogID(),
			TaskID:        job.TaskID,
			JobID:         job.ID,
			ScheduleID:    job.ScheduleID,
			Status:        domain.LogTimeout,
			StartedAt:     started,
			FinishedAt:    now,
			ExecutionTime: now.Sub(started),
			Message:       fmt.Sprintf("no heartbeat for %s", p.cfg.LivenessTimeout),
			CreatedAt:     now,
		}
		status, err := p.store.ExpireJob(ctx, job, cutoff, entry)
		if errors.Is(err, domain.ErrStaleClaim) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("expire job %s: %w", job.ID, err)
		}
		n++
		requeued := status == domain.JobQueued
		p.metrics.JobExpired(requeued)

		job.Status = status
		job.ClaimToken = ""
		if requeued {
			job.StartedAt, job.HeartbeatAt = nil, nil
			log.Warn().Str("job_id", job.ID).Str("task_id", job.TaskID).Msg("job missed its liveness deadline, requeued")
			p.tracker.Track(ctx, job)
			p.Wake()
			continue
		}

		job.Error = entry.Message
		job.FinishedAt = &now
		log.Error().Str("job_id", job.ID).Str("task_id", job.TaskID).Msg("job missed its liveness deadline twice, failed")
		p.tracker.Track(ctx, job)
		p.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: domain.RunResult{
			JobID: job.ID, TaskID: job.TaskID, Success: false, LogID: entry.ID,
		}})
		if p.logs != nil {
			p.logs.Published(ctx, entry)
		}
	}
	return n, nil
}
