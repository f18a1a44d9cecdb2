// Package mirror copies job state into Redis sorted sets, one set per queue
// and status, so external tooling can inspect queues without opening the
// SQLite store.
package mirror

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"taskd/internal/domain"
)

// Mirror receives every job state change. Implementations are best effort;
// the SQLite store stays authoritative.
type Mirror interface {
	Record(ctx context.Context, job domain.Job) error
	Remove(ctx context.Context, jobs []domain.Job) error
}

var statuses = []domain.JobStatus{domain.JobQueued, domain.JobRunning, domain.JobSucceeded, domain.JobFailed}

type RedisMirror struct {
	client *redis.Client
	prefix string
}

func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "taskd"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// Record moves the job into the set of its current status, scored by the
// time of the last change.
func (m *RedisMirror) Record(ctx context.Context, job domain.Job) error {
	pipe := m.client.TxPipeline()
	for _, s := range statuses {
		if s != job.Status {
			pipe.ZRem(ctx, m.Key(job.QueueName, s), job.ID)
		}
	}
	pipe.ZAdd(ctx, m.Key(job.QueueName, job.Status), redis.Z{Score: score(job), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (m *RedisMirror) Remove(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, j := range jobs {
		for _, s := range statuses {
			pipe.ZRem(ctx, m.Key(j.QueueName, s), j.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Key returns the sorted set holding jobs of a queue in the given status.
func (m *RedisMirror) Key(queue string, status domain.JobStatus) string {
	return fmt.Sprintf("%s:queue:%s:%s", m.prefix, queue, status)
}

func score(job domain.Job) float64 {
	at := job.CreatedAt
	switch {
	case job.FinishedAt != nil:
		at = *job.FinishedAt
	case job.StartedAt != nil:
		at = *job.StartedAt
	}
	return float64(at.UnixMilli())
}

// Nop discards everything. It is used when no Redis address is configured.
type Nop struct{}

func (Nop) Record(context.Context, domain.Job) error   { return nil }
func (Nop) Remove(context.Context, []domain.Job) error { return nil }
