// Package tasklog owns the immutable execution records of finished jobs.
package tasklog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"taskd/internal/domain"
	"taskd/internal/metrics"
	"taskd/internal/queue"
)

type Store interface {
	InsertLog(ctx context.Context, l domain.TaskLog) error
	GetLog(ctx context.Context, id string) (domain.TaskLog, error)
	ListLogs(ctx context.Context, f queue.LogFilter) ([]domain.TaskLog, error)
	DeleteLogsBetween(ctx context.Context, from, to time.Time) (int, error)
}

// Hook is told when a job starts and after every task log is stored.
// Hooks must return quickly.
type Hook interface {
	Started(ctx context.Context, job domain.Job)
	Published(ctx context.Context, entry domain.TaskLog)
}

type Service struct {
	store   Store
	loc     *time.Location
	metrics metrics.Sink
	clock   func() time.Time

	mu    sync.RWMutex
	hooks []Hook
}

// New returns a Service whose purge dates are interpreted in loc.
func New(store Store, loc *time.Location, sink metrics.Sink) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Service{store: store, loc: loc, metrics: sink, clock: time.Now}
}

func (s *Service) AddHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Append validates and stores a log written outside a job completion, then
// publishes it to the hooks. Workers store their logs together with the job
// outcome (FinishJob, ExpireJob) and only call Published.
func (s *Service) Append(ctx context.Context, entry domain.TaskLog) (domain.TaskLog, error) {
	if err := entry.Validate(); err != nil {
		return domain.TaskLog{}, err
	}

	now := s.clock().UTC()
	if entry.ID == "" {
		entry.ID = queue.NewLogID()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = now
	}
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = now
	}
	if entry.ExecutionTime == 0 {
		entry.ExecutionTime = entry.FinishedAt.Sub(entry.StartedAt)
	}
	entry.CreatedAt = now

	if err := s.store.InsertLog(ctx, entry); err != nil {
		return domain.TaskLog{}, fmt.Errorf("append task log: %w", err)
	}
	s.Published(ctx, entry)
	return entry, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.TaskLog, error) {
	return s.store.GetLog(ctx, id)
}

func (s *Service) List(ctx context.Context, f queue.LogFilter) ([]domain.TaskLog, error) {
	return s.store.ListLogs(ctx, f)
}

// Purge deletes every log started on a date in [fromDate, toDate], both
// inclusive and in YYYY-MM-DD form, and returns how many were removed.
func (s *Service) Purge(ctx context.Context, fromDate, toDate string) (int, error) {
	from, to, err := domain.DateRange("from_date", fromDate, "to_date", toDate, s.loc)
	if err != nil {
		return 0, err
	}
	n, err := s.store.DeleteLogsBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("purge task logs: %w", err)
	}
	s.metrics.LogsPurged(n)
	log.Info().Str("from_date", fromDate).Str("to_date", toDate).Int("deleted", n).Msg("task logs purged")
	return n, nil
}

func (s *Service) Started(ctx context.Context, job domain.Job) {
	for _, h := range s.snapshot() {
		h.Started(ctx, job)
	}
}

// Published runs the hooks for an entry that is already stored.
func (s *Service) Published(ctx context.Context, entry domain.TaskLog) {
	for _, h := range s.snapshot() {
		h.Published(ctx, entry)
	}
}

func (s *Service) snapshot() []Hook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Hook(nil), s.hooks...)
}
