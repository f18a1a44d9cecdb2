package scheduler

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/rs/zerolog/log"
	"taskd/internal/domain"
	"taskd/internal/metrics"
	"taskd/internal/queue"
)

type Store interface {
	GetDueSchedules(ctx context.Context, now time.Time) ([]queue.ScheduledTask, error)
	ClaimSchedule(ctx context.Context, id string, expected, next time.Time) (bool, error)
	ReleaseSchedule(ctx context.Context, id string, claimed, restore time.Time) error
	MarkScheduleRun(ctx context.Context, id string, at time.Time) error
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	RebuildSchedule(ctx context.Context, s domain.Schedule, expected time.Time) (bool, error)
	DisableSchedule(ctx context.Context, id string) error
}

// Due is one claimed schedule occurrence.
type Due struct {
	Task         domain.Task
	Schedule     domain.Schedule
	OccurrenceAt time.Time
	// NextRunAt is the value the claim advanced the schedule to.
	NextRunAt time.Time
}

type RebuildFailure struct {
	ScheduleID string `json:"schedule_id"`
	TaskID     string `json:"task_id"`
	Error      string `json:"error"`
}

type RebuildSummary struct {
	Rebuilt  int              `json:"rebuilt"`
	Disabled []RebuildFailure `json:"disabled"`
}

// Registry owns recurrence rules and next run times.
type Registry struct {
	store   Store
	parser  *Parser
	metrics metrics.Sink
}

func NewRegistry(store Store, parser *Parser, sink metrics.Sink) *Registry {
	if parser == nil {
		parser = NewParser()
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Registry{store: store, parser: parser, metrics: sink}
}

// ComputeDue claims every schedule whose next run is at or before now and
// returns one occurrence per claimed schedule. Missed occurrences collapse
// into the oldest one. Schedules another scanner claimed first are skipped.
func (r *Registry) ComputeDue(ctx context.Context, now time.Time) ([]Due, error) {
	candidates, err := r.store.GetDueSchedules(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}

	var due []Due
	for _, c := range candidates {
		s := c.Schedule
		rule, err := r.parser.Parse(s.CronExpr, s.Timezone)
		if err != nil {
			r.metrics.ScheduleSkipped(metrics.SkipMalformed)
			log.Error().Err(err).Str("schedule_id", s.ID).Str("cron_expr", s.CronExpr).Msg("invalid schedule rule")
			continue
		}
		occurrence := s.NextRunAt
		next := nextAfter(rule, occurrence, now)
		if next.IsZero() {
			r.metrics.ScheduleSkipped(metrics.SkipMalformed)
			log.Error().Str("schedule_id", s.ID).Str("cron_expr", s.CronExpr).Msg("schedule rule never fires again")
			continue
		}

		ok, err := r.store.ClaimSchedule(ctx, s.ID, occurrence, next)
		if err != nil {
			return due, fmt.Errorf("claim schedule %s: %w", s.ID, err)
		}
		if !ok {
			r.metrics.ScheduleSkipped(metrics.SkipClaimLost)
			continue
		}
		s.NextRunAt = next
		due = append(due, Due{Task: c.Task, Schedule: s, OccurrenceAt: occurrence, NextRunAt: next})
	}
	return due, nil
}

// nextAfter returns the first occurrence after the given one that is still
// in the future.
func nextAfter(rule Rule, occurrence, now time.Time) time.Time {
	next := rule.Next(occurrence)
	if !next.IsZero() && !next.After(now) {
		next = rule.Next(now)
	}
	return next
}

// ReleaseClaim puts a claimed occurrence back so the next scan picks it up.
func (r *Registry) ReleaseClaim(ctx context.Context, d Due) error {
	return r.store.ReleaseSchedule(ctx, d.Schedule.ID, d.NextRunAt, d.OccurrenceAt)
}

// Prepare validates s, normalizes its frequency fields and derives its cron
// expression and first run after from.
func (r *Registry) Prepare(s *domain.Schedule, from time.Time) error {
	var errs domain.ValidationErrors
	if s.TaskID == "" {
		errs = append(errs, domain.ValidationError{Field: "task_id", Message: "is required"})
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		errs = append(errs, domain.ValidationError{Field: "timezone", Message: fmt.Sprintf("unknown timezone %q", s.Timezone)})
	}
	if _, err := domain.ArgumentMap(s.ArgumentOverrides); err != nil {
		errs = append(errs, domain.ValidationError{Field: "argument_overrides", Message: err.Error()})
	}
	for i, rc := range s.Recipients {
		if _, err := mail.ParseAddress(rc.Email); err != nil {
			errs = append(errs, domain.ValidationError{Field: fmt.Sprintf("recipients[%d].email", i), Message: "invalid address"})
		}
	}
	if err := errs.Err(); err != nil {
		return err
	}

	Normalize(s)
	expr, err := CronFor(*s)
	if err != nil {
		return err
	}
	rule, err := r.parser.Parse(expr, s.Timezone)
	if err != nil {
		return domain.Invalid("cron_expr", "%v", err)
	}
	next := rule.Next(from)
	if next.IsZero() {
		return domain.Invalid("cron_expr", "%q never fires", expr)
	}
	s.CronExpr = expr
	s.NextRunAt = next
	return nil
}

// rebuildAttempts bounds how often Rebuild rereads a schedule that a scan
// claimed while it was being rebuilt.
const rebuildAttempts = 3

// Rebuild recomputes the cron expression and next run of every enabled
// schedule. Overdue occurrences stay due. Schedules that fail to rebuild are
// disabled and reported. The write is conditional on the next run read, so a
// rebuild never reopens an occurrence a concurrent scan already claimed.
func (r *Registry) Rebuild(ctx context.Context, now time.Time) (RebuildSummary, error) {
	summary := RebuildSummary{Disabled: []RebuildFailure{}}
	schedules, err := r.store.ListSchedules(ctx)
	if err != nil {
		return summary, fmt.Errorf("list schedules: %w", err)
	}
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		done, err := r.rebuildOne(ctx, s, now, &summary)
		if err != nil {
			return summary, err
		}
		if done {
			summary.Rebuilt++
		}
	}
	log.Info().Int("rebuilt", summary.Rebuilt).Int("disabled", len(summary.Disabled)).Msg("schedules rebuilt")
	return summary, nil
}

// rebuildOne reports whether s was rebuilt. Disabled schedules are recorded
// in summary.
func (r *Registry) rebuildOne(ctx context.Context, s domain.Schedule, now time.Time, summary *RebuildSummary) (bool, error) {
	for attempt := 0; attempt < rebuildAttempts; attempt++ {
		if attempt > 0 {
			cur, err := r.store.GetSchedule(ctx, s.ID)
			if domain.IsNotFound(err) {
				return false, nil
			}
			if err != nil {
				return false, fmt.Errorf("reread schedule %s: %w", s.ID, err)
			}
			if !cur.Enabled {
				return false, nil
			}
			s = cur
		}
		expected := s.NextRunAt
		from := now
		if !expected.IsZero() && !expected.After(now) {
			from = expected.Add(-time.Second)
		}
		if err := r.Prepare(&s, from); err != nil {
			if derr := r.store.DisableSchedule(ctx, s.ID); derr != nil {
				return false, fmt.Errorf("disable schedule %s: %w", s.ID, derr)
			}
			summary.Disabled = append(summary.Disabled, RebuildFailure{ScheduleID: s.ID, TaskID: s.TaskID, Error: err.Error()})
			log.Warn().Err(err).Str("schedule_id", s.ID).Msg("schedule disabled during rebuild")
			return false, nil
		}
		ok, err := r.store.RebuildSchedule(ctx, s, expected)
		if err != nil {
			return false, fmt.Errorf("update schedule %s: %w", s.ID, err)
		}
		if ok {
			return true, nil
		}
		log.Debug().Str("schedule_id", s.ID).Msg("schedule claimed during rebuild, rereading")
	}
	log.Warn().Str("schedule_id", s.ID).Msg("schedule kept moving during rebuild, skipped")
	return false, nil
}
