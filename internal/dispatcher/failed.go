package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"taskd/internal/domain"
	"taskd/internal/queue"
)

type JobSummary struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	QueueName  string     `json:"queue_name"`
	Handler    string     `json:"handler"`
	Error      string     `json:"error"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type JobDetail struct {
	Job  domain.Job `json:"job"`
	Text string     `json:"text"`
}

// ListFailed returns the failed jobs of a queue, newest first.
func (d *Dispatcher) ListFailed(ctx context.Context, queueName string) ([]JobSummary, error) {
	if queueName == "" {
		queueName = domain.DefaultQueue
	}
	jobs, err := d.store.ListJobs(ctx, queue.JobFilter{Queue: queueName, Status: domain.JobFailed, Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobSummary{
			ID: j.ID, TaskID: j.TaskID, QueueName: j.QueueName, Handler: j.Handler,
			Error: j.Error, CreatedAt: j.CreatedAt, FinishedAt: j.FinishedAt,
		})
	}
	return out, nil
}

// Describe returns a job of the given queue with a human readable summary.
func (d *Dispatcher) Describe(ctx context.Context, queueName, id string) (JobDetail, error) {
	if queueName == "" {
		queueName = domain.DefaultQueue
	}
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}
	if job.QueueName != queueName {
		return JobDetail{}, domain.NotFound("job", id)
	}
	return JobDetail{Job: job, Text: describe(job, d.clock())}, nil
}

func describe(j domain.Job, now time.Time) string {
	ago := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return humanize.RelTime(*t, now, "ago", "from now")
	}
	var b strings.Builder
	line := func(label, value string) { fmt.Fprintf(&b, "%-10s %s\n", label+":", value) }

	line("Job", j.ID)
	line("Task", j.TaskID)
	if j.ScheduleID != "" {
		line("Schedule", j.ScheduleID)
	}
	line("Handler", j.Handler)
	line("Queue", j.QueueName)
	line("Status", string(j.Status))
	line("Priority", fmt.Sprint(j.Priority))
	line("Created", ago(&j.CreatedAt))
	if j.NotBefore != nil {
		line("Not before", ago(j.NotBefore))
	}
	line("Started", ago(j.StartedAt))
	line("Finished", ago(j.FinishedAt))
	line("Timeout", j.Timeout().String())
	line("Expiries", fmt.Sprint(j.Timeouts))
	line("Arguments", string(j.Arguments))
	if j.Error != "" {
		b.WriteString("\n")
		b.WriteString(j.Error)
		b.WriteString("\n")
	}
	return b.String()
}

// DeleteFailed removes failed jobs whose failure date lies in the inclusive
// range [from, to] and that match wildcard, and returns how many were removed.
func (d *Dispatcher) DeleteFailed(ctx context.Context, from, to, wildcard string) (int, error) {
	start, end, err := domain.DateRange("date_from", from, "date_to", to, d.loc)
	if err != nil {
		return 0, err
	}
	removed, err := d.store.DeleteFailedJobs(ctx, start, end, LikePattern(wildcard))
	if err != nil {
		return 0, fmt.Errorf("delete failed jobs: %w", err)
	}
	if err := d.mirror.Remove(ctx, removed); err != nil {
		d.metrics.MirrorError()
		log.Warn().Err(err).Int("jobs", len(removed)).Msg("queue mirror cleanup failed")
	}
	d.metrics.FailedJobsDeleted(len(removed))
	log.Info().Str("from", from).Str("to", to).Str("wildcard", wildcard).Int("deleted", len(removed)).Msg("failed jobs deleted")
	return len(removed), nil
}

// LikePattern turns operator wildcard text into a SQL LIKE pattern with '\'
// as escape character. Text containing * or ? is a glob over the whole
// value; other text matches as a substring. Empty text matches everything.
func LikePattern(wildcard string) string {
	w := strings.TrimSpace(wildcard)
	if w == "" {
		return ""
	}
	glob := strings.ContainsAny(w, "*?")
	var b strings.Builder
	if !glob {
		b.WriteByte('%')
	}
	for _, r := range w {
		switch r {
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	if !glob {
		b.WriteByte('%')
	}
	return b.String()
}
