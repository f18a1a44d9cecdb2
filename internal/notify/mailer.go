// Package notify emails schedule recipients about job starts and outcomes.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"taskd/internal/domain"
	"taskd/internal/metrics"
)

// Events a recipient can subscribe to.
const (
	EventStart   = "start"
	EventSuccess = "success"
	EventError   = "error"
	EventTimeout = "timeout"
)

type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

type ScheduleLookup interface {
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
}

type Config struct {
	RatePerSec int
	QueueSize  int
}

type message struct {
	event   string
	to      []string
	subject string
	body    string
}

// Mailer queues notifications and delivers them from Run under a rate limit.
// A full queue drops the notification.
type Mailer struct {
	schedules ScheduleLookup
	sender    Sender
	limiter   *rate.Limiter
	metrics   metrics.Sink
	queue     chan message
}

func NewMailer(schedules ScheduleLookup, sender Sender, sink metrics.Sink, cfg Config) *Mailer {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Mailer{
		schedules: schedules,
		sender:    sender,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		metrics:   sink,
		queue:     make(chan message, cfg.QueueSize),
	}
}

func (m *Mailer) Started(ctx context.Context, job domain.Job) {
	if job.ScheduleID == "" {
		return
	}
	to := m.recipients(ctx, job.ScheduleID, EventStart)
	if len(to) == 0 {
		return
	}
	started := time.Now().UTC()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task:     %s\n", job.TaskID)
	fmt.Fprintf(&b, "Job:      %s\n", job.ID)
	fmt.Fprintf(&b, "Queue:    %s\n", job.QueueName)
	fmt.Fprintf(&b, "Started:  %s\n", started.Format(time.RFC3339))
	m.enqueue(message{
		event:   EventStart,
		to:      to,
		subject: fmt.Sprintf("[taskd] %s started", job.TaskID),
		body:    b.String(),
	})
}

func (m *Mailer) Published(ctx context.Context, entry domain.TaskLog) {
	if entry.ScheduleID == "" {
		return
	}
	event := eventFor(entry.Status)
	to := m.recipients(ctx, entry.ScheduleID, event)
	if len(to) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task:     %s\n", entry.TaskID)
	fmt.Fprintf(&b, "Job:      %s\n", entry.JobID)
	fmt.Fprintf(&b, "Status:   %s\n", entry.Status)
	fmt.Fprintf(&b, "Started:  %s\n", entry.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Took:     %s\n", entry.ExecutionTime.Round(time.Millisecond))
	fmt.Fprintf(&b, "Log:      %s\n", entry.ID)
	if entry.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", entry.Message)
	}
	m.enqueue(message{
		event:   event,
		to:      to,
		subject: fmt.Sprintf("[taskd] %s %s", entry.TaskID, entry.Status),
		body:    b.String(),
	})
}

// Run delivers queued notifications until ctx is cancelled.
func (m *Mailer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.queue:
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
			err := m.sender.Send(ctx, msg.to, msg.subject, msg.body)
			m.metrics.NotificationSent(msg.event, err)
			if err != nil {
				log.Warn().Err(err).Str("event", msg.event).Strs("to", msg.to).Msg("notification failed")
			}
		}
	}
}

func (m *Mailer) enqueue(msg message) {
	select {
	case m.queue <- msg:
	default:
		log.Warn().Str("event", msg.event).Msg("notification queue full, dropped")
	}
}

func (m *Mailer) recipients(ctx context.Context, scheduleID, event string) []string {
	s, err := m.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		if !domain.IsNotFound(err) {
			log.Warn().Err(err).Str("schedule_id", scheduleID).Msg("recipient lookup failed")
		}
		return nil
	}
	var to []string
	for _, r := range s.Recipients {
		if wants(r, event) {
			to = append(to, r.Email)
		}
	}
	return to
}

func eventFor(status domain.LogStatus) string {
	switch status {
	case domain.LogSucceeded:
		return EventSuccess
	case domain.LogTimeout:
		return EventTimeout
	default:
		return EventError
	}
}

func wants(r domain.Recipient, event string) bool {
	switch event {
	case EventStart:
		return r.OnStart
	case EventSuccess:
		return r.OnSuccess
	case EventError:
		return r.OnError
	case EventTimeout:
		return r.OnTimeout
	}
	return false
}
