package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultQueue       = "default"
	DefaultMaxDuration = 3600 // seconds

	PriorityScheduled = 5
	PriorityManual    = 10
)

type Task struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Handler     string          `json:"handler"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	QueueName   string          `json:"queue_name"`
	MaxDuration int             `json:"max_duration"` // seconds
	LogOutput   bool            `json:"log_output"`
	State       TaskState       `json:"state"`
	Version     int             `json:"version"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Timeout returns the execution bound for jobs created from the task.
func (t Task) Timeout() time.Duration {
	if t.MaxDuration <= 0 {
		return DefaultMaxDuration * time.Second
	}
	return time.Duration(t.MaxDuration) * time.Second
}

type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
	FrequencyCron    Frequency = "cron"
)

type Recipient struct {
	Email     string `json:"email"`
	OnStart   bool   `json:"on_start"`
	OnSuccess bool   `json:"on_success"`
	OnError   bool   `json:"on_error"`
	OnTimeout bool   `json:"on_timeout"`
}

type Schedule struct {
	ID                string          `json:"id"`
	TaskID            string          `json:"task_id"`
	Description       string          `json:"description"`
	Enabled           bool            `json:"enabled"`
	Frequency         Frequency       `json:"frequency"`
	Minute            *int            `json:"minute,omitempty"`
	Hour              *int            `json:"hour,omitempty"`
	DayOfWeek         string          `json:"day_of_week,omitempty"`
	DayOfMonth        *int            `json:"day_of_month,omitempty"`
	Month             *int            `json:"month,omitempty"`
	CronExpr          string          `json:"cron_expr"`
	Timezone          string          `json:"timezone"`
	ArgumentOverrides json.RawMessage `json:"argument_overrides,omitempty"`
	Recipients        []Recipient     `json:"recipients,omitempty"`
	NextRunAt         time.Time       `json:"next_run_at"`
	LastRunAt         *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type Job struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	ScheduleID     string          `json:"schedule_id,omitempty"`
	QueueName      string          `json:"queue_name"`
	Handler        string          `json:"handler"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	Priority       int             `json:"priority"`
	Status         JobStatus       `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	OccurrenceAt   *time.Time      `json:"occurrence_at,omitempty"`
	NotBefore      *time.Time      `json:"not_before,omitempty"` // not claimed before this instant
	MaxDuration    int             `json:"max_duration"`
	Timeouts       int             `json:"timeouts"`
	ClaimToken     string          `json:"-"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

func (j Job) Timeout() time.Duration {
	if j.MaxDuration <= 0 {
		return DefaultMaxDuration * time.Second
	}
	return time.Duration(j.MaxDuration) * time.Second
}

type LogStatus string

const (
	LogSucceeded LogStatus = "succeeded"
	LogFailed    LogStatus = "failed"
	LogTimeout   LogStatus = "timeout"
)

// TaskLog is written once per finished job and never updated afterwards.
type TaskLog struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	JobID         string        `json:"job_id"`
	ScheduleID    string        `json:"schedule_id,omitempty"`
	Status        LogStatus     `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	ExecutionTime time.Duration `json:"execution_time"`
	Message       string        `json:"message,omitempty"`
	Output        string        `json:"output,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (l TaskLog) Success() bool { return l.Status == LogSucceeded }

// Validate checks the references and status every stored log needs.
func (l TaskLog) Validate() error {
	var errs ValidationErrors
	if l.TaskID == "" {
		errs = append(errs, ValidationError{Field: "task_id", Message: "is required"})
	}
	if l.JobID == "" {
		errs = append(errs, ValidationError{Field: "job_id", Message: "is required"})
	}
	switch l.Status {
	case LogSucceeded, LogFailed, LogTimeout:
	default:
		errs = append(errs, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", l.Status)})
	}
	return errs.Err()
}

// Transition is an audit record of a task state change.
type Transition struct {
	TaskID string    `json:"task_id"`
	From   TaskState `json:"from"`
	To     TaskState `json:"to"`
	User   string    `json:"user"`
	At     time.Time `json:"at"`
}

// RunResult is delivered to whoever asked for a job to run once it completes.
type RunResult struct {
	JobID   string `json:"job_id"`
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	LogID   string `json:"log_id"`
}
