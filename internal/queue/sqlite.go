package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskd/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrEmpty = errors.New("no jobs ready")

//go:embed schema.sql
var schema string

// Open opens the SQLite database at path with a single writer connection.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist and adds columns that
// older databases lack.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return addColumn(db, "jobs", "not_before", "INTEGER")
}

func addColumn(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

type TaskStore interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, state domain.TaskState) ([]domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	TransitionTask(ctx context.Context, id string, to domain.TaskState, actor string, now time.Time) (domain.Task, error)
	ListTransitions(ctx context.Context, taskID string) ([]domain.Transition, error)
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	RebuildSchedule(ctx context.Context, s domain.Schedule, expected time.Time) (bool, error)
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	ClaimSchedule(ctx context.Context, id string, expected, next time.Time) (bool, error)
	ReleaseSchedule(ctx context.Context, id string, claimed, restore time.Time) error
	MarkScheduleRun(ctx context.Context, id string, at time.Time) error
	DisableSchedule(ctx context.Context, id string) error
}

type JobStore interface {
	InsertJob(ctx context.Context, j domain.Job, states ...domain.TaskState) (string, bool, error)
	ClaimNext(ctx context.Context, queues []string, now time.Time) (domain.Job, error)
	Heartbeat(ctx context.Context, id, token string, now time.Time) error
	FinishJob(ctx context.Context, j domain.Job, status domain.JobStatus, log domain.TaskLog) error
	ListExpired(ctx context.Context, cutoff time.Time) ([]domain.Job, error)
	ExpireJob(ctx context.Context, j domain.Job, cutoff time.Time, log domain.TaskLog) (domain.JobStatus, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error)
	CountActiveJobs(ctx context.Context, taskID string) (int, error)
	DeleteFailedJobs(ctx context.Context, from, to time.Time, pattern string) ([]domain.Job, error)
}

type LogStore interface {
	InsertLog(ctx context.Context, l domain.TaskLog) error
	GetLog(ctx context.Context, id string) (domain.TaskLog, error)
	ListLogs(ctx context.Context, f LogFilter) ([]domain.TaskLog, error)
	DeleteLogsBetween(ctx context.Context, from, to time.Time) (int, error)
}

type Repository interface {
	TaskStore
	ScheduleStore
	JobStore
	LogStore
}

// ScheduledTask pairs an enabled schedule with its submitted task.
type ScheduledTask struct {
	Task     domain.Task
	Schedule domain.Schedule
}

type JobFilter struct {
	Queue  string
	Status domain.JobStatus
	TaskID string
	Limit  int
}

type LogFilter struct {
	TaskID string
	JobID  string
	Status domain.LogStatus
	Limit  int
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

type scanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func limitOrDefault(n int) int {
	if n <= 0 || n > 1000 {
		return 200
	}
	return n
}
