package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"taskd/internal/domain"
)

const logColumns = `id, task_id, job_id, schedule_id, status, started_at, finished_at, execution_ms, message, output, created_at`

func scanLog(row scanner) (domain.TaskLog, error) {
	var l domain.TaskLog
	var scheduleID sql.NullString
	var status string
	var started, finished, execMs, created int64
	err := row.Scan(&l.ID, &l.TaskID, &l.JobID, &scheduleID, &status, &started, &finished, &execMs,
		&l.Message, &l.Output, &created)
	if err != nil {
		return domain.TaskLog{}, err
	}
	l.ScheduleID = scheduleID.String
	l.Status = domain.LogStatus(status)
	l.StartedAt, l.FinishedAt = fromMillis(started), fromMillis(finished)
	l.ExecutionTime = time.Duration(execMs) * time.Millisecond
	l.CreatedAt = fromMillis(created)
	return l, nil
}

// appendLog inserts the log row and stamps the task's last run.
func appendLog(ctx context.Context, q querier, l domain.TaskLog) error {
	if l.ID == "" {
		return errors.New("task log id is required")
	}
	if err := l.Validate(); err != nil {
		return err
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO task_logs (id, task_id, job_id, schedule_id, status, started_at, finished_at, execution_ms, message, output, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, l.ID, l.TaskID, l.JobID, nullString(l.ScheduleID), string(l.Status), millis(l.StartedAt), millis(l.FinishedAt),
		l.ExecutionTime.Milliseconds(), l.Message, l.Output, millis(l.CreatedAt))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `UPDATE tasks SET last_run_at=? WHERE id=?`, millis(l.StartedAt), l.TaskID)
	return err
}

// NewLogID returns a fresh task log identifier.
func NewLogID() string { return "log_" + uuid.NewString() }

func (r *sqliteRepo) InsertLog(ctx context.Context, l domain.TaskLog) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error { return appendLog(ctx, tx, l) })
}

func (r *sqliteRepo) GetLog(ctx context.Context, id string) (domain.TaskLog, error) {
	l, err := scanLog(r.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM task_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskLog{}, domain.NotFound("task log", id)
	}
	return l, err
}

func (r *sqliteRepo) ListLogs(ctx context.Context, f LogFilter) ([]domain.TaskLog, error) {
	var where []string
	var args []any
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + logColumns + ` FROM task_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteLogsBetween removes logs started in [from, to) and returns how many.
func (r *sqliteRepo) DeleteLogsBetween(ctx context.Context, from, to time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_logs WHERE started_at >= ? AND started_at < ?`, millis(from), millis(to))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
