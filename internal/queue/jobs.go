package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"taskd/internal/domain"
)

const jobColumns = `id, task_id, schedule_id, queue_name, handler, arguments, priority, status, idempotency_key,
  occurrence_at, not_before, max_duration, timeouts, claim_token, error, created_at, started_at, heartbeat_at, finished_at`

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var scheduleID, token sql.NullString
	var args, status string
	var occurrence, notBefore, started, heartbeat, finished sql.NullInt64
	var created int64
	err := row.Scan(&j.ID, &j.TaskID, &scheduleID, &j.QueueName, &j.Handler, &args, &j.Priority, &status,
		&j.IdempotencyKey, &occurrence, &notBefore, &j.MaxDuration, &j.Timeouts, &token, &j.Error, &created,
		&started, &heartbeat, &finished)
	if err != nil {
		return domain.Job{}, err
	}
	j.ScheduleID = scheduleID.String
	j.ClaimToken = token.String
	j.Arguments = []byte(args)
	j.Status = domain.JobStatus(status)
	j.OccurrenceAt = timePtr(occurrence)
	j.NotBefore = timePtr(notBefore)
	j.CreatedAt = fromMillis(created)
	j.StartedAt, j.HeartbeatAt, j.FinishedAt = timePtr(started), timePtr(heartbeat), timePtr(finished)
	return j, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// InsertJob enqueues j unless a job with the same idempotency key exists, in
// which case the existing id is returned with created=false. The task must
// exist and, when states are given, be in one of them.
func (r *sqliteRepo) InsertJob(ctx context.Context, j domain.Job, states ...domain.TaskState) (string, bool, error) {
	if j.ID == "" {
		j.ID = "job_" + uuid.NewString()
	}
	if j.QueueName == "" {
		j.QueueName = domain.DefaultQueue
	}
	if j.Priority == 0 {
		j.Priority = domain.PriorityScheduled
	}
	if j.MaxDuration <= 0 {
		j.MaxDuration = domain.DefaultMaxDuration
	}
	if j.IdempotencyKey == "" {
		j.IdempotencyKey = "manual:" + j.ID
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	query := `
INSERT INTO jobs (id, task_id, schedule_id, queue_name, handler, arguments, priority, status, idempotency_key,
  occurrence_at, not_before, max_duration, timeouts, error, created_at)
SELECT ?, t.id, ?, ?, ?, ?, ?, 'queued', ?, ?, ?, ?, 0, '', ?
FROM tasks t WHERE t.id = ?`
	args := []any{j.ID, nullString(j.ScheduleID), j.QueueName, j.Handler, rawOrEmpty(j.Arguments), j.Priority,
		j.IdempotencyKey, nullMillis(j.OccurrenceAt), nullMillis(j.NotBefore), j.MaxDuration, millis(j.CreatedAt), j.TaskID}
	if len(states) > 0 {
		query += ` AND t.state IN (` + placeholders(len(states)) + `)`
		for _, s := range states {
			args = append(args, string(s))
		}
	}
	query += `
ON CONFLICT(idempotency_key) DO NOTHING`

	var id string
	var created bool
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			id, created = j.ID, true
			return nil
		}
		err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE idempotency_key = ?`, j.IdempotencyKey).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		t, err := getTask(ctx, tx, j.TaskID)
		if err != nil {
			return err
		}
		return domain.Invalid("task_id", "task %q is %s", t.ID, t.State)
	})
	return id, created, err
}

// ClaimNext moves the highest priority queued job of the given queues to
// running under a fresh claim token. Jobs whose not_before lies after now are
// not ready. It returns ErrEmpty when nothing is ready.
func (r *sqliteRepo) ClaimNext(ctx context.Context, queues []string, now time.Time) (domain.Job, error) {
	var job domain.Job
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE status='queued' AND (not_before IS NULL OR not_before <= ?)`
		args := []any{millis(now)}
		if len(queues) > 0 {
			query += ` AND queue_name IN (` + placeholders(len(queues)) + `)`
			for _, q := range queues {
				args = append(args, q)
			}
		}
		query += ` ORDER BY priority DESC, created_at ASC, id LIMIT 1`

		j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEmpty
		}
		if err != nil {
			return err
		}

		token := uuid.NewString()
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='running', claim_token=?, started_at=?, heartbeat_at=? WHERE id=? AND status='queued'
`, token, millis(now), millis(now), j.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrEmpty
		}
		j.Status = domain.JobRunning
		j.ClaimToken = token
		started := now.UTC()
		j.StartedAt, j.HeartbeatAt = &started, &started
		job = j
		return nil
	})
	return job, err
}

func (r *sqliteRepo) Heartbeat(ctx context.Context, id, token string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET heartbeat_at=? WHERE id=? AND claim_token=? AND status='running'
`, millis(now), id, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrStaleClaim
	}
	return nil
}

// FinishJob records the outcome of a claimed job and its task log atomically.
// A claim that is no longer held finishes nothing and returns ErrStaleClaim.
func (r *sqliteRepo) FinishJob(ctx context.Context, j domain.Job, status domain.JobStatus, entry domain.TaskLog) error {
	if status != domain.JobSucceeded && status != domain.JobFailed {
		return fmt.Errorf("finish job %s: invalid status %q", j.ID, status)
	}
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status=?, error=?, finished_at=?, claim_token=NULL
WHERE id=? AND claim_token=? AND status='running'
`, string(status), j.Error, millis(entry.FinishedAt), j.ID, j.ClaimToken)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrStaleClaim
		}
		return appendLog(ctx, tx, entry)
	})
}

// ListExpired returns running jobs whose last heartbeat is older than cutoff.
func (r *sqliteRepo) ListExpired(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE status='running' AND COALESCE(heartbeat_at, started_at) < ?
ORDER BY started_at
`, millis(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ExpireJob handles a missed liveness deadline. The first expiry puts the job
// back on its queue; the next one fails it and writes a timeout log.
func (r *sqliteRepo) ExpireJob(ctx context.Context, j domain.Job, cutoff time.Time, entry domain.TaskLog) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		guard := `WHERE id=? AND status='running' AND claim_token=? AND timeouts=? AND COALESCE(heartbeat_at, started_at) < ?`
		guardArgs := []any{j.ID, j.ClaimToken, j.Timeouts, millis(cutoff)}

		if j.Timeouts == 0 {
			res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='queued', timeouts=1, claim_token=NULL, started_at=NULL, heartbeat_at=NULL `+guard,
				guardArgs...)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return domain.ErrStaleClaim
			}
			status = domain.JobQueued
			return nil
		}

		args := append([]any{entry.Message, millis(entry.FinishedAt)}, guardArgs...)
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='failed', timeouts=timeouts+1, error=?, finished_at=?, claim_token=NULL `+guard, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrStaleClaim
		}
		status = domain.JobFailed
		return appendLog(ctx, tx, entry)
	})
	return status, err
}

func (r *sqliteRepo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.NotFound("job", id)
	}
	return j, err
}

func (r *sqliteRepo) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	var where []string
	var args []any
	if f.Queue != "" {
		where = append(where, "queue_name = ?")
		args = append(args, f.Queue)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *sqliteRepo) CountActiveJobs(ctx context.Context, taskID string) (int, error) {
	return countActive(ctx, r.db, taskID)
}

// DeleteFailedJobs removes failed jobs that finished in [from, to). When
// pattern is set it is a LIKE pattern (escape character '\') matched against
// task id, handler, arguments and error text. Only id and queue of the
// removed jobs are returned.
func (r *sqliteRepo) DeleteFailedJobs(ctx context.Context, from, to time.Time, pattern string) ([]domain.Job, error) {
	query := `DELETE FROM jobs WHERE status='failed' AND finished_at >= ? AND finished_at < ?`
	args := []any{millis(from), millis(to)}
	if pattern != "" {
		query += ` AND (task_id LIKE ? ESCAPE '\' OR handler LIKE ? ESCAPE '\' OR arguments LIKE ? ESCAPE '\' OR error LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern, pattern, pattern)
	}
	query += ` RETURNING id, queue_name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.QueueName); err != nil {
			return nil, err
		}
		j.Status = domain.JobFailed
		out = append(out, j)
	}
	return out, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
