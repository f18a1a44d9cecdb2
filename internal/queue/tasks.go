package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskd/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id, description, handler, arguments, queue_name, max_duration, log_output, state, version, last_run_at, created_at, updated_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var args, state string
	var logOutput int
	var lastRun sql.NullInt64
	var created, updated int64
	err := row.Scan(&t.ID, &t.Description, &t.Handler, &args, &t.QueueName, &t.MaxDuration,
		&logOutput, &state, &t.Version, &lastRun, &created, &updated)
	if err != nil {
		return domain.Task{}, err
	}
	t.Arguments = []byte(args)
	t.LogOutput = logOutput != 0
	t.State = domain.TaskState(state)
	t.LastRunAt = timePtr(lastRun)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFound("task", id)
	}
	return t, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.QueueName == "" {
		t.QueueName = domain.DefaultQueue
	}
	if t.MaxDuration <= 0 {
		t.MaxDuration = domain.DefaultMaxDuration
	}
	if t.State == "" {
		t.State = domain.TaskDraft
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	t.Version = 1

	res, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id, description, handler, arguments, queue_name, max_duration, log_output, state, version, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING
`, t.ID, t.Description, t.Handler, rawOrEmpty(t.Arguments), t.QueueName, t.MaxDuration,
		boolInt(t.LogOutput), string(t.State), t.Version, millis(t.CreatedAt), millis(t.UpdatedAt))
	if err != nil {
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, fmt.Errorf("task %q: %w", t.ID, domain.ErrAlreadyExists)
	}
	return getTask(ctx, r.db, t.ID)
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.db, id)
}

// ListTasks returns every task, or only those in state when it is set.
func (r *sqliteRepo) ListTasks(ctx context.Context, state domain.TaskState) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask writes the editable fields of a draft task. t.Version must match
// the stored version.
func (r *sqliteRepo) UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	var out domain.Task
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := getTask(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if !cur.State.Editable() {
			return fmt.Errorf("%w: task %q is %s", domain.ErrNotEditable, t.ID, cur.State)
		}
		if cur.Version != t.Version {
			return fmt.Errorf("%w: have version %d, stored %d", domain.ErrVersionConflict, t.Version, cur.Version)
		}
		if t.QueueName == "" {
			t.QueueName = domain.DefaultQueue
		}
		if t.MaxDuration <= 0 {
			t.MaxDuration = domain.DefaultMaxDuration
		}
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET description=?, handler=?, arguments=?, queue_name=?, max_duration=?, log_output=?,
  version=version+1, updated_at=?
WHERE id=? AND version=? AND state='draft'
`, t.Description, t.Handler, rawOrEmpty(t.Arguments), t.QueueName, t.MaxDuration, boolInt(t.LogOutput),
			millis(time.Now()), t.ID, t.Version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrVersionConflict
		}
		out, err = getTask(ctx, tx, t.ID)
		return err
	})
	return out, err
}

// DeleteTask removes a draft or cancelled task together with its schedules.
// Task logs are kept.
func (r *sqliteRepo) DeleteTask(ctx context.Context, id string) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if !cur.State.Deletable() {
			return fmt.Errorf("%w: task %q is %s", domain.ErrNotEditable, id, cur.State)
		}
		active, err := countActive(ctx, tx, id)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: %d", domain.ErrActiveJobs, active)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE task_id = ?`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}

// TransitionTask moves a task along its workflow and records the change.
// Reverting to draft is refused while the task has queued or running jobs.
func (r *sqliteRepo) TransitionTask(ctx context.Context, id string, to domain.TaskState, actor string, now time.Time) (domain.Task, error) {
	var out domain.Task
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := cur.State.CheckTransition(to); err != nil {
			return err
		}
		if to == domain.TaskDraft {
			active, err := countActive(ctx, tx, id)
			if err != nil {
				return err
			}
			if active > 0 {
				return fmt.Errorf("%w: %d", domain.ErrActiveJobs, active)
			}
		}
		res, err := tx.ExecContext(ctx, `
UPDATE tasks SET state=?, version=version+1, updated_at=? WHERE id=? AND version=?
`, string(to), millis(now), id, cur.Version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrVersionConflict
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO task_transitions (task_id, from_state, to_state, actor, at) VALUES (?,?,?,?,?)
`, id, string(cur.State), string(to), actor, millis(now)); err != nil {
			return err
		}
		out, err = getTask(ctx, tx, id)
		return err
	})
	return out, err
}

func (r *sqliteRepo) ListTransitions(ctx context.Context, taskID string) ([]domain.Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT task_id, from_state, to_state, actor, at FROM task_transitions WHERE task_id = ? ORDER BY id
`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		var from, to string
		var at int64
		if err := rows.Scan(&tr.TaskID, &from, &to, &tr.User, &at); err != nil {
			return nil, err
		}
		tr.From, tr.To, tr.At = domain.TaskState(from), domain.TaskState(to), fromMillis(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func countActive(ctx context.Context, q querier, taskID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs WHERE task_id = ? AND status IN ('queued','running')
`, taskID).Scan(&n)
	return n, err
}
