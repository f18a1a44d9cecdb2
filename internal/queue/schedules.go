package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"taskd/internal/domain"
)

const scheduleColumns = `s.id, s.task_id, s.description, s.enabled, s.frequency, s.minute, s.hour, s.day_of_week,
  s.day_of_month, s.month, s.cron_expr, s.timezone, s.argument_overrides, s.recipients,
  s.next_run_at, s.last_run_at, s.created_at, s.updated_at`

func scanSchedule(row scanner, extra ...any) (domain.Schedule, error) {
	var s domain.Schedule
	var enabled int
	var freq, overrides, recipients string
	var minute, hour, dom, month sql.NullInt64
	var next int64
	var lastRun sql.NullInt64
	var created, updated int64
	dest := []any{&s.ID, &s.TaskID, &s.Description, &enabled, &freq, &minute, &hour, &s.DayOfWeek,
		&dom, &month, &s.CronExpr, &s.Timezone, &overrides, &recipients,
		&next, &lastRun, &created, &updated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Schedule{}, err
	}
	s.Enabled = enabled != 0
	s.Frequency = domain.Frequency(freq)
	s.Minute, s.Hour, s.DayOfMonth, s.Month = intPtr(minute), intPtr(hour), intPtr(dom), intPtr(month)
	if overrides != "" && overrides != "{}" {
		s.ArgumentOverrides = []byte(overrides)
	}
	if recipients != "" {
		if err := json.Unmarshal([]byte(recipients), &s.Recipients); err != nil {
			return domain.Schedule{}, err
		}
	}
	s.NextRunAt = fromMillis(next)
	s.LastRunAt = timePtr(lastRun)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return s, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func recipientsJSON(rs []domain.Recipient) (string, error) {
	if len(rs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(rs)
	return string(b), err
}

// CreateSchedule stores a schedule for an existing task and returns its id.
func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	recipients, err := recipientsJSON(s.Recipients)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id, task_id, description, enabled, frequency, minute, hour, day_of_week, day_of_month, month,
  cron_expr, timezone, argument_overrides, recipients, next_run_at, created_at, updated_at)
SELECT ?,t.id,?,?,?,?,?,?,?,?,?,?,?,?,?,?,? FROM tasks t WHERE t.id = ?
`, id, s.Description, boolInt(s.Enabled), string(s.Frequency), nullInt(s.Minute), nullInt(s.Hour), s.DayOfWeek,
		nullInt(s.DayOfMonth), nullInt(s.Month), s.CronExpr, s.Timezone, rawOrEmpty(s.ArgumentOverrides), recipients,
		millis(s.NextRunAt), millis(now), millis(now), s.TaskID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", domain.NotFound("task", s.TaskID)
	}
	return id, nil
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules s WHERE s.id = ?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, domain.NotFound("schedule", id)
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules s ORDER BY s.task_id, s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	recipients, err := recipientsJSON(s.Recipients)
	if err != nil {
		return err
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET description=?, enabled=?, frequency=?, minute=?, hour=?, day_of_week=?, day_of_month=?, month=?,
  cron_expr=?, timezone=?, argument_overrides=?, recipients=?, next_run_at=?, updated_at=?
WHERE id=?
`, s.Description, boolInt(s.Enabled), string(s.Frequency), nullInt(s.Minute), nullInt(s.Hour), s.DayOfWeek,
		nullInt(s.DayOfMonth), nullInt(s.Month), s.CronExpr, s.Timezone, rawOrEmpty(s.ArgumentOverrides), recipients,
		millis(s.NextRunAt), millis(time.Now()), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("schedule", s.ID)
	}
	return nil
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("schedule", id)
	}
	return nil
}

// GetDueSchedules returns enabled schedules of submitted tasks whose next run
// is at or before now, oldest first.
func (r *sqliteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleColumns+`,
  t.id, t.description, t.handler, t.arguments, t.queue_name, t.max_duration, t.log_output, t.state, t.version,
  t.last_run_at, t.created_at, t.updated_at
FROM schedules s JOIN tasks t ON t.id = s.task_id
WHERE s.enabled = 1 AND t.state = 'submitted' AND s.next_run_at <= ?
ORDER BY s.next_run_at, s.id
`, millis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var st ScheduledTask
		var args, state string
		var logOutput int
		var lastRun sql.NullInt64
		var created, updated int64
		t := &st.Task
		st.Schedule, err = scanSchedule(rows, &t.ID, &t.Description, &t.Handler, &args, &t.QueueName,
			&t.MaxDuration, &logOutput, &state, &t.Version, &lastRun, &created, &updated)
		if err != nil {
			return nil, err
		}
		t.Arguments = []byte(args)
		t.LogOutput = logOutput != 0
		t.State = domain.TaskState(state)
		t.LastRunAt = timePtr(lastRun)
		t.CreatedAt, t.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ClaimSchedule advances next_run_at from expected to next. It reports false
// when another scanner already moved it.
func (r *sqliteRepo) ClaimSchedule(ctx context.Context, id string, expected, next time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET next_run_at=?, updated_at=? WHERE id=? AND next_run_at=? AND enabled=1
`, millis(next), millis(time.Now()), id, millis(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RebuildSchedule writes the derived rule fields and next run of s, provided
// next_run_at still equals expected. It reports false when a scanner claimed
// the schedule in the meantime.
func (r *sqliteRepo) RebuildSchedule(ctx context.Context, s domain.Schedule, expected time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET frequency=?, minute=?, hour=?, day_of_week=?, day_of_month=?, month=?, cron_expr=?, timezone=?,
  next_run_at=?, updated_at=?
WHERE id=? AND next_run_at=? AND enabled=1
`, string(s.Frequency), nullInt(s.Minute), nullInt(s.Hour), s.DayOfWeek, nullInt(s.DayOfMonth), nullInt(s.Month),
		s.CronExpr, s.Timezone, millis(s.NextRunAt), millis(time.Now()), s.ID, millis(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseSchedule undoes a claim, provided nobody advanced the schedule since.
func (r *sqliteRepo) ReleaseSchedule(ctx context.Context, id string, claimed, restore time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET next_run_at=? WHERE id=? AND next_run_at=?
`, millis(restore), id, millis(claimed))
	return err
}

func (r *sqliteRepo) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE schedules SET last_run_at=? WHERE id=?`, millis(at), id)
	return err
}

func (r *sqliteRepo) DisableSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE schedules SET enabled=0, updated_at=? WHERE id=?`, millis(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("schedule", id)
	}
	return nil
}
