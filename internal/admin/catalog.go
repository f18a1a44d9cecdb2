package admin

import (
	"context"
	"regexp"

	"taskd/internal/domain"
)

// taskIDPattern keeps ids safe to put in URLs, log fields and mail headers.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func (s *Service) ListTasks(ctx context.Context, p Principal, state domain.TaskState) ([]domain.Task, error) {
	if err := p.check(permRead, "list tasks"); err != nil {
		return nil, err
	}
	if state != "" && !state.Valid() {
		return nil, domain.Invalid("state", "unknown state %q", state)
	}
	return s.store.ListTasks(ctx, state)
}

func (s *Service) GetTask(ctx context.Context, p Principal, id string) (domain.Task, error) {
	if err := p.check(permRead, "get task"); err != nil {
		return domain.Task{}, err
	}
	return s.store.GetTask(ctx, id)
}

// CreateTask stores a new draft task.
func (s *Service) CreateTask(ctx context.Context, p Principal, t domain.Task) (domain.Task, error) {
	if err := p.check(permWrite, "create task"); err != nil {
		return domain.Task{}, err
	}
	if err := s.validateTask(t); err != nil {
		return domain.Task{}, err
	}
	t.State = domain.TaskDraft
	return s.store.CreateTask(ctx, t)
}

// UpdateTask edits a draft task. t.Version must match the stored version.
func (s *Service) UpdateTask(ctx context.Context, p Principal, t domain.Task) (domain.Task, error) {
	if err := p.check(permWrite, "update task"); err != nil {
		return domain.Task{}, err
	}
	if err := s.validateTask(t); err != nil {
		return domain.Task{}, err
	}
	return s.store.UpdateTask(ctx, t)
}

func (s *Service) DeleteTask(ctx context.Context, p Principal, id string) error {
	if err := p.check(permWrite, "delete task"); err != nil {
		return err
	}
	return s.store.DeleteTask(ctx, id)
}

// validateTask checks the fields a draft must have. Handler specific
// argument checks run when the task is started.
func (s *Service) validateTask(t domain.Task) error {
	var errs domain.ValidationErrors
	switch {
	case t.ID == "":
		errs = append(errs, domain.ValidationError{Field: "id", Message: "is required"})
	case !taskIDPattern.MatchString(t.ID):
		errs = append(errs, domain.ValidationError{Field: "id", Message: "may only contain letters, digits, '.', '_' and '-' (at most 128)"})
	}
	if t.Handler == "" {
		errs = append(errs, domain.ValidationError{Field: "handler", Message: "is required"})
	}
	if _, err := domain.ArgumentMap(t.Arguments); err != nil {
		errs = append(errs, domain.ValidationError{Field: "arguments", Message: err.Error()})
	}
	if t.MaxDuration < 0 {
		errs = append(errs, domain.ValidationError{Field: "max_duration", Message: "must not be negative"})
	}
	if t.Handler != "" && !s.handlers.Has(t.Handler) {
		errs = append(errs, domain.ValidationError{Field: "handler", Message: "unknown handler " + t.Handler})
	}
	return errs.Err()
}

func (s *Service) ListSchedules(ctx context.Context, p Principal) ([]domain.Schedule, error) {
	if err := p.check(permRead, "list schedules"); err != nil {
		return nil, err
	}
	return s.store.ListSchedules(ctx)
}

func (s *Service) GetSchedule(ctx context.Context, p Principal, id string) (domain.Schedule, error) {
	if err := p.check(permRead, "get schedule"); err != nil {
		return domain.Schedule{}, err
	}
	return s.store.GetSchedule(ctx, id)
}

// CreateSchedule validates sch, derives its cron expression and first run
// and stores it.
func (s *Service) CreateSchedule(ctx context.Context, p Principal, sch domain.Schedule) (domain.Schedule, error) {
	if err := p.check(permWrite, "create schedule"); err != nil {
		return domain.Schedule{}, err
	}
	if err := s.schedules.Prepare(&sch, s.clock().UTC()); err != nil {
		return domain.Schedule{}, err
	}
	id, err := s.store.CreateSchedule(ctx, sch)
	if err != nil {
		return domain.Schedule{}, err
	}
	return s.store.GetSchedule(ctx, id)
}

// UpdateSchedule replaces the editable fields of an existing schedule and
// recomputes its next run.
func (s *Service) UpdateSchedule(ctx context.Context, p Principal, sch domain.Schedule) (domain.Schedule, error) {
	if err := p.check(permWrite, "update schedule"); err != nil {
		return domain.Schedule{}, err
	}
	cur, err := s.store.GetSchedule(ctx, sch.ID)
	if err != nil {
		return domain.Schedule{}, err
	}
	sch.TaskID = cur.TaskID
	if err := s.schedules.Prepare(&sch, s.clock().UTC()); err != nil {
		return domain.Schedule{}, err
	}
	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		return domain.Schedule{}, err
	}
	return s.store.GetSchedule(ctx, sch.ID)
}

func (s *Service) DeleteSchedule(ctx context.Context, p Principal, id string) error {
	if err := p.check(permWrite, "delete schedule"); err != nil {
		return err
	}
	return s.store.DeleteSchedule(ctx, id)
}
