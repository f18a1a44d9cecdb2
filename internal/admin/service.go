// Package admin implements the operator control surface. Every operation
// is checked against the calling Principal before it touches any state.
package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"taskd/internal/dispatcher"
	"taskd/internal/domain"
	"taskd/internal/eventbus"
	"taskd/internal/queue"
	"taskd/internal/scheduler"
)

type Store interface {
	queue.TaskStore
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

type Dispatcher interface {
	Enqueue(ctx context.Context, req dispatcher.Request) (string, bool, error)
	ListFailed(ctx context.Context, queueName string) ([]dispatcher.JobSummary, error)
	Describe(ctx context.Context, queueName, id string) (dispatcher.JobDetail, error)
	DeleteFailed(ctx context.Context, from, to, wildcard string) (int, error)
}

type Schedules interface {
	Prepare(s *domain.Schedule, from time.Time) error
	Rebuild(ctx context.Context, now time.Time) (scheduler.RebuildSummary, error)
}

type Logs interface {
	Get(ctx context.Context, id string) (domain.TaskLog, error)
	List(ctx context.Context, f queue.LogFilter) ([]domain.TaskLog, error)
	Purge(ctx context.Context, fromDate, toDate string) (int, error)
}

// HandlerValidator knows the registered handlers and checks their arguments.
type HandlerValidator interface {
	Has(name string) bool
	Validate(name string, args json.RawMessage) error
}

type Service struct {
	store      Store
	dispatcher Dispatcher
	schedules  Schedules
	logs       Logs
	handlers   HandlerValidator
	bus        eventbus.Bus
	clock      func() time.Time
	// resultSlack is added to twice the job timeout when waiting for a run result.
	resultSlack time.Duration
}

func NewService(store Store, d Dispatcher, schedules Schedules, logs Logs, handlers HandlerValidator, bus eventbus.Bus) *Service {
	return &Service{
		store:       store,
		dispatcher:  d,
		schedules:   schedules,
		logs:        logs,
		handlers:    handlers,
		bus:         bus,
		clock:       time.Now,
		resultSlack: 10 * time.Minute,
	}
}

// RunHandle is returned by RunTaskNow. Done delivers the result once the job
// finishes and is then closed. It closes without a value if no result is seen
// within twice the task's max duration plus a grace period.
type RunHandle struct {
	JobID string
	Done  <-chan domain.RunResult
}

func (s *Service) ListFailedJobs(ctx context.Context, p Principal, queueName string) ([]dispatcher.JobSummary, error) {
	if err := p.check(permRead, "list failed jobs"); err != nil {
		return nil, err
	}
	return s.dispatcher.ListFailed(ctx, queueName)
}

func (s *Service) DescribeJob(ctx context.Context, p Principal, queueName, id string) (dispatcher.JobDetail, error) {
	if err := p.check(permRead, "describe job"); err != nil {
		return dispatcher.JobDetail{}, err
	}
	return s.dispatcher.Describe(ctx, queueName, id)
}

func (s *Service) RemoveFailedJobs(ctx context.Context, p Principal, from, to, wildcard string) (int, error) {
	if err := p.check(permWrite, "remove failed jobs"); err != nil {
		return 0, err
	}
	n, err := s.dispatcher.DeleteFailed(ctx, from, to, wildcard)
	if err == nil {
		log.Info().Str("user", p.User).Int("deleted", n).Msg("failed jobs removed")
	}
	return n, err
}

// RunTaskNow enqueues a manual run of a draft or submitted task.
func (s *Service) RunTaskNow(ctx context.Context, p Principal, taskID string) (RunHandle, error) {
	if err := p.check(permRun, "run task"); err != nil {
		return RunHandle{}, err
	}
	return s.runTask(ctx, p, taskID, nil)
}

// RunTaskLater enqueues a one-shot run that no worker claims before at. A
// time that is not in the future runs the task right away.
func (s *Service) RunTaskLater(ctx context.Context, p Principal, taskID string, at time.Time) (RunHandle, error) {
	if err := p.check(permRun, "run task later"); err != nil {
		return RunHandle{}, err
	}
	if at.IsZero() {
		return RunHandle{}, domain.Invalid("at", "is required")
	}
	if !at.After(s.clock()) {
		return s.runTask(ctx, p, taskID, nil)
	}
	notBefore := at.UTC()
	return s.runTask(ctx, p, taskID, &notBefore)
}

func (s *Service) runTask(ctx context.Context, p Principal, taskID string, notBefore *time.Time) (RunHandle, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return RunHandle{}, err
	}
	if !task.State.Runnable() {
		return RunHandle{}, domain.Invalid("task_id", "task %q is %s and cannot run", task.ID, task.State)
	}
	if err := s.handlers.Validate(task.Handler, task.Arguments); err != nil {
		return RunHandle{}, err
	}

	jobID := "job_" + uuid.NewString()
	events, unsubscribe := s.bus.SubscribeFunc(1, func(e eventbus.Event) bool {
		res, ok := e.Data.(domain.RunResult)
		return e.Type == eventbus.JobFinished && ok && res.JobID == jobID
	})
	req := dispatcher.ManualRequest(task, jobID)
	req.NotBefore = notBefore
	if _, _, err := s.dispatcher.Enqueue(ctx, req); err != nil {
		unsubscribe()
		return RunHandle{}, err
	}

	done := make(chan domain.RunResult, 1)
	wait := 2*task.Timeout() + s.resultSlack
	ev := log.Info().Str("user", p.User).Str("task_id", task.ID).Str("job_id", jobID)
	if notBefore != nil {
		wait += notBefore.Sub(s.clock())
		ev = ev.Time("not_before", *notBefore)
	}
	ev.Msg("manual run requested")
	go func() {
		defer close(done)
		defer unsubscribe()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case e, ok := <-events:
			if ok {
				done <- e.Data.(domain.RunResult)
			}
		case <-timer.C:
			log.Warn().Str("job_id", jobID).Dur("waited", wait).Msg("gave up waiting for manual run result")
		}
	}()
	return RunHandle{JobID: jobID, Done: done}, nil
}

// RevertToDraft moves a submitted task back to draft. It is refused while
// the task has queued or running jobs.
func (s *Service) RevertToDraft(ctx context.Context, p Principal, taskID string) (domain.Task, error) {
	return s.transition(ctx, p, taskID, domain.TaskDraft, "revert task")
}

func (s *Service) SubmitTask(ctx context.Context, p Principal, taskID string) (domain.Task, error) {
	return s.transition(ctx, p, taskID, domain.TaskSubmitted, "submit task")
}

func (s *Service) CancelTask(ctx context.Context, p Principal, taskID string) (domain.Task, error) {
	return s.transition(ctx, p, taskID, domain.TaskCancelled, "cancel task")
}

func (s *Service) transition(ctx context.Context, p Principal, taskID string, to domain.TaskState, op string) (domain.Task, error) {
	if err := p.check(permWrite, op); err != nil {
		return domain.Task{}, err
	}
	task, err := s.store.TransitionTask(ctx, taskID, to, p.User, s.clock().UTC())
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("user", p.User).Str("task_id", taskID).Str("state", string(to)).Msg("task state changed")
	return task, nil
}

func (s *Service) TaskHistory(ctx context.Context, p Principal, taskID string) ([]domain.Transition, error) {
	if err := p.check(permRead, "task history"); err != nil {
		return nil, err
	}
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, taskID)
}

func (s *Service) DeleteLogsByDates(ctx context.Context, p Principal, fromDate, toDate string) (int, error) {
	if err := p.check(permWrite, "delete logs"); err != nil {
		return 0, err
	}
	return s.logs.Purge(ctx, fromDate, toDate)
}

func (s *Service) ListLogs(ctx context.Context, p Principal, f queue.LogFilter) ([]domain.TaskLog, error) {
	if err := p.check(permRead, "list logs"); err != nil {
		return nil, err
	}
	return s.logs.List(ctx, f)
}

func (s *Service) GetLog(ctx context.Context, p Principal, id string) (domain.TaskLog, error) {
	if err := p.check(permRead, "get log"); err != nil {
		return domain.TaskLog{}, err
	}
	return s.logs.Get(ctx, id)
}

func (s *Service) RebuildAllSchedules(ctx context.Context, p Principal) (scheduler.RebuildSummary, error) {
	if err := p.check(permWrite, "rebuild schedules"); err != nil {
		return scheduler.RebuildSummary{}, err
	}
	summary, err := s.schedules.Rebuild(ctx, s.clock().UTC())
	if err == nil {
		log.Info().Str("user", p.User).Int("rebuilt", summary.Rebuilt).Msg("schedules rebuilt on request")
	}
	return summary, err
}

// Subscribe streams bus events to a reader. Call the returned func to stop.
func (s *Service) Subscribe(p Principal, buffer int) (<-chan eventbus.Event, func(), error) {
	if err := p.check(permRead, "watch events"); err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := s.bus.Subscribe(buffer)
	return ch, unsubscribe, nil
}
