package queue_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskd/internal/domain"
	"taskd/internal/queue"
	"taskd/internal/testutil"
)

func TestCreateTask_Duplicate(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)

	task, err := repo.CreateTask(ctx, domain.Task{ID: "backup", Handler: "shell"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.QueueName != domain.DefaultQueue || task.MaxDuration != domain.DefaultMaxDuration {
		t.Errorf("defaults not applied: %+v", task)
	}
	if task.State != domain.TaskDraft || task.Version != 1 {
		t.Errorf("new task = %s v%d, want draft v1", task.State, task.Version)
	}

	_, err = repo.CreateTask(ctx, domain.Task{ID: "backup", Handler: "shell"})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate CreateTask = %v, want ErrAlreadyExists", err)
	}
}

func TestUpdateTask_Version(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	task := testutil.SeedTask(t, repo, "report", domain.TaskDraft)

	task.Description = "nightly report"
	updated, err := repo.UpdateTask(ctx, task)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Version != 2 || updated.Description != "nightly report" {
		t.Errorf("updated = v%d %q", updated.Version, updated.Description)
	}

	// stale version
	if _, err := repo.UpdateTask(ctx, task); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("stale UpdateTask = %v, want ErrVersionConflict", err)
	}

	sub := testutil.SeedTask(t, repo, "locked", domain.TaskSubmitted)
	if _, err := repo.UpdateTask(ctx, sub); !errors.Is(err, domain.ErrNotEditable) {
		t.Errorf("UpdateTask on submitted = %v, want ErrNotEditable", err)
	}
}

func TestTransitionTask_AuditAndGuard(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "sync", domain.TaskSubmitted)

	if _, _, err := repo.InsertJob(ctx, domain.Job{TaskID: "sync", Handler: "ping"}); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := repo.ClaimNext(ctx, nil, time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	_, err := repo.TransitionTask(ctx, "sync", domain.TaskDraft, "alice", time.Now())
	if !errors.Is(err, domain.ErrActiveJobs) {
		t.Fatalf("revert with running job = %v, want ErrActiveJobs", err)
	}
	task, _ := repo.GetTask(ctx, "sync")
	if task.State != domain.TaskSubmitted {
		t.Errorf("state after refused revert = %s", task.State)
	}

	if _, err := repo.TransitionTask(ctx, "sync", domain.TaskCancelled, "alice", time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := repo.TransitionTask(ctx, "sync", domain.TaskSubmitted, "alice", time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("cancelled -> submitted = %v, want ErrInvalidTransition", err)
	}

	trs, err := repo.ListTransitions(ctx, "sync")
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(trs) != 2 {
		t.Fatalf("transitions = %d, want 2", len(trs))
	}
	last := trs[1]
	if last.From != domain.TaskSubmitted || last.To != domain.TaskCancelled || last.User != "alice" {
		t.Errorf("last transition = %+v", last)
	}
}

func TestDeleteTask_RemovesSchedules(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "old", domain.TaskDraft)

	schID, err := repo.CreateSchedule(ctx, domain.Schedule{TaskID: "old", Frequency: domain.FrequencyDaily, CronExpr: "0 0 * * *", NextRunAt: time.Now()})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := repo.DeleteTask(ctx, "old"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := repo.GetSchedule(ctx, schID); !domain.IsNotFound(err) {
		t.Errorf("schedule after task delete = %v, want not found", err)
	}

	testutil.SeedTask(t, repo, "live", domain.TaskSubmitted)
	if err := repo.DeleteTask(ctx, "live"); !errors.Is(err, domain.ErrNotEditable) {
		t.Errorf("delete submitted = %v, want ErrNotEditable", err)
	}
}

func TestInsertJob_Idempotent(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "mail", domain.TaskSubmitted)

	job := domain.Job{TaskID: "mail", Handler: "ping", IdempotencyKey: "mail:sch:1704153600"}
	first, created, err := repo.InsertJob(ctx, job, domain.TaskSubmitted)
	if err != nil || !created {
		t.Fatalf("first InsertJob = %s, %v, %v", first, created, err)
	}
	second, created, err := repo.InsertJob(ctx, job, domain.TaskSubmitted)
	if err != nil {
		t.Fatalf("second InsertJob: %v", err)
	}
	if created || second != first {
		t.Errorf("duplicate InsertJob = %s created=%v, want %s created=false", second, created, first)
	}
	jobs, _ := repo.ListJobs(ctx, queue.JobFilter{TaskID: "mail"})
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(jobs))
	}

	if _, _, err := repo.InsertJob(ctx, domain.Job{TaskID: "ghost", Handler: "ping"}); !domain.IsNotFound(err) {
		t.Errorf("InsertJob unknown task = %v, want not found", err)
	}

	testutil.SeedTask(t, repo, "draft", domain.TaskDraft)
	_, _, err = repo.InsertJob(ctx, domain.Job{TaskID: "draft", Handler: "ping", IdempotencyKey: "k"}, domain.TaskSubmitted)
	if !domain.IsValidation(err) {
		t.Errorf("InsertJob draft task for schedule = %v, want validation error", err)
	}
}

func TestInsertJob_ConcurrentDuplicates(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "race", domain.TaskSubmitted)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := repo.InsertJob(ctx, domain.Job{TaskID: "race", Handler: "ping", IdempotencyKey: "same"})
			if err != nil {
				t.Errorf("InsertJob: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("got distinct ids %v", ids)
		}
	}
}

func TestClaimNext_PriorityAndEmpty(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	low, _, _ := repo.InsertJob(ctx, domain.Job{TaskID: "t1", Handler: "ping", Priority: domain.PriorityScheduled, CreatedAt: base})
	high, _, _ := repo.InsertJob(ctx, domain.Job{TaskID: "t1", Handler: "ping", Priority: domain.PriorityManual, CreatedAt: base.Add(time.Minute)})
	other, _, _ := repo.InsertJob(ctx, domain.Job{TaskID: "t1", Handler: "ping", QueueName: "long", Priority: 99, CreatedAt: base})

	got, err := repo.ClaimNext(ctx, []string{"default"}, base)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got.ID != high {
		t.Errorf("first claim = %s, want manual job %s", got.ID, high)
	}
	if got.Status != domain.JobRunning || got.ClaimToken == "" {
		t.Errorf("claimed job = %s token=%q", got.Status, got.ClaimToken)
	}
	if got, _ = repo.ClaimNext(ctx, []string{"default"}, base); got.ID != low {
		t.Errorf("second claim = %s, want %s", got.ID, low)
	}
	if _, err := repo.ClaimNext(ctx, []string{"default"}, base); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("third claim = %v, want ErrEmpty", err)
	}
	if got, _ = repo.ClaimNext(ctx, []string{"long"}, base); got.ID != other {
		t.Errorf("long queue claim = %s, want %s", got.ID, other)
	}
}

func TestFinishJob_ExactlyOneLog(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	repo.InsertJob(ctx, domain.Job{TaskID: "t1", Handler: "ping"})
	job, err := repo.ClaimNext(ctx, nil, start)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	entry := domain.TaskLog{ID: queue.NewLogID(), TaskID: "t1", JobID: job.ID, Status: domain.LogSucceeded,
		StartedAt: start, FinishedAt: start.Add(2 * time.Second), ExecutionTime: 2 * time.Second, Message: "pong"}
	if err := repo.FinishJob(ctx, job, domain.JobSucceeded, entry); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	entry.ID = queue.NewLogID()
	if err := repo.FinishJob(ctx, job, domain.JobFailed, entry); !errors.Is(err, domain.ErrStaleClaim) {
		t.Errorf("second FinishJob = %v, want ErrStaleClaim", err)
	}

	logs, _ := repo.ListLogs(ctx, queue.LogFilter{JobID: job.ID})
	if len(logs) != 1 || !logs[0].Success() || logs[0].ExecutionTime != 2*time.Second {
		t.Fatalf("logs = %+v, want one succeeded log", logs)
	}
	stored, _ := repo.GetJob(ctx, job.ID)
	if stored.Status != domain.JobSucceeded || stored.FinishedAt == nil {
		t.Errorf("job after finish = %s finished=%v", stored.Status, stored.FinishedAt)
	}
	task, _ := repo.GetTask(ctx, "t1")
	if task.LastRunAt == nil || !task.LastRunAt.Equal(start) {
		t.Errorf("task last_run_at = %v, want %v", task.LastRunAt, start)
	}
}

func TestExpireJob_RequeueThenFail(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "slow", domain.TaskSubmitted)

	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	repo.InsertJob(ctx, domain.Job{TaskID: "slow", Handler: "sleep"})

	expire := func() domain.JobStatus {
		t.Helper()
		job, err := repo.ClaimNext(ctx, nil, clock.Now())
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		clock.Advance(10 * time.Minute)
		cutoff := clock.Now().Add(-5 * time.Minute)
		expired, err := repo.ListExpired(ctx, cutoff)
		if err != nil || len(expired) != 1 {
			t.Fatalf("ListExpired = %d, %v", len(expired), err)
		}
		entry := domain.TaskLog{ID: queue.NewLogID(), TaskID: "slow", JobID: job.ID, Status: domain.LogTimeout,
			StartedAt: *job.StartedAt, FinishedAt: clock.Now(), Message: "liveness timeout"}
		status, err := repo.ExpireJob(ctx, expired[0], cutoff, entry)
		if err != nil {
			t.Fatalf("ExpireJob: %v", err)
		}
		return status
	}

	if got := expire(); got != domain.JobQueued {
		t.Fatalf("first expiry = %s, want queued", got)
	}
	if logs, _ := repo.ListLogs(ctx, queue.LogFilter{TaskID: "slow"}); len(logs) != 0 {
		t.Errorf("requeue wrote %d logs", len(logs))
	}
	if got := expire(); got != domain.JobFailed {
		t.Fatalf("second expiry = %s, want failed", got)
	}
	logs, _ := repo.ListLogs(ctx, queue.LogFilter{TaskID: "slow"})
	if len(logs) != 1 || logs[0].Status != domain.LogTimeout {
		t.Errorf("logs after failure = %+v, want one timeout log", logs)
	}
}

func TestHeartbeat_StaleClaim(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "hb", domain.TaskSubmitted)
	repo.InsertJob(ctx, domain.Job{TaskID: "hb", Handler: "ping"})
	job, _ := repo.ClaimNext(ctx, nil, time.Now())

	if err := repo.Heartbeat(ctx, job.ID, job.ClaimToken, time.Now()); err != nil {
		t.Errorf("Heartbeat: %v", err)
	}
	if err := repo.Heartbeat(ctx, job.ID, "someone-else", time.Now()); !errors.Is(err, domain.ErrStaleClaim) {
		t.Errorf("Heartbeat foreign token = %v, want ErrStaleClaim", err)
	}
}

func failJob(t *testing.T, repo queue.Repository, taskID, errText string, at time.Time) string {
	t.Helper()
	ctx := testutil.TestContext(t)
	id, _, err := repo.InsertJob(ctx, domain.Job{TaskID: taskID, Handler: "shell", Arguments: []byte(`{"command":"false"}`)})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	job, err := repo.ClaimNext(ctx, nil, at)
	if err != nil || job.ID != id {
		t.Fatalf("ClaimNext = %s, %v", job.ID, err)
	}
	job.Error = errText
	entry := domain.TaskLog{ID: queue.NewLogID(), TaskID: taskID, JobID: id, Status: domain.LogFailed, StartedAt: at, FinishedAt: at}
	if err := repo.FinishJob(ctx, job, domain.JobFailed, entry); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	return id
}

func TestDeleteFailedJobs_RangeAndPattern(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "etl", domain.TaskSubmitted)

	failJob(t, repo, "etl", "disk full", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	failJob(t, repo, "etl", "connection refused", time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC))
	keep := failJob(t, repo, "etl", "disk full", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))

	from := testutil.Date(2024, 1, 1)
	to := testutil.Date(2024, 1, 2)
	removed, err := repo.DeleteFailedJobs(ctx, from, to, "%disk%")
	if err != nil {
		t.Fatalf("DeleteFailedJobs: %v", err)
	}
	if len(removed) != 1 || removed[0].QueueName != domain.DefaultQueue {
		t.Fatalf("removed = %+v, want one job", removed)
	}

	removed, _ = repo.DeleteFailedJobs(ctx, from, to, "")
	if len(removed) != 1 {
		t.Errorf("second pass removed %d, want 1", len(removed))
	}
	if _, err := repo.GetJob(ctx, keep); err != nil {
		t.Errorf("job outside range was deleted: %v", err)
	}
}

func TestDeleteLogsBetween_Repeat(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)

	for _, at := range []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 23, 59, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	} {
		if err := repo.InsertLog(ctx, domain.TaskLog{ID: queue.NewLogID(), TaskID: "t1", JobID: queue.NewLogID(),
			Status: domain.LogSucceeded, StartedAt: at, FinishedAt: at}); err != nil {
			t.Fatalf("InsertLog: %v", err)
		}
	}

	n, err := repo.DeleteLogsBetween(ctx, testutil.Date(2024, 1, 1), testutil.Date(2024, 2, 1))
	if err != nil || n != 2 {
		t.Fatalf("DeleteLogsBetween = %d, %v, want 2", n, err)
	}
	if n, _ = repo.DeleteLogsBetween(ctx, testutil.Date(2024, 1, 1), testutil.Date(2024, 2, 1)); n != 0 {
		t.Errorf("repeat DeleteLogsBetween = %d, want 0", n)
	}
}

func TestClaimSchedule_CAS(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)

	next := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id, err := repo.CreateSchedule(ctx, domain.Schedule{TaskID: "t1", Enabled: true, Frequency: domain.FrequencyDaily,
		CronExpr: "0 0 * * *", NextRunAt: next, Recipients: []domain.Recipient{{Email: "ops@example.com", OnError: true}}})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	due, err := repo.GetDueSchedules(ctx, next.Add(24*time.Hour))
	if err != nil || len(due) != 1 {
		t.Fatalf("GetDueSchedules = %d, %v", len(due), err)
	}
	if due[0].Task.ID != "t1" || len(due[0].Schedule.Recipients) != 1 {
		t.Errorf("due = %+v", due[0])
	}

	ok, err := repo.ClaimSchedule(ctx, id, next, next.Add(48*time.Hour))
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if ok, _ = repo.ClaimSchedule(ctx, id, next, next.Add(48*time.Hour)); ok {
		t.Error("second claim with the same expected value must fail")
	}

	if err := repo.ReleaseSchedule(ctx, id, next.Add(48*time.Hour), next); err != nil {
		t.Fatalf("ReleaseSchedule: %v", err)
	}
	s, _ := repo.GetSchedule(ctx, id)
	if !s.NextRunAt.Equal(next) {
		t.Errorf("next_run_at after release = %v, want %v", s.NextRunAt, next)
	}

	if _, err := repo.CreateSchedule(ctx, domain.Schedule{TaskID: "ghost", CronExpr: "* * * * *"}); !domain.IsNotFound(err) {
		t.Errorf("CreateSchedule for unknown task = %v, want not found", err)
	}
}

func TestClaimNext_NotBefore(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := base.Add(time.Hour)
	id, _, err := repo.InsertJob(ctx, domain.Job{TaskID: "t1", Handler: "ping", Priority: domain.PriorityManual, NotBefore: &later, CreatedAt: base})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	stored, _ := repo.GetJob(ctx, id)
	if stored.NotBefore == nil || !stored.NotBefore.Equal(later) {
		t.Fatalf("stored not_before = %v, want %v", stored.NotBefore, later)
	}

	if _, err := repo.ClaimNext(ctx, nil, base.Add(59*time.Minute)); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("claim before not_before = %v, want ErrEmpty", err)
	}
	got, err := repo.ClaimNext(ctx, nil, later)
	if err != nil || got.ID != id {
		t.Fatalf("claim at not_before = %s, %v; want %s", got.ID, err, id)
	}
}

func TestEnsureSchema_AddsNotBeforeToOlderDatabases(t *testing.T) {
	db, err := queue.Open(filepath.Join(t.TempDir(), "old.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE jobs (
  id TEXT PRIMARY KEY, task_id TEXT NOT NULL, schedule_id TEXT, queue_name TEXT NOT NULL, handler TEXT NOT NULL,
  arguments TEXT NOT NULL DEFAULT '{}', priority INTEGER NOT NULL DEFAULT 5, status TEXT NOT NULL DEFAULT 'queued',
  idempotency_key TEXT NOT NULL, occurrence_at INTEGER, max_duration INTEGER NOT NULL DEFAULT 3600,
  timeouts INTEGER NOT NULL DEFAULT 0, claim_token TEXT, error TEXT NOT NULL DEFAULT '', created_at INTEGER NOT NULL,
  started_at INTEGER, heartbeat_at INTEGER, finished_at INTEGER)`)
	if err != nil {
		t.Fatalf("create old table: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := queue.EnsureSchema(db); err != nil {
			t.Fatalf("EnsureSchema #%d: %v", i+1, err)
		}
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('jobs') WHERE name = 'not_before'`).Scan(&n); err != nil || n != 1 {
		t.Errorf("not_before columns = %d, %v; want 1", n, err)
	}
}

func TestFinishJob_RejectsInvalidLog(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)

	repo.InsertJob(ctx, domain.Job{TaskID: "t1", Handler: "ping"})
	job, err := repo.ClaimNext(ctx, nil, time.Now())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	entry := domain.TaskLog{ID: queue.NewLogID(), TaskID: "t1", Status: "done"}
	if err := repo.FinishJob(ctx, job, domain.JobSucceeded, entry); !domain.IsValidation(err) {
		t.Fatalf("FinishJob with bad log = %v, want validation error", err)
	}
	stored, _ := repo.GetJob(ctx, job.ID)
	if stored.Status != domain.JobRunning {
		t.Errorf("job after rejected finish = %s, want running", stored.Status)
	}
	if logs, _ := repo.ListLogs(ctx, queue.LogFilter{TaskID: "t1"}); len(logs) != 0 {
		t.Errorf("logs = %+v, want none", logs)
	}
}
