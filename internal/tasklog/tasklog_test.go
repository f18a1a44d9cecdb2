package tasklog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"taskd/internal/domain"
	"taskd/internal/queue"
	"taskd/internal/tasklog"
	"taskd/internal/testutil"
)

type recordingHook struct {
	mu        sync.Mutex
	started   []string
	published []string
}

func (h *recordingHook) Started(_ context.Context, job domain.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, job.ID)
}

func (h *recordingHook) Published(_ context.Context, entry domain.TaskLog) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, entry.ID)
}

func seedLogs(t *testing.T, svc *tasklog.Service, days ...time.Time) {
	t.Helper()
	ctx := context.Background()
	for i, day := range days {
		_, err := svc.Append(ctx, domain.TaskLog{
			TaskID:     "t1",
			JobID:      "job_" + day.Format("20060102") + string(rune('a'+i)),
			Status:     domain.LogSucceeded,
			StartedAt:  day,
			FinishedAt: day.Add(time.Second),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestAppend_AssignsIDAndPublishes(t *testing.T) {
	repo := testutil.NewRepo(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskDraft)
	svc := tasklog.New(repo, time.UTC, nil)
	hook := &recordingHook{}
	svc.AddHook(hook)
	ctx := testutil.TestContext(t)

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	entry, err := svc.Append(ctx, domain.TaskLog{
		TaskID: "t1", JobID: "job_1", Status: domain.LogFailed,
		StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond), Message: "exit 1",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.ID == "" || entry.ExecutionTime != 1500*time.Millisecond {
		t.Errorf("entry = %+v", entry)
	}
	got, err := svc.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Message != "exit 1" || got.Status != domain.LogFailed {
		t.Errorf("stored = %+v", got)
	}
	task, _ := repo.GetTask(ctx, "t1")
	if task.LastRunAt == nil || !task.LastRunAt.Equal(start) {
		t.Errorf("task LastRunAt = %v, want %v", task.LastRunAt, start)
	}
	if len(hook.published) != 1 || hook.published[0] != entry.ID {
		t.Errorf("hook saw %v", hook.published)
	}
}

func TestAppend_Validation(t *testing.T) {
	svc := tasklog.New(testutil.NewRepo(t), time.UTC, nil)
	_, err := svc.Append(context.Background(), domain.TaskLog{Status: "weird"})
	errs, ok := err.(domain.ValidationErrors)
	if !ok || len(errs) != 3 {
		t.Fatalf("Append = %v, want three validation errors", err)
	}
}

func TestPurge_InclusiveRange(t *testing.T) {
	repo := testutil.NewRepo(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskDraft)
	svc := tasklog.New(repo, time.UTC, nil)
	ctx := testutil.TestContext(t)

	seedLogs(t, svc,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 23, 59, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	)

	n, err := svc.Purge(ctx, "2024-01-01", "2024-01-31")
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	n, err = svc.Purge(ctx, "2024-01-01", "2024-01-31")
	if err != nil || n != 0 {
		t.Errorf("second Purge = %d, %v; want 0, nil", n, err)
	}
	left, _ := svc.List(ctx, queue.LogFilter{TaskID: "t1"})
	if len(left) != 1 {
		t.Errorf("remaining logs = %d, want 1", len(left))
	}
}

func TestPurge_RejectsBadRangeWithoutDeleting(t *testing.T) {
	repo := testutil.NewRepo(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskDraft)
	svc := tasklog.New(repo, time.UTC, nil)
	ctx := testutil.TestContext(t)
	seedLogs(t, svc, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))

	tests := []struct{ from, to string }{
		{"2024-02-01", "2024-01-01"},
		{"", "2024-01-31"},
		{"2024-01-01", ""},
		{"Jan 1", "2024-01-31"},
	}
	for _, tt := range tests {
		if _, err := svc.Purge(ctx, tt.from, tt.to); !domain.IsValidation(err) {
			t.Errorf("Purge(%q, %q) = %v, want validation error", tt.from, tt.to, err)
		}
	}
	left, _ := svc.List(ctx, queue.LogFilter{})
	if len(left) != 1 {
		t.Errorf("remaining logs = %d, want 1", len(left))
	}
}

func TestPurge_UsesConfiguredTimezone(t *testing.T) {
	repo := testutil.NewRepo(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskDraft)
	loc := time.FixedZone("UTC+3", 3*3600)
	svc := tasklog.New(repo, loc, nil)
	ctx := testutil.TestContext(t)

	// 22:30 UTC on Jan 9 is already Jan 10 in UTC+3
	seedLogs(t, svc, time.Date(2024, 1, 9, 22, 30, 0, 0, time.UTC))

	if n, _ := svc.Purge(ctx, "2024-01-09", "2024-01-09"); n != 0 {
		t.Errorf("purge of Jan 9 deleted %d, want 0", n)
	}
	if n, _ := svc.Purge(ctx, "2024-01-10", "2024-01-10"); n != 1 {
		t.Errorf("purge of Jan 10 deleted %d, want 1", n)
	}
}

func TestStarted_FansOut(t *testing.T) {
	svc := tasklog.New(testutil.NewRepo(t), nil, nil)
	a, b := &recordingHook{}, &recordingHook{}
	svc.AddHook(a)
	svc.AddHook(b)
	svc.Started(context.Background(), domain.Job{ID: "job_1"})
	if len(a.started) != 1 || len(b.started) != 1 {
		t.Errorf("hooks saw %v and %v", a.started, b.started)
	}
}
