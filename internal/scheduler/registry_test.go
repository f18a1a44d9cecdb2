package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskd/internal/domain"
	"taskd/internal/queue"
	"taskd/internal/testutil"
)

func createSchedule(t *testing.T, repo queue.Repository, reg *Registry, s domain.Schedule, from time.Time) domain.Schedule {
	t.Helper()
	if err := reg.Prepare(&s, from); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	id, err := repo.CreateSchedule(testutil.TestContext(t), s)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	s.ID = id
	return s
}

func TestPrepare(t *testing.T) {
	reg := NewRegistry(nil, nil, nil)
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	s := domain.Schedule{TaskID: "t1", Frequency: domain.FrequencyDaily, Hour: intp(9), DayOfWeek: "mon"}
	if err := reg.Prepare(&s, from); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if s.CronExpr != "0 9 * * *" || s.DayOfWeek != "" || s.Timezone != "UTC" {
		t.Errorf("prepared = %q dow=%q tz=%q", s.CronExpr, s.DayOfWeek, s.Timezone)
	}
	if want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC); !s.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", s.NextRunAt, want)
	}

	bad := domain.Schedule{Frequency: domain.FrequencyDaily, Timezone: "Nowhere/City",
		Recipients: []domain.Recipient{{Email: "not-an-address"}}}
	err := reg.Prepare(&bad, from)
	var errs domain.ValidationErrors
	if !errors.As(err, &errs) || len(errs) != 3 {
		t.Errorf("Prepare(bad) = %v, want 3 validation errors", err)
	}

	never := domain.Schedule{TaskID: "t1", Frequency: domain.FrequencyCron, CronExpr: "0 0 30 2 *"}
	if err := reg.Prepare(&never, from); !domain.IsValidation(err) {
		t.Errorf("Prepare(Feb 30) = %v, want validation error", err)
	}
}

func TestComputeDue_SingleOccurrence(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	reg := NewRegistry(repo, nil, nil)
	testutil.SeedTask(t, repo, "daily", domain.TaskSubmitted)

	s := createSchedule(t, repo, reg, domain.Schedule{TaskID: "daily", Enabled: true, Frequency: domain.FrequencyDaily},
		time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC))

	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	due, err := reg.ComputeDue(ctx, now)
	if err != nil {
		t.Fatalf("ComputeDue: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}
	if want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); !due[0].OccurrenceAt.Equal(want) {
		t.Errorf("occurrence = %v, want %v", due[0].OccurrenceAt, want)
	}
	if !due[0].NextRunAt.After(now) {
		t.Errorf("next run %v is not after now", due[0].NextRunAt)
	}

	again, _ := reg.ComputeDue(ctx, now)
	if len(again) != 0 {
		t.Errorf("second scan due = %d, want 0", len(again))
	}
	stored, _ := repo.GetSchedule(ctx, s.ID)
	if !stored.NextRunAt.Equal(due[0].NextRunAt) {
		t.Errorf("stored next_run_at = %v, want %v", stored.NextRunAt, due[0].NextRunAt)
	}
}

func TestComputeDue_OnlySubmittedTasks(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	reg := NewRegistry(repo, nil, nil)
	testutil.SeedTask(t, repo, "draft", domain.TaskDraft)
	past := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	createSchedule(t, repo, reg, domain.Schedule{TaskID: "draft", Enabled: true, Frequency: domain.FrequencyDaily}, past)

	due, err := reg.ComputeDue(ctx, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil || len(due) != 0 {
		t.Errorf("ComputeDue for draft task = %d, %v; want none", len(due), err)
	}
}

func TestComputeDue_Concurrent(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)
	seed := NewRegistry(repo, nil, nil)
	createSchedule(t, repo, seed, domain.Schedule{TaskID: "t1", Enabled: true, Frequency: domain.FrequencyHourly, Minute: intp(0)},
		time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC))

	now := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			due, err := NewRegistry(repo, nil, nil).ComputeDue(ctx, now)
			if err != nil {
				t.Errorf("ComputeDue: %v", err)
				return
			}
			mu.Lock()
			total += len(due)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Errorf("concurrent scans selected %d occurrences, want 1", total)
	}
}

func TestComputeDue_SkipsMalformedRule(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	reg := NewRegistry(repo, nil, nil)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)

	past := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := repo.CreateSchedule(ctx, domain.Schedule{TaskID: "t1", Enabled: true, Frequency: domain.FrequencyCron,
		CronExpr: "every tuesday", NextRunAt: past}); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	createSchedule(t, repo, reg, domain.Schedule{TaskID: "t1", Enabled: true, Frequency: domain.FrequencyDaily}, past.Add(-time.Minute))

	due, err := reg.ComputeDue(ctx, past.Add(time.Hour))
	if err != nil {
		t.Fatalf("ComputeDue: %v", err)
	}
	if len(due) != 1 || due[0].Schedule.CronExpr != "0 0 * * *" {
		t.Errorf("due = %+v, want only the valid schedule", due)
	}
}

func TestRebuild(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	reg := NewRegistry(repo, nil, nil)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	good := createSchedule(t, repo, reg, domain.Schedule{TaskID: "t1", Enabled: true, Frequency: domain.FrequencyWeekly,
		DayOfWeek: "fri", Hour: intp(18)}, now)
	badID, err := repo.CreateSchedule(ctx, domain.Schedule{TaskID: "t1", Enabled: true, Frequency: domain.FrequencyCron,
		CronExpr: "61 * * * *", NextRunAt: now})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	summary, err := reg.Rebuild(ctx, now)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if summary.Rebuilt != 1 || len(summary.Disabled) != 1 || summary.Disabled[0].ScheduleID != badID {
		t.Fatalf("summary = %+v", summary)
	}
	bad, _ := repo.GetSchedule(ctx, badID)
	if bad.Enabled {
		t.Error("schedule that failed to rebuild is still enabled")
	}

	first, _ := repo.GetSchedule(ctx, good.ID)
	again, err := reg.Rebuild(ctx, now)
	if err != nil || again.Rebuilt != 1 || len(again.Disabled) != 0 {
		t.Fatalf("second Rebuild = %+v, %v", again, err)
	}
	second, _ := repo.GetSchedule(ctx, good.ID)
	if !first.NextRunAt.Equal(second.NextRunAt) || first.CronExpr != second.CronExpr {
		t.Errorf("rebuild is not idempotent: %v/%q then %v/%q", first.NextRunAt, first.CronExpr, second.NextRunAt, second.CronExpr)
	}
	all, _ := repo.ListSchedules(ctx)
	if len(all) != 2 {
		t.Errorf("rebuild changed the schedule count to %d", len(all))
	}
}

// scanningStore runs a scan right after the schedules were listed, the way a
// scheduler tick can interleave with a rebuild.
type scanningStore struct {
	queue.Repository
	scan func()
}

func (s *scanningStore) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	out, err := s.Repository.ListSchedules(ctx)
	if s.scan != nil {
		s.scan()
		s.scan = nil
	}
	return out, err
}

func TestRebuild_DoesNotReopenClaimedOccurrence(t *testing.T) {
	repo := testutil.NewRepo(t)
	ctx := testutil.TestContext(t)
	testutil.SeedTask(t, repo, "t1", domain.TaskSubmitted)
	scanner := NewRegistry(repo, nil, nil)
	s := createSchedule(t, repo, scanner, domain.Schedule{TaskID: "t1", Enabled: true, Frequency: domain.FrequencyDaily},
		time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC))

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var during []Due
	store := &scanningStore{Repository: repo, scan: func() {
		var err error
		if during, err = scanner.ComputeDue(ctx, now); err != nil {
			t.Errorf("ComputeDue during rebuild: %v", err)
		}
	}}

	summary, err := NewRegistry(store, nil, nil).Rebuild(ctx, now)
	if err != nil || summary.Rebuilt != 1 {
		t.Fatalf("Rebuild = %+v, %v", summary, err)
	}
	if len(during) != 1 {
		t.Fatalf("scan during rebuild = %d due, want 1", len(during))
	}

	after, err := scanner.ComputeDue(ctx, now)
	if err != nil {
		t.Fatalf("ComputeDue: %v", err)
	}
	if len(after) != 0 {
		t.Errorf("occurrence %v selected again after rebuild", after[0].OccurrenceAt)
	}
	stored, _ := repo.GetSchedule(ctx, s.ID)
	if want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC); !stored.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %v, want %v", stored.NextRunAt, want)
	}
}
