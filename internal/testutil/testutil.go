// Package testutil provides shared test helpers for taskd.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskd/internal/domain"
	"taskd/internal/queue"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// NewRepo opens a fresh SQLite database under t.TempDir with the schema applied.
func NewRepo(t *testing.T) queue.Repository {
	t.Helper()
	db, err := queue.Open(filepath.Join(t.TempDir(), "taskd.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return queue.NewSQLiteRepo(db)
}

// SeedTask creates a task with the ping handler in the given state.
func SeedTask(t *testing.T, repo queue.Repository, id string, state domain.TaskState) domain.Task {
	t.Helper()
	ctx := context.Background()
	task, err := repo.CreateTask(ctx, domain.Task{ID: id, Handler: "ping", Arguments: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	switch state {
	case domain.TaskSubmitted:
		task = mustTransition(t, repo, id, domain.TaskSubmitted)
	case domain.TaskCancelled:
		mustTransition(t, repo, id, domain.TaskSubmitted)
		task = mustTransition(t, repo, id, domain.TaskCancelled)
	}
	return task
}

func mustTransition(t *testing.T, repo queue.Repository, id string, to domain.TaskState) domain.Task {
	t.Helper()
	task, err := repo.TransitionTask(context.Background(), id, to, "test", time.Now())
	if err != nil {
		t.Fatalf("transition %s -> %s: %v", id, to, err)
	}
	return task
}

// Date returns midnight UTC of the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
