package domain

import "fmt"

type TaskState string

const (
	TaskDraft     TaskState = "draft"
	TaskSubmitted TaskState = "submitted"
	TaskCancelled TaskState = "cancelled"
)

var transitions = map[TaskState][]TaskState{
	TaskDraft:     {TaskSubmitted},
	TaskSubmitted: {TaskDraft, TaskCancelled},
}

func (s TaskState) Valid() bool {
	switch s {
	case TaskDraft, TaskSubmitted, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the task workflow allows moving from s to next.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both states when the move is not allowed.
func (s TaskState) CheckTransition(next TaskState) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

func (s TaskState) Editable() bool { return s == TaskDraft }

func (s TaskState) Deletable() bool { return s == TaskDraft || s == TaskCancelled }

// Runnable reports whether a manual run may be requested.
func (s TaskState) Runnable() bool { return s == TaskDraft || s == TaskSubmitted }
