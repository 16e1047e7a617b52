package taskrelay

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusCancelled:
		return true
	}
	return false
}

type TaskPriority string

const (
	TaskPriorityNone   TaskPriority = ""
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityNone, TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh:
		return true
	}
	return false
}

// Task is the unit replicated to every configured backend. Backends receive
// it by value and must not retain references into it.
type Task struct {
	ID          string       `json:"id" yaml:"id"`
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Status      TaskStatus   `json:"status" yaml:"status"`
	Priority    TaskPriority `json:"priority,omitempty" yaml:"priority,omitempty"`
	Due         *time.Time   `json:"due,omitempty" yaml:"due,omitempty"`
	Channel     string       `json:"channel,omitempty" yaml:"channel,omitempty"`
	Sender      string       `json:"sender,omitempty" yaml:"sender,omitempty"`
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: task title is required", ErrInvalidInput)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown task status %q", ErrInvalidInput, t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown task priority %q", ErrInvalidInput, t.Priority)
	}
	return nil
}

// Normalized fills defaults for fields a caller may leave empty.
func (t Task) Normalized() Task {
	t.Title = strings.TrimSpace(t.Title)
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	t.Priority = TaskPriority(strings.ToLower(strings.TrimSpace(string(t.Priority))))
	if t.Due != nil {
		due := t.Due.UTC()
		t.Due = &due
	}
	return t
}
