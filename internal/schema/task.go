package schema

import "fmt"

// TaskStatus is the board column of a task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in-progress"
	TaskDone       TaskStatus = "done"
)

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone:
		return true
	}
	return false
}

// TaskPriority orders tasks within a column.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

// IsValid reports whether p is a known priority.
func (p TaskPriority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Task is an action item, optionally linked to a moment in a transcript.
type Task struct {
	Meta
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Status          TaskStatus   `json:"status"`
	Priority        TaskPriority `json:"priority"`
	Assignee        string       `json:"owner,omitempty"` // free text, not the principal
	DueDate         string       `json:"dueDate,omitempty"`
	TranscriptionID string       `json:"transcriptionId,omitempty"`
	LinkedTimestamp *float64     `json:"linkedTimestamp,omitempty"`
	Tags            []string     `json:"tags"`
	SortOrder       int          `json:"sortOrder"`
	CompletedAt     int64        `json:"completedAt,omitempty"`
	SharedWith      []string     `json:"sharedWith,omitempty"`
}

// NewTask creates a todo task with medium priority.
func NewTask(title string) *Task {
	t := &Task{
		Title:    title,
		Status:   TaskTodo,
		Priority: PriorityMedium,
		Tags:     []string{},
	}
	t.init(NowMillis())
	return t
}

func (t *Task) TableName() Table { return TableTasks }
func (t *Task) Parent() string   { return t.TranscriptionID }

// SetStatus moves the task and maintains CompletedAt.
func (t *Task) SetStatus(status TaskStatus, now int64) {
	t.Status = status
	if status == TaskDone {
		t.CompletedAt = now
	} else {
		t.CompletedAt = 0
	}
	t.Touch(now)
}

// Validate checks required fields.
func (t *Task) Validate() error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", t.Status)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %q", t.Priority)
	}
	return nil
}
