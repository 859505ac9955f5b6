package domain

import "time"

type TaskState string

const (
	TaskStateCreated   TaskState = "created"
	TaskStateSent      TaskState = "sent"
	TaskStateAcked     TaskState = "acked"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateTimedOut  TaskState = "timed_out"
)

// IsTerminal reports whether no further transition is defined out of s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is an edge of the task state machine.
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case TaskStateCreated:
		return next == TaskStateSent
	case TaskStateSent:
		return next == TaskStateAcked || next == TaskStateCompleted ||
			next == TaskStateFailed || next == TaskStateTimedOut
	case TaskStateAcked:
		return next == TaskStateCompleted || next == TaskStateFailed || next == TaskStateTimedOut
	}
	return false
}

type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityLow    TaskPriority = "low"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow:
		return true
	}
	return false
}

type TaskMetadata struct {
	URL             string       `json:"url"`
	Priority        TaskPriority `json:"priority"`
	TimeoutSeconds  int          `json:"timeout_seconds"`
	ExpectedActions []string     `json:"expected_actions,omitempty"`
}

// Timeout returns the metadata timeout as a duration.
func (m TaskMetadata) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

type Task struct {
	ID          string       `json:"task_id"`
	AgentID     string       `json:"agent_id"`
	UserID      string       `json:"user_id"`
	Instruction string       `json:"instruction"`
	Metadata    TaskMetadata `json:"metadata"`
	State       TaskState    `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
	AckedAt     *time.Time   `json:"acked_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Success     *bool        `json:"success,omitempty"`
	Results     any          `json:"results,omitempty"`
}

// Expired reports whether the task's timeout has elapsed at now.
// A non-positive timeout never expires.
func (t *Task) Expired(now time.Time) bool {
	if t.Metadata.TimeoutSeconds <= 0 {
		return false
	}
	return !now.Before(t.CreatedAt.Add(t.Metadata.Timeout()))
}
