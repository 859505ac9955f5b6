package domain

// Timeline resource types
const (
	ResourceTypeAgent = "agent"
	ResourceTypeTask  = "task"
)

// Agent timeline event types
const (
	EventTypeAgentConnected    = "AGENT_CONNECTED"
	EventTypeAgentRegistered   = "AGENT_REGISTERED"
	EventTypeAgentDisconnected = "AGENT_DISCONNECTED"
)

// Task timeline event types
const (
	EventTypeTaskCreated   = "TASK_CREATED"
	EventTypeTaskSent      = "TASK_SENT"
	EventTypeTaskAcked     = "TASK_ACKED"
	EventTypeTaskCompleted = "TASK_COMPLETED"
	EventTypeTaskFailed    = "TASK_FAILED"
	EventTypeTaskTimedOut  = "TASK_TIMED_OUT"
	EventTypeTaskExpired   = "TASK_EXPIRED"
)

// TaskEventType maps a task state to the timeline event recorded on entry.
func TaskEventType(s TaskState) string {
	switch s {
	case TaskStateCreated:
		return EventTypeTaskCreated
	case TaskStateSent:
		return EventTypeTaskSent
	case TaskStateAcked:
		return EventTypeTaskAcked
	case TaskStateCompleted:
		return EventTypeTaskCompleted
	case TaskStateFailed:
		return EventTypeTaskFailed
	case TaskStateTimedOut:
		return EventTypeTaskTimedOut
	}
	return ""
}
