package ports

import (
	"context"
	"time"

	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/graph8/agent-gateway/internal/protocol"
)

// AgentConn is one live agent connection as seen by the core services.
// Send must be safe for concurrent use.
type AgentConn interface {
	ID() string
	RemoteAddr() string
	Send(ctx context.Context, msg protocol.Message) error
}

type ConnectionRegistry interface {
	Add(conn AgentConn)
	Register(conn AgentConn, identity domain.AgentIdentity) error
	Unregister(conn AgentConn)
	Lookup(agentID string) (AgentConn, bool)
	Identity(conn AgentConn) (domain.AgentIdentity, bool)
	SetStatus(conn AgentConn, status domain.AgentStatus)
	Touch(conn AgentConn)
	Agents() []domain.AgentInfo
	Count() int
}

type HeartbeatResponder interface {
	Respond(ctx context.Context, conn AgentConn) error
}

type TaskCoordinator interface {
	CreateAndSend(ctx context.Context, input CreateTaskInput) (string, error)
	OnAck(taskID, agentID string)
	OnResult(taskID string, success bool, results any)
	CheckTimeouts(now time.Time) []string
	Task(taskID string) (*domain.Task, bool)
	ActiveTasks(agentID string) []domain.Task
}

type CreateTaskInput struct {
	AgentID     string
	UserID      string
	Instruction string
	Metadata    domain.TaskMetadata
}

// TaskObserver is told about every task state change after it happened.
// TaskExpired reports a task dropped while still created because it was never
// delivered before its timeout; it has no state change of its own.
type TaskObserver interface {
	TaskTransitioned(task domain.Task, from domain.TaskState)
	TaskExpired(task domain.Task)
}

type TimelineRecorder interface {
	Record(event domain.TimelineEvent)
}
