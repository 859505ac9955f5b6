// Package protocol defines the JSON envelopes exchanged with agents over the
// control-plane WebSocket and the codec that reads and writes them.
//
// Every envelope is a JSON object carrying a "type" discriminator next to its
// fields. Inbound types this build does not know decode to *Unknown so newer
// agents keep working against older gateways.
package protocol

import (
	"time"

	"github.com/graph8/agent-gateway/internal/domain"
	jsoniter "github.com/json-iterator/go"
)

type MessageType string

const (
	TypeAgentRegister   MessageType = "agent_register"
	TypeAgentRegistered MessageType = "agent_registered"
	TypeAgentStatus     MessageType = "agent_status"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeHeartbeatAck    MessageType = "heartbeat_ack"
	TypeTask            MessageType = "task"
	TypeTaskAck         MessageType = "task_ack"
	TypeTaskResult      MessageType = "task_result"
)

// Message is one decoded envelope.
type Message interface {
	MessageType() MessageType
}

// ==================== AGENT -> SERVER ====================

// Timestamp is the advisory send time an agent stamps on its envelopes. It
// is kept verbatim, whatever its JSON type, and never validated.
type Timestamp = jsoniter.RawMessage

// NewTimestamp renders t the way the gateway itself stamps envelopes.
func NewTimestamp(t time.Time) Timestamp {
	b, _ := t.UTC().MarshalJSON()
	return b
}

type AgentRegister struct {
	AgentID   string             `json:"agent_id"`
	UserID    string             `json:"user_id"`
	Status    domain.AgentStatus `json:"status,omitempty"`
	Timestamp Timestamp          `json:"timestamp,omitempty"`
}

func (AgentRegister) MessageType() MessageType { return TypeAgentRegister }

func (m AgentRegister) Identity() domain.AgentIdentity {
	return domain.AgentIdentity{AgentID: m.AgentID, UserID: m.UserID}
}

type AgentStatus struct {
	AgentID   string             `json:"agent_id"`
	UserID    string             `json:"user_id,omitempty"`
	Status    domain.AgentStatus `json:"status"`
	Timestamp Timestamp          `json:"timestamp,omitempty"`
}

func (AgentStatus) MessageType() MessageType { return TypeAgentStatus }

type Heartbeat struct {
	Timestamp Timestamp `json:"timestamp,omitempty"`
}

func (Heartbeat) MessageType() MessageType { return TypeHeartbeat }

type TaskAck struct {
	TaskID    string             `json:"task_id"`
	AgentID   string             `json:"agent_id"`
	UserID    string             `json:"user_id,omitempty"`
	Status    domain.AgentStatus `json:"status,omitempty"`
	Timestamp Timestamp          `json:"timestamp,omitempty"`
}

func (TaskAck) MessageType() MessageType { return TypeTaskAck }

type TaskResult struct {
	TaskID    string             `json:"task_id"`
	AgentID   string             `json:"agent_id,omitempty"`
	UserID    string             `json:"user_id,omitempty"`
	Success   bool               `json:"success"`
	Results   any                `json:"results"`
	Status    domain.AgentStatus `json:"status,omitempty"`
	Timestamp Timestamp          `json:"timestamp,omitempty"`
}

func (TaskResult) MessageType() MessageType { return TypeTaskResult }

// ==================== SERVER -> AGENT ====================

type AgentRegistered struct {
	AgentID   string    `json:"agent_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (AgentRegistered) MessageType() MessageType { return TypeAgentRegistered }

func NewAgentRegistered(id domain.AgentIdentity, now time.Time) *AgentRegistered {
	return &AgentRegistered{AgentID: id.AgentID, UserID: id.UserID, Timestamp: now.UTC()}
}

type HeartbeatAck struct {
	Timestamp time.Time `json:"timestamp"`
}

func (HeartbeatAck) MessageType() MessageType { return TypeHeartbeatAck }

func NewHeartbeatAck(now time.Time) *HeartbeatAck {
	return &HeartbeatAck{Timestamp: now.UTC()}
}

type Task struct {
	TaskID      string              `json:"task_id"`
	AgentID     string              `json:"agent_id"`
	UserID      string              `json:"user_id"`
	Instruction string              `json:"instruction"`
	Metadata    domain.TaskMetadata `json:"metadata"`
	Timestamp   time.Time           `json:"timestamp"`
}

func (Task) MessageType() MessageType { return TypeTask }

func NewTask(t *domain.Task, now time.Time) *Task {
	return &Task{
		TaskID:      t.ID,
		AgentID:     t.AgentID,
		UserID:      t.UserID,
		Instruction: t.Instruction,
		Metadata:    t.Metadata,
		Timestamp:   now.UTC(),
	}
}

// ==================== FORWARD COMPATIBILITY ====================

// Unknown carries an envelope whose type this build does not recognise.
type Unknown struct {
	Type string
	Raw  []byte
}

func (u Unknown) MessageType() MessageType { return MessageType(u.Type) }
