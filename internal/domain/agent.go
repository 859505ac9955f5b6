package domain

import "time"

type AgentIdentity struct {
	AgentID string `json:"agent_id"`
	UserID  string `json:"user_id"`
}

type AgentStatus string

const (
	AgentStatusConnected AgentStatus = "connected"
	AgentStatusReady     AgentStatus = "ready"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusError     AgentStatus = "error"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusConnected, AgentStatusReady, AgentStatusBusy, AgentStatusError:
		return true
	}
	return false
}

// AgentInfo is a point-in-time view of a registered connection.
type AgentInfo struct {
	ConnectionID string      `json:"connection_id"`
	AgentID      string      `json:"agent_id"`
	UserID       string      `json:"user_id"`
	Status       AgentStatus `json:"status"`
	RemoteAddr   string      `json:"remote_addr"`
	ConnectedAt  time.Time   `json:"connected_at"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastSeenAt   time.Time   `json:"last_seen_at"`
}
