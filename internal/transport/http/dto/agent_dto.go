package dto

import "github.com/graph8/agent-gateway/internal/domain"

type AgentListResponse struct {
	Agents      []domain.AgentInfo `json:"agents"`
	Count       int                `json:"count"`
	Connections int                `json:"connections"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
