package dto

import (
	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/domain"
)

type CreateTaskRequest struct {
	AgentID     string              `json:"agent_id" validate:"required"`
	UserID      string              `json:"user_id" validate:"required"`
	Instruction string              `json:"instruction" validate:"required"`
	Metadata    domain.TaskMetadata `json:"metadata"`
}

func (r *CreateTaskRequest) Validate() []string {
	var errors []string

	if r.AgentID == "" {
		errors = append(errors, "agent_id is required")
	}
	if r.UserID == "" {
		errors = append(errors, "user_id is required")
	}
	if r.Instruction == "" {
		errors = append(errors, "instruction is required")
	}
	if r.Metadata.TimeoutSeconds < 0 {
		errors = append(errors, "metadata.timeout_seconds must not be negative")
	}
	if r.Metadata.Priority != "" && !r.Metadata.Priority.Valid() {
		errors = append(errors, "metadata.priority must be one of high, medium, low")
	}

	return errors
}

func (r *CreateTaskRequest) ToInput() ports.CreateTaskInput {
	return ports.CreateTaskInput{
		AgentID:     r.AgentID,
		UserID:      r.UserID,
		Instruction: r.Instruction,
		Metadata:    r.Metadata,
	}
}

type CreateTaskResponse struct {
	TaskID string           `json:"task_id"`
	State  domain.TaskState `json:"state"`
	// Delivered is false when the agent was offline or the send failed.
	Delivered bool `json:"delivered"`
}

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
	Count int           `json:"count"`
}
