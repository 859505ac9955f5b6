package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/transport/http/dto"
)

type AgentHandler struct {
	registry ports.ConnectionRegistry
}

func NewAgentHandler(registry ports.ConnectionRegistry) *AgentHandler {
	return &AgentHandler{registry: registry}
}

// GetAgents lists registered agents. Connections that have not sent
// agent_register yet only show up in the connections count.
func (h *AgentHandler) GetAgents(c *fiber.Ctx) error {
	agents := h.registry.Agents()
	return c.JSON(dto.AgentListResponse{
		Agents:      agents,
		Count:       len(agents),
		Connections: h.registry.Count(),
	})
}
