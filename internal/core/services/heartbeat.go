package services

import (
	"context"
	"time"

	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/protocol"
)

// HeartbeatResponder answers agent keep-alives. It holds no per-agent state.
type HeartbeatResponder struct {
	now func() time.Time
}

func NewHeartbeatResponder() *HeartbeatResponder {
	return &HeartbeatResponder{now: time.Now}
}

// Respond sends heartbeat_ack on conn. A send error means the transport is gone.
func (h *HeartbeatResponder) Respond(ctx context.Context, conn ports.AgentConn) error {
	return conn.Send(ctx, protocol.NewHeartbeatAck(h.now()))
}
