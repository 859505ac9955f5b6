package services

import (
	"context"
	"testing"
	"time"

	"github.com/graph8/agent-gateway/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatResponder_SendsAck(t *testing.T) {
	fixed := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	h := NewHeartbeatResponder()
	h.now = func() time.Time { return fixed }

	conn := newFakeConn("c1")
	require.NoError(t, h.Respond(context.Background(), conn))

	sent := conn.Sent()
	require.Len(t, sent, 1)
	ack, ok := sent[0].(*protocol.HeartbeatAck)
	require.True(t, ok)
	assert.True(t, ack.Timestamp.Equal(fixed))
}

func TestHeartbeatResponder_ReturnsSendError(t *testing.T) {
	conn := newFakeConn("c1")
	conn.failSends(ErrConnectionClosed)

	err := NewHeartbeatResponder().Respond(context.Background(), conn)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
