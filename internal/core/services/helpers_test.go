package services

import (
	"context"
	"sync"
	"testing"

	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	"github.com/graph8/agent-gateway/internal/protocol"
	"go.uber.org/zap/zaptest"
)

// fakeConn records everything sent through it.
type fakeConn struct {
	id      string
	addr    string
	mu      sync.Mutex
	sent    []protocol.Message
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, addr: "10.0.0.1:5555"}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) Sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	return logger.FromZap(zaptest.NewLogger(t))
}
