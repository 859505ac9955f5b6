package handlers

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/graph8/agent-gateway/internal/core/services"
	"github.com/graph8/agent-gateway/internal/protocol"
)

// socket is the part of *websocket.Conn an agent session needs.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	RemoteAddr() net.Addr
	Subprotocol() string
}

// agentSession serialises writes to one agent socket and implements
// ports.AgentConn. Once closed it refuses further writes, since the socket
// must not be touched after the handler returns.
type agentSession struct {
	id         string
	remoteAddr string
	sock       socket
	writeWait  time.Duration

	mu     sync.Mutex
	closed bool
}

func newAgentSession(sock socket, writeWait time.Duration) *agentSession {
	addr := ""
	if a := sock.RemoteAddr(); a != nil {
		addr = a.String()
	}
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &agentSession{
		id:         uuid.New().String(),
		remoteAddr: addr,
		sock:       sock,
		writeWait:  writeWait,
	}
}

func (s *agentSession) ID() string         { return s.id }
func (s *agentSession) RemoteAddr() string { return s.remoteAddr }

func (s *agentSession) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return services.ErrConnectionClosed
	}
	deadline := time.Now().Add(s.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.sock.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.sock.WriteMessage(websocket.TextMessage, body)
}

func (s *agentSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return services.ErrConnectionClosed
	}
	return s.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

// close sends a close frame if the socket is still writable and marks the
// session closed. Safe to call more than once.
func (s *agentSession) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// keepAlive pings the agent every interval until ctx is done or a ping fails.
func (s *agentSession) keepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}
