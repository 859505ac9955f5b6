package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/graph8/agent-gateway/internal/config"
	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/core/services"
	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	"github.com/graph8/agent-gateway/internal/infrastructure/metrics"
	"github.com/graph8/agent-gateway/internal/protocol"
	"golang.org/x/time/rate"
)

type AgentSocketHandlerConfig struct {
	Agent     config.AgentConfig
	Welcome   config.WelcomeTask
	Registry  ports.ConnectionRegistry
	Heartbeat ports.HeartbeatResponder
	Tasks     ports.TaskCoordinator
	Timeline  ports.TimelineRecorder
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// AgentSocketHandler runs the receive loop of every agent connection.
type AgentSocketHandler struct {
	cfg       config.AgentConfig
	welcome   config.WelcomeTask
	registry  ports.ConnectionRegistry
	heartbeat ports.HeartbeatResponder
	tasks     ports.TaskCoordinator
	timeline  ports.TimelineRecorder
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time

	// cancelled by Shutdown; every connection context derives from it
	baseCtx context.Context
	stop    context.CancelFunc
}

func NewAgentSocketHandler(cfg AgentSocketHandlerConfig) *AgentSocketHandler {
	baseCtx, stop := context.WithCancel(context.Background())
	return &AgentSocketHandler{
		baseCtx:   baseCtx,
		stop:      stop,
		cfg:       cfg.Agent,
		welcome:   cfg.Welcome,
		registry:  cfg.Registry,
		heartbeat: cfg.Heartbeat,
		tasks:     cfg.Tasks,
		timeline:  cfg.Timeline,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// Handle is the websocket.New callback.
func (h *AgentSocketHandler) Handle(c *websocket.Conn) {
	h.Serve(h.baseCtx, c)
}

// Shutdown ends every open agent connection with a going-away close frame.
func (h *AgentSocketHandler) Shutdown() {
	h.stop()
}

// agentConnection is the per-connection state of one receive loop.
type agentConnection struct {
	h        *AgentSocketHandler
	sess     *agentSession
	ctx      context.Context
	limiter  *rate.Limiter
	wg       sync.WaitGroup
	welcomed bool
}

// Serve processes frames from sock in order until the peer goes away, a
// write fails or ctx is cancelled.
func (h *AgentSocketHandler) Serve(parent context.Context, sock socket) {
	ctx, cancel := context.WithCancel(parent)
	sess := newAgentSession(sock, h.cfg.WriteWait)
	conn := &agentConnection{h: h, sess: sess, ctx: ctx}
	if h.cfg.MessagesPerSecond > 0 {
		burst := h.cfg.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		conn.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), burst)
	}

	h.registry.Add(sess)
	h.metrics.ConnectionOpened()
	h.record(services.AgentEvent(domain.EventTypeAgentConnected, sess.ID(), sess.RemoteAddr(), nil))
	h.logger.Infow("agent_connected",
		"connection_id", sess.ID(),
		"remote_addr", sess.RemoteAddr(),
		"subprotocol", sock.Subprotocol(),
	)

	defer func() {
		cancel()
		if parent.Err() != nil {
			sess.close(websocket.CloseGoingAway, "server shutting down")
		} else {
			sess.close(websocket.CloseNormalClosure, "")
		}
		conn.wg.Wait()

		var identity *domain.AgentIdentity
		if id, ok := h.registry.Identity(sess); ok {
			identity = &id
		}
		h.registry.Unregister(sess)
		h.metrics.ConnectionClosed()
		h.record(services.AgentEvent(domain.EventTypeAgentDisconnected, sess.ID(), sess.RemoteAddr(), identity))
		fields := []any{"connection_id", sess.ID()}
		if identity != nil {
			fields = append(fields, "agent_id", identity.AgentID)
		}
		h.logger.Infow("agent_disconnected", fields...)
	}()

	if h.cfg.MaxMessageBytes > 0 {
		sock.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	if h.cfg.PongWait > 0 {
		_ = sock.SetReadDeadline(h.now().Add(h.cfg.PongWait))
		sock.SetPongHandler(func(string) error {
			return sock.SetReadDeadline(h.now().Add(h.cfg.PongWait))
		})
	}
	// Unblock the read below when the connection context ends.
	conn.wg.Add(1)
	go func() {
		defer conn.wg.Done()
		<-ctx.Done()
		_ = sock.SetReadDeadline(time.Now())
	}()
	if h.cfg.PingInterval > 0 {
		conn.wg.Add(1)
		go func() {
			defer conn.wg.Done()
			sess.keepAlive(ctx, h.cfg.PingInterval)
		}()
	}

	conn.run()
}

func (c *agentConnection) run() {
	h := c.h
	for {
		_, raw, err := c.sess.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Warnw("agent_read_failed", "connection_id", c.sess.ID(), "error", err)
			}
			return
		}
		if h.cfg.PongWait > 0 {
			_ = c.sess.sock.SetReadDeadline(h.now().Add(h.cfg.PongWait))
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
		}
		if err := c.handleMessage(raw); err != nil {
			h.logger.Warnw("agent_write_failed", "connection_id", c.sess.ID(), "error", err)
			return
		}
	}
}

// handleMessage dispatches one frame. Only transport failures are returned.
func (c *agentConnection) handleMessage(raw []byte) error {
	h := c.h
	msg, err := protocol.Decode(raw)
	if err != nil {
		h.metrics.MalformedMessage()
		h.logger.Warnw("agent_message_malformed",
			"connection_id", c.sess.ID(),
			"bytes", len(raw),
			"error", err,
		)
		return nil
	}

	h.registry.Touch(c.sess)

	switch m := msg.(type) {
	case *protocol.AgentRegister:
		h.metrics.MessageReceived(string(m.MessageType()))
		return c.onRegister(m)

	case *protocol.Heartbeat:
		h.metrics.MessageReceived(string(m.MessageType()))
		return h.heartbeat.Respond(c.ctx, c.sess)

	case *protocol.TaskAck:
		h.metrics.MessageReceived(string(m.MessageType()))
		if identity, ok := h.registry.Identity(c.sess); ok && identity.AgentID != m.AgentID {
			h.logger.Warnw("task_ack_ignored",
				"connection_id", c.sess.ID(),
				"task_id", m.TaskID,
				"agent_id", m.AgentID,
				"bound_agent_id", identity.AgentID,
				"reason", "agent_id does not match the registered agent",
				"error", services.ErrUnknownTaskCorrelation,
			)
			return nil
		}
		c.reportStatus(m.Status)
		h.tasks.OnAck(m.TaskID, m.AgentID)

	case *protocol.TaskResult:
		h.metrics.MessageReceived(string(m.MessageType()))
		c.reportStatus(m.Status)
		h.tasks.OnResult(m.TaskID, m.Success, m.Results)

	case *protocol.AgentStatus:
		h.metrics.MessageReceived(string(m.MessageType()))
		c.reportStatus(m.Status)

	case *protocol.Unknown:
		h.metrics.MessageReceived("unknown")
		h.logger.Debugw("agent_message_unknown_type", "connection_id", c.sess.ID(), "type", m.Type)

	default:
		// server-to-agent envelopes echoed back by a peer
		h.metrics.MessageReceived(string(msg.MessageType()))
		h.logger.Debugw("agent_message_unexpected", "connection_id", c.sess.ID(), "type", msg.MessageType())
	}
	return nil
}

func (c *agentConnection) onRegister(m *protocol.AgentRegister) error {
	h := c.h
	identity := m.Identity()
	if err := h.registry.Register(c.sess, identity); err != nil {
		h.logger.Warnw("agent_register_rejected",
			"connection_id", c.sess.ID(),
			"agent_id", identity.AgentID,
			"user_id", identity.UserID,
			"error", err,
		)
		return nil
	}
	c.reportStatus(m.Status)

	if err := c.sess.Send(c.ctx, protocol.NewAgentRegistered(identity, h.now())); err != nil {
		return err
	}
	h.logger.Infow("agent_registered",
		"connection_id", c.sess.ID(),
		"agent_id", identity.AgentID,
		"user_id", identity.UserID,
	)

	if c.welcomed {
		return nil
	}
	c.welcomed = true
	h.record(services.AgentEvent(domain.EventTypeAgentRegistered, c.sess.ID(), c.sess.RemoteAddr(), &identity))
	if h.welcome.Enabled {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.sendWelcomeTask(identity)
		}()
	}
	return nil
}

// sendWelcomeTask waits out the configured delay so the task does not race
// the registration reply, then dispatches it unless the connection closed.
func (c *agentConnection) sendWelcomeTask(identity domain.AgentIdentity) {
	h := c.h
	timer := time.NewTimer(h.welcome.Delay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return
	case <-timer.C:
	}

	taskID, err := h.tasks.CreateAndSend(c.ctx, ports.CreateTaskInput{
		AgentID:     identity.AgentID,
		UserID:      identity.UserID,
		Instruction: h.welcome.Instruction,
		Metadata: domain.TaskMetadata{
			URL:            h.welcome.URL,
			Priority:       domain.TaskPriority(h.welcome.Priority),
			TimeoutSeconds: h.welcome.TimeoutSeconds,
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warnw("welcome_task_failed", "agent_id", identity.AgentID, "task_id", taskID, "error", err)
	}
}

func (c *agentConnection) reportStatus(status domain.AgentStatus) {
	if status == "" {
		return
	}
	c.h.registry.SetStatus(c.sess, status)
}

func (h *AgentSocketHandler) record(event domain.TimelineEvent) {
	if h.timeline != nil {
		h.timeline.Record(event)
	}
}
