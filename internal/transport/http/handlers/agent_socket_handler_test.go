package handlers

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/graph8/agent-gateway/internal/config"
	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/core/services"
	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	"github.com/graph8/agent-gateway/internal/infrastructure/metrics"
	"github.com/graph8/agent-gateway/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errPeerGone = errors.New("peer gone")

// fakeSocket feeds frames from in and captures what the handler writes.
type fakeSocket struct {
	in       chan []byte
	out      chan []byte
	expired  chan struct{}
	expireMu sync.Once

	mu        sync.Mutex
	controls  []int
	readLimit int64
	writeErr  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:      make(chan []byte, 16),
		out:     make(chan []byte, 64),
		expired: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case raw, ok := <-s.in:
		if !ok {
			return 0, nil, errPeerGone
		}
		return websocket.TextMessage, raw, nil
	case <-s.expired:
		return 0, nil, errors.New("i/o timeout")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	err := s.writeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.out <- append([]byte(nil), data...)
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, _ []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, messageType)
	return nil
}

func (s *fakeSocket) SetReadDeadline(t time.Time) error {
	if !t.IsZero() && !t.After(time.Now()) {
		s.expireMu.Do(func() { close(s.expired) })
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error) {}
func (s *fakeSocket) Subprotocol() string               { return "graph8-agent" }

func (s *fakeSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (s *fakeSocket) SetReadLimit(limit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readLimit = limit
}

func (s *fakeSocket) failWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *fakeSocket) send(raw string) { s.in <- []byte(raw) }
func (s *fakeSocket) hangUp()         { close(s.in) }

func (s *fakeSocket) controlFrames() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.controls...)
}

// next waits for the next frame the handler wrote and decodes it.
func (s *fakeSocket) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case raw := <-s.out:
		msg, err := protocol.Decode(raw)
		require.NoError(t, err, "handler wrote an undecodable frame: %s", raw)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (s *fakeSocket) assertSilent(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-s.out:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(wait):
	}
}

type socketFixture struct {
	handler  *AgentSocketHandler
	registry *services.ConnectionRegistry
	tasks    *services.TaskCoordinator
	promReg  *prometheus.Registry
}

func newSocketFixture(t *testing.T, welcome config.WelcomeTask) *socketFixture {
	t.Helper()
	log := logger.FromZap(zaptest.NewLogger(t))
	promReg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(promReg, "test")
	registry := services.NewConnectionRegistry(log)
	tasks := services.NewTaskCoordinator(registry, services.TaskCoordinatorConfig{DefaultTimeout: time.Minute}, log, m)

	cfg := config.Default().Agent
	cfg.PingInterval = 0

	return &socketFixture{
		handler: NewAgentSocketHandler(AgentSocketHandlerConfig{
			Agent:     cfg,
			Welcome:   welcome,
			Registry:  registry,
			Heartbeat: services.NewHeartbeatResponder(),
			Tasks:     tasks,
			Metrics:   m,
			Logger:    log,
		}),
		registry: registry,
		tasks:    tasks,
		promReg:  promReg,
	}
}

// serve runs the handler on sock and returns a channel closed when it exits.
func (f *socketFixture) serve(t *testing.T, sock *fakeSocket) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.Serve(f.handler.baseCtx, sock)
	}()
	t.Cleanup(func() {
		f.handler.Shutdown()
		<-done
	})
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestAgentSocket_RegisterRepliesWithEcho(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{})
	sock := newFakeSocket()
	f.serve(t, sock)

	sock.send(`{"type":"agent_register","agent_id":"A1","user_id":"U1","status":"ready"}`)

	reply, ok := sock.next(t).(*protocol.AgentRegistered)
	require.True(t, ok)
	assert.Equal(t, "A1", reply.AgentID)
	assert.Equal(t, "U1", reply.UserID)
	assert.False(t, reply.Timestamp.IsZero())
	sock.assertSilent(t, 50*time.Millisecond)

	_, found := f.registry.Lookup("A1")
	assert.True(t, found)
	agents := f.registry.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, domain.AgentStatusReady, agents[0].Status)
}

func TestAgentSocket_OneAckPerHeartbeat(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{})
	sock := newFakeSocket()
	f.serve(t, sock)

	for i := 0; i < 3; i++ {
		sock.send(`{"type":"heartbeat","timestamp":"2025-01-01T00:00:00Z"}`)
	}
	for i := 0; i < 3; i++ {
		_, ok := sock.next(t).(*protocol.HeartbeatAck)
		require.True(t, ok)
	}
	sock.assertSilent(t, 50*time.Millisecond)
	assert.Empty(t, f.registry.Agents())
}

func TestAgentSocket_MalformedInputKeepsConnectionOpen(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{})
	sock := newFakeSocket()
	done := f.serve(t, sock)

	sock.send(`this is not json`)
	sock.send(`{"agent_id":"A1"}`)
	sock.send(`{"type":"agent_register","agent_id":"A1"}`)
	sock.assertSilent(t, 50*time.Millisecond)

	select {
	case <-done:
		t.Fatal("handler exited on malformed input")
	default:
	}

	sock.send(`{"type":"heartbeat"}`)
	_, ok := sock.next(t).(*protocol.HeartbeatAck)
	assert.True(t, ok)
	count, err := testutil.GatherAndCount(f.promReg, "test_agent_messages_malformed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, testutil.GatherAndCompare(f.promReg, strings.NewReader(`
# HELP test_agent_messages_malformed_total Inbound frames that could not be decoded.
# TYPE test_agent_messages_malformed_total counter
test_agent_messages_malformed_total 3
`), "test_agent_messages_malformed_total"))
}

func TestAgentSocket_UnknownTypeIsIgnored(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{})
	sock := newFakeSocket()
	f.serve(t, sock)

	sock.send(`{"type":"screen_capture","frame":1}`)
	sock.assertSilent(t, 50*time.Millisecond)
}

func TestAgentSocket_WelcomeTaskLifecycle(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{
		Enabled:        true,
		Delay:          10 * time.Millisecond,
		Instruction:    "Go to LinkedIn and find engineers",
		URL:            "https://www.linkedin.com",
		Priority:       "high",
		TimeoutSeconds: 300,
	})
	sock := newFakeSocket()
	f.serve(t, sock)

	sock.send(`{"type":"agent_register","agent_id":"A1","user_id":"U1"}`)
	_, ok := sock.next(t).(*protocol.AgentRegistered)
	require.True(t, ok)

	task, ok := sock.next(t).(*protocol.Task)
	require.True(t, ok, "expected a task after the welcome delay")
	assert.Regexp(t, `^task_`, task.TaskID)
	assert.Equal(t, "A1", task.AgentID)
	assert.Equal(t, "U1", task.UserID)
	assert.Equal(t, domain.TaskPriorityHigh, task.Metadata.Priority)

	sock.send(`{"type":"task_ack","task_id":"` + task.TaskID + `","agent_id":"A1","status":"busy"}`)
	require.Eventually(t, func() bool {
		got, ok := f.tasks.Task(task.TaskID)
		return ok && got.State == domain.TaskStateAcked
	}, time.Second, 5*time.Millisecond)

	sock.send(`{"type":"task_result","task_id":"` + task.TaskID + `","success":true,"results":{"profiles":2}}`)
	require.Eventually(t, func() bool {
		got, ok := f.tasks.Task(task.TaskID)
		return ok && got.State == domain.TaskStateCompleted
	}, time.Second, 5*time.Millisecond)

	got, _ := f.tasks.Task(task.TaskID)
	assert.Equal(t, map[string]any{"profiles": float64(2)}, got.Results)
}

func TestAgentSocket_StatusReportsUpdateRegistry(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{})
	sock := newFakeSocket()
	f.serve(t, sock)

	statusOf := func() domain.AgentStatus {
		agents := f.registry.Agents()
		if len(agents) != 1 {
			return ""
		}
		return agents[0].Status
	}

	sock.send(`{"type":"agent_register","agent_id":"A1","user_id":"U1","status":"ready"}`)
	_, ok := sock.next(t).(*protocol.AgentRegistered)
	require.True(t, ok)

	sock.send(`{"type":"agent_status","agent_id":"A1","status":"busy"}`)
	require.Eventually(t, func() bool { return statusOf() == domain.AgentStatusBusy }, time.Second, 5*time.Millisecond)

	taskID, err := f.tasks.CreateAndSend(context.Background(), ports.CreateTaskInput{
		AgentID: "A1", UserID: "U1", Instruction: "open the inbox",
	})
	require.NoError(t, err)
	_, ok = sock.next(t).(*protocol.Task)
	require.True(t, ok)

	sock.send(`{"type":"task_ack","task_id":"` + taskID + `","agent_id":"A1","status":"ready"}`)
	require.Eventually(t, func() bool { return statusOf() == domain.AgentStatusReady }, time.Second, 5*time.Millisecond)

	// Result frame exactly as the browser extension sends it: no success
	// field, outcome carried by status.
	sock.send(`{"type":"task_result","agent_id":"A1","user_id":"U1","task_id":"` + taskID + `","status":"error","result":{"error":"No active tab"},"timestamp":"2025-01-02T03:04:05.000Z"}`)
	require.Eventually(t, func() bool {
		got, ok := f.tasks.Task(taskID)
		return ok && got.State == domain.TaskStateFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.AgentStatusError, statusOf())
}

func TestAgentSocket_ReRegisterDoesNotResendWelcome(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{Enabled: true, Delay: time.Millisecond, Instruction: "hi", URL: "https://example.com"})
	sock := newFakeSocket()
	f.serve(t, sock)

	sock.send(`{"type":"agent_register","agent_id":"A1","user_id":"U1"}`)
	sock.next(t)
	sock.next(t)

	sock.send(`{"type":"agent_register","agent_id":"A1","user_id":"U1"}`)
	_, ok := sock.next(t).(*protocol.AgentRegistered)
	require.True(t, ok)

	// A different identity on the same connection is refused without a reply.
	sock.send(`{"type":"agent_register","agent_id":"A2","user_id":"U1"}`)
	sock.assertSilent(t, 50*time.Millisecond)
	assert.Len(t, f.tasks.ActiveTasks("A1"), 1)
}

func TestAgentSocket_AckForAnotherAgentIsIgnored(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{Enabled: true, Delay: time.Millisecond, Instruction: "hi", URL: "https://example.com"})
	sock := newFakeSocket()
	f.serve(t, sock)

	sock.send(`{"type":"agent_register","agent_id":"A1","user_id":"U1"}`)
	sock.next(t)
	task := sock.next(t).(*protocol.Task)

	sock.send(`{"type":"task_ack","task_id":"` + task.TaskID + `","agent_id":"A2"}`)
	sock.send(`{"type":"task_ack","task_id":"task_unknown","agent_id":"A1"}`)
	sock.send(`{"type":"heartbeat"}`)
	sock.next(t)

	got, ok := f.tasks.Task(task.TaskID)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStateSent, got.State)
}

func TestAgentSocket_CloseUnregisters(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{})
	sock := newFakeSocket()
	done := f.serve(t, sock)

	sock.send(`{"type":"agent_register","agent_id":"A1","user_id":"U1"}`)
	sock.next(t)
	sock.hangUp()
	waitDone(t, done)

	_, ok := f.registry.Lookup("A1")
	assert.False(t, ok)
	assert.Zero(t, f.registry.Count())
}

func TestAgentSocket_CloseCancelsPendingWelcome(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{Enabled: true, Delay: time.Hour, Instruction: "hi", URL: "https://example.com"})
	sock := newFakeSocket()
	done := f.serve(t, sock)

	sock.send(`{"type":"agent_register","agent_id":"A1","user_id":"U1"}`)
	sock.next(t)
	sock.hangUp()
	waitDone(t, done)

	assert.Empty(t, f.tasks.ActiveTasks(""))
}

func TestAgentSocket_WriteFailureEndsSession(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{})
	sock := newFakeSocket()
	done := f.serve(t, sock)

	sock.failWrites(errors.New("broken pipe"))
	sock.send(`{"type":"heartbeat"}`)
	waitDone(t, done)

	assert.Zero(t, f.registry.Count())
}

func TestAgentSocket_ShutdownSendsGoingAway(t *testing.T) {
	f := newSocketFixture(t, config.WelcomeTask{})
	sock := newFakeSocket()
	done := f.serve(t, sock)

	sock.send(`{"type":"heartbeat"}`)
	sock.next(t)
	f.handler.Shutdown()
	waitDone(t, done)

	assert.Contains(t, sock.controlFrames(), websocket.CloseMessage)
	sock.mu.Lock()
	defer sock.mu.Unlock()
	assert.Equal(t, config.Default().Agent.MaxMessageBytes, sock.readLimit)
}

func TestAgentSession_RefusesWritesAfterClose(t *testing.T) {
	sess := newAgentSession(newFakeSocket(), time.Second)
	sess.close(websocket.CloseNormalClosure, "")

	err := sess.Send(context.Background(), protocol.NewHeartbeatAck(time.Now()))
	assert.ErrorIs(t, err, services.ErrConnectionClosed)
	assert.ErrorIs(t, sess.ping(), services.ErrConnectionClosed)
}
