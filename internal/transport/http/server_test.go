package http

import (
	"context"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/graph8/agent-gateway/internal/config"
	"github.com/graph8/agent-gateway/internal/core/services"
	"github.com/graph8/agent-gateway/internal/infrastructure/db"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	"github.com/graph8/agent-gateway/internal/infrastructure/metrics"
	"github.com/graph8/agent-gateway/internal/transport/http/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	srv      *Server
	cfg      *config.Config
	registry *services.ConnectionRegistry
	tasks    *services.TaskCoordinator
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.PingInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	log := logger.FromZap(zaptest.NewLogger(t))
	promReg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(promReg, cfg.Metrics.Namespace)
	registry := services.NewConnectionRegistry(log)
	tasks := services.NewTaskCoordinator(registry, services.TaskCoordinatorConfig{
		DefaultTimeout:   cfg.Tasks.DefaultTimeout,
		OutcomeRetention: cfg.Tasks.OutcomeRetention,
		OutcomeCacheSize: cfg.Tasks.OutcomeCacheSize,
	}, log, m)
	socket := handlers.NewAgentSocketHandler(handlers.AgentSocketHandlerConfig{
		Agent:     cfg.Agent,
		Welcome:   cfg.Tasks.Welcome,
		Registry:  registry,
		Heartbeat: services.NewHeartbeatResponder(),
		Tasks:     tasks,
		Metrics:   m,
		Logger:    log,
	})

	srv := NewServer(RouterConfig{
		Config:   cfg,
		Logger:   log,
		Registry: registry,
		Tasks:    tasks,
		Timeline: db.NewTimelineRepoStub(log),
		Socket:   socket,
		Gatherer: promReg,
	})
	return &testServer{srv: srv, cfg: cfg, registry: registry, tasks: tasks}
}

// listen serves on a loopback port and returns the ws:// URL of the agent endpoint.
func (ts *testServer) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ts.srv.ListenOn(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.srv.Shutdown(ctx)
		<-done
	})
	return fmt.Sprintf("ws://%s%s", ln.Addr().String(), ts.cfg.Agent.Path)
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func dialAgent(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{
		Subprotocols:     []string{"graph8-agent"},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	return gjson.ParseBytes(raw)
}

func TestServer_AgentScenario(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Tasks.Welcome = config.WelcomeTask{
			Enabled:        true,
			Delay:          20 * time.Millisecond,
			Instruction:    "Go to LinkedIn and find software engineers",
			URL:            "https://www.linkedin.com",
			Priority:       "high",
			TimeoutSeconds: 300,
		}
	})
	conn := dialAgent(t, ts.listen(t))
	assert.Equal(t, "graph8-agent", conn.Subprotocol())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"agent_register","agent_id":"A1","user_id":"U1","status":"ready"}`)))

	registered := readFrame(t, conn)
	assert.Equal(t, "agent_registered", registered.Get("type").String())
	assert.Equal(t, "A1", registered.Get("agent_id").String())
	assert.Equal(t, "U1", registered.Get("user_id").String())
	assert.True(t, registered.Get("timestamp").Exists())

	task := readFrame(t, conn)
	require.Equal(t, "task", task.Get("type").String())
	taskID := task.Get("task_id").String()
	assert.NotEmpty(t, taskID)
	assert.Equal(t, "A1", task.Get("agent_id").String())
	assert.Equal(t, "https://www.linkedin.com", task.Get("metadata.url").String())
	assert.Equal(t, int64(300), task.Get("metadata.timeout_seconds").Int())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"task_ack","task_id":"`+taskID+`","agent_id":"A1","status":"busy"}`)))
	require.Eventually(t, func() bool {
		code, body := ts.do(t, nethttp.MethodGet, "/api/v1/tasks/"+taskID, "")
		return code == nethttp.StatusOK && gjson.Get(body, "state").String() == "acked"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"task_result","task_id":"`+taskID+`","success":true,"results":{"profiles":["a","b"]}}`)))
	require.Eventually(t, func() bool {
		code, body := ts.do(t, nethttp.MethodGet, "/api/v1/tasks/"+taskID, "")
		return code == nethttp.StatusOK && gjson.Get(body, "state").String() == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	_, body := ts.do(t, nethttp.MethodGet, "/api/v1/tasks/"+taskID, "")
	assert.Equal(t, int64(2), gjson.Get(body, "results.profiles.#").Int())
	assert.True(t, gjson.Get(body, "success").Bool())
}

func TestServer_MalformedFrameKeepsSocketOpen(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialAgent(t, ts.listen(t))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{{{ not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))

	ack := readFrame(t, conn)
	assert.Equal(t, "heartbeat_ack", ack.Get("type").String())
	assert.True(t, ack.Get("timestamp").Exists())
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialAgent(t, ts.listen(t))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"agent_register","agent_id":"A1","user_id":"U1"}`)))
	readFrame(t, conn)

	code, body := ts.do(t, nethttp.MethodGet, "/api/v1/agents", "")
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, int64(1), gjson.Get(body, "count").Int())
	assert.Equal(t, "A1", gjson.Get(body, "agents.0.agent_id").String())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool {
		_, ok := ts.registry.Lookup("A1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RequireSubprotocol(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.Agent.RequireSubprotocol = true })
	url := ts.listen(t)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusUpgradeRequired, resp.StatusCode)

	conn := dialAgent(t, url)
	assert.Equal(t, "graph8-agent", conn.Subprotocol())
}

func TestServer_PlainHTTPOnAgentPath(t *testing.T) {
	ts := newTestServer(t, nil)

	code, _ := ts.do(t, nethttp.MethodGet, ts.cfg.Agent.Path, "")
	assert.Equal(t, nethttp.StatusUpgradeRequired, code)
}

func TestServer_CreateTask(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.do(t, nethttp.MethodPost, "/api/v1/tasks",
		`{"agent_id":"offline","user_id":"U1","instruction":"open","metadata":{"url":"https://example.com"}}`)
	require.Equal(t, nethttp.StatusCreated, code, body)
	taskID := gjson.Get(body, "task_id").String()
	assert.NotEmpty(t, taskID)
	assert.Equal(t, "created", gjson.Get(body, "state").String())
	assert.False(t, gjson.Get(body, "delivered").Bool())

	code, body = ts.do(t, nethttp.MethodGet, "/api/v1/tasks?agent_id=offline", "")
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, int64(1), gjson.Get(body, "count").Int())
	assert.Equal(t, "medium", gjson.Get(body, "tasks.0.metadata.priority").String())

	code, _ = ts.do(t, nethttp.MethodGet, "/api/v1/tasks/"+taskID, "")
	assert.Equal(t, nethttp.StatusOK, code)
}

func TestServer_CreateTaskValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	code, _ := ts.do(t, nethttp.MethodPost, "/api/v1/tasks", `{not json`)
	assert.Equal(t, nethttp.StatusBadRequest, code)

	code, body := ts.do(t, nethttp.MethodPost, "/api/v1/tasks", `{"agent_id":"A1","metadata":{"priority":"urgent"}}`)
	assert.Equal(t, nethttp.StatusBadRequest, code)
	assert.Len(t, gjson.Get(body, "details").Array(), 3)
}

func TestServer_GetUnknownTask(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.do(t, nethttp.MethodGet, "/api/v1/tasks/task_missing", "")
	assert.Equal(t, nethttp.StatusNotFound, code)
	assert.Equal(t, services.ErrTaskNotFound.Error(), gjson.Get(body, "error").String())
}

func TestServer_AdminAuth(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.Auth.AdminAPIKey = "s3cret" })

	code, _ := ts.do(t, nethttp.MethodGet, "/api/v1/agents", "")
	assert.Equal(t, nethttp.StatusUnauthorized, code)

	code, _ = ts.do(t, nethttp.MethodGet, "/api/v1/agents", "", "X-Admin-Token", "wrong")
	assert.Equal(t, nethttp.StatusUnauthorized, code)

	code, _ = ts.do(t, nethttp.MethodGet, "/api/v1/agents", "", "X-Admin-Token", "s3cret")
	assert.Equal(t, nethttp.StatusOK, code)

	code, _ = ts.do(t, nethttp.MethodGet, "/api/v1/agents", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, nethttp.StatusOK, code)

	code, _ = ts.do(t, nethttp.MethodGet, "/health", "")
	assert.Equal(t, nethttp.StatusOK, code)
}

func TestServer_HealthMetricsAndTimeline(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.do(t, nethttp.MethodGet, "/health", "")
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, "ok", gjson.Get(body, "status").String())

	ts.do(t, nethttp.MethodPost, "/api/v1/tasks", `{"agent_id":"A1","user_id":"U1","instruction":"go"}`)

	code, body = ts.do(t, nethttp.MethodGet, ts.cfg.Metrics.Path, "")
	require.Equal(t, nethttp.StatusOK, code)
	assert.Contains(t, body, "agent_gateway_tasks_active 1")

	code, body = ts.do(t, nethttp.MethodGet, "/api/v1/timeline", "")
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, "[]", strings.TrimSpace(body))
}

func TestServer_RequestIDHeader(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.Features.RequestIDHeader = "X-Request-ID" })

	req := httptest.NewRequest(nethttp.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := ts.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}
