package http

import (
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/graph8/agent-gateway/internal/config"
	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	"github.com/graph8/agent-gateway/internal/transport/http/handlers"
	httpmw "github.com/graph8/agent-gateway/internal/transport/http/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry ports.ConnectionRegistry
	Tasks    ports.TaskCoordinator
	Timeline ports.TimelineRepository
	Socket   *handlers.AgentSocketHandler
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	agentHandler := handlers.NewAgentHandler(cfg.Registry)
	taskHandler := handlers.NewTaskHandler(cfg.Tasks, cfg.Logger)
	timelineHandler := handlers.NewTimelineHandler(cfg.Timeline)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"connections": cfg.Registry.Count(),
		})
	})

	if cfg.Gatherer != nil && cfg.Config.Metrics.Enabled {
		app.Get(cfg.Config.Metrics.Path, adaptor.HTTPHandler(
			promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		))
	}

	// Agent WebSocket route
	agentCfg := cfg.Config.Agent
	app.Use(agentCfg.Path, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if agentCfg.RequireSubprotocol && !offersSubprotocol(c.Get("Sec-WebSocket-Protocol"), agentCfg.Subprotocol) {
			cfg.Logger.Warnw("agent_upgrade_rejected", "reason", "subprotocol not offered", "client_ip", c.IP())
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	app.Get(agentCfg.Path, websocket.New(cfg.Socket.Handle, websocket.Config{
		HandshakeTimeout: agentCfg.HandshakeTimeout,
		Subprotocols:     []string{agentCfg.Subprotocol},
		Origins:          agentCfg.AllowedOrigins,
	}))

	// API v1 routes
	api := app.Group("/api/v1", httpmw.AdminAuth(cfg.Config))

	api.Get("/agents", agentHandler.GetAgents)

	tasks := api.Group("/tasks")
	tasks.Post("/", taskHandler.CreateTask)
	tasks.Get("/", taskHandler.GetTasks)
	tasks.Get("/:id", taskHandler.GetTask)

	api.Get("/timeline", timelineHandler.GetEvents)
}

func offersSubprotocol(header, want string) bool {
	for _, p := range strings.Split(header, ",") {
		if strings.TrimSpace(p) == want {
			return true
		}
	}
	return false
}
