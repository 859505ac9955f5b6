package http

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/graph8/agent-gateway/internal/config"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type requestIDKey struct{}

// RequestID returns the id the request-id middleware stored in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Server is the HTTP listener carrying the agent WebSocket endpoint and the
// operator API.
type Server struct {
	app    *fiber.App
	cfg    *config.Config
	log    *logger.Logger
	routes RouterConfig
}

func NewServer(routes RouterConfig) *Server {
	cfg := routes.Config
	log := routes.Logger

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "*"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Token",
		AllowMethods: "GET, POST, HEAD",
	}))

	app.Use(func(c *fiber.Ctx) error {
		hdr := cfg.Features.RequestIDHeader
		var reqID string
		if hdr != "" {
			reqID = c.Get(hdr)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		if hdr != "" {
			c.Set(hdr, reqID)
		}
		c.SetUserContext(context.WithValue(c.UserContext(), requestIDKey{}, reqID))
		return c.Next()
	})

	if cfg.Features.EnableRequestLogging {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			routePath := ""
			if c.Route() != nil {
				routePath = c.Route().Path
			}
			log.Infow("http_access",
				"method", c.Method(),
				"path", c.Path(),
				"route", routePath,
				"status", c.Response().StatusCode(),
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", c.IP(),
				"user_agent", string(c.Request().Header.UserAgent()),
				"request_id", RequestID(c.UserContext()),
			)
			return err
		})
	}

	SetupRoutes(app, routes)

	return &Server{app: app, cfg: cfg, log: log, routes: routes}
}

func (s *Server) App() *fiber.App {
	return s.app
}

// Listen binds server.host:server.port and serves until Shutdown.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return err
	}
	return s.ListenOn(ln)
}

func (s *Server) ListenOn(ln net.Listener) error {
	s.log.Infow("server_listening", "addr", ln.Addr().String(), "agent_path", s.cfg.Agent.Path)
	return s.app.Listener(ln)
}

// Shutdown closes agent sockets first, then stops accepting HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.routes.Socket != nil {
		s.routes.Socket.Shutdown()
	}
	return s.app.ShutdownWithContext(ctx)
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code < fiber.StatusInternalServerError {
			log.Warnw("request_failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", RequestID(c.UserContext()),
			)
		} else {
			log.Errorw("request_error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", RequestID(c.UserContext()),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}
