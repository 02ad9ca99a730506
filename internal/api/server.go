// Package api exposes the sync core to UI consumers over HTTP: queue and
// dead-letter inspection, drain triggers, connectivity toggling, the escape
// payload, merge, and the standard probe and metrics endpoints.
package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/flowdeck/syncd/internal/config"
	"github.com/flowdeck/syncd/internal/health"
	"github.com/flowdeck/syncd/internal/merge"
	"github.com/flowdeck/syncd/internal/metrics"
	"github.com/flowdeck/syncd/internal/notify"
	"github.com/flowdeck/syncd/internal/outbox"
	"github.com/flowdeck/syncd/internal/requestid"
	"github.com/flowdeck/syncd/internal/tracker"
)

// ProblemDetail is the RFC 7807 style error body returned by all handlers.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Server is the UI-facing Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	cfg      *config.Config
}

// NewServer creates and configures the API server.
func NewServer(
	cfg *config.Config,
	ob *outbox.Outbox,
	tr *tracker.Tracker,
	hub *notify.Hub,
	checker *health.Checker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	h := &Handlers{
		outbox:  ob,
		tracker: tr,
		hub:     hub,
		checker: checker,
		mergeOpts: merge.Options{
			ContentSimilarityCutoff: cfg.ContentSimilarityCutoff,
		},
		metrics: m,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s := &Server{app: app, handlers: h, logger: h.logger, cfg: cfg}
	s.setupMiddleware(logger)
	s.setupRoutes(m)
	return s
}

func (s *Server) setupMiddleware(logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Ensure(c.UserContext(), c.Get("X-Request-ID"))
		c.SetUserContext(ctx)
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if s.cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, X-Request-ID",
			AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		}))
	}

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		reqLog := requestid.Logger(c.UserContext(), logger)
		reqLog.Debug().
			Str("method", c.Method()).
			Str("path", path).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(m *metrics.Metrics) {
	h := s.handlers

	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	v1 := s.app.Group("/api/v1")

	v1.Get("/state", h.QueueState)
	v1.Get("/queue", h.ListQueue)
	v1.Post("/queue/actions", h.EnqueueAction)
	v1.Post("/queue/process", h.ProcessQueue)
	v1.Put("/online", h.SetOnline)
	v1.Get("/escape", h.EscapePayload)

	v1.Get("/dead-letters", h.ListDeadLetters)
	v1.Post("/dead-letters/:id/retry", h.RetryDeadLetter)
	v1.Delete("/dead-letters/:id", h.DismissDeadLetter)
	v1.Delete("/dead-letters", h.ClearDeadLetters)

	v1.Post("/projects/:id/merge", h.MergeProject)
	v1.Get("/projects/:id/changes", h.ProjectChanges)
	v1.Post("/projects/:id/abandon", h.AbandonProject)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.cfg.ListenAddr
	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("api server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
