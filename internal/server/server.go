package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kireilab/armory/internal/ratelimit"
)

// Server is the Armory HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): OptimizerSvc, EditorHealth,
// Limiter, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB          Pinger
	GenerateSvc GenerateService
	BanditSvc   BanditService
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	OptimizerSvc OptimizerService
	EditorHealth EditorHealth
	Limiter      ratelimit.Limiter

	// Operator auth: Argon2id hash of the operator key. Empty closes the
	// operator surface.
	OperatorKeyHash string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:           cfg.DB,
		GenerateSvc:  cfg.GenerateSvc,
		BanditSvc:    cfg.BanditSvc,
		OptimizerSvc: cfg.OptimizerSvc,
		EditorHealth: cfg.EditorHealth,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:  cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	generateRL := rateLimitMiddleware(limiter, "generate", cfg.Logger)
	feedbackRL := rateLimitMiddleware(limiter, "feedback", cfg.Logger)
	operator := requireOperator(cfg.OperatorKeyHash, cfg.Logger)

	mux := http.NewServeMux()

	// End-user endpoints (rate limited by IP).
	mux.Handle("POST /v1/generations", generateRL(http.HandlerFunc(h.HandleGenerate)))
	mux.Handle("POST /v1/feedback", feedbackRL(http.HandlerFunc(h.HandleFeedback)))

	// Reporting (operator key).
	mux.Handle("GET /v1/arms/metrics", operator(http.HandlerFunc(h.HandleArmMetrics)))

	// Arm lifecycle (operator key).
	mux.Handle("POST /v1/arms", operator(http.HandlerFunc(h.HandleRegisterArm)))
	mux.Handle("POST /v1/arms/{arm_id}/activate", operator(http.HandlerFunc(h.HandleActivateArm)))
	mux.Handle("POST /v1/arms/{arm_id}/deactivate", operator(http.HandlerFunc(h.HandleDeactivateArm)))

	// On-demand optimization (operator key).
	mux.Handle("POST /v1/optimize/{arm_id}", operator(http.HandlerFunc(h.HandleOptimize)))

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
