package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/cohort/internal/auth"
	"github.com/ashita-ai/cohort/internal/ratelimit"
	"github.com/ashita-ai/cohort/internal/service/session"
)

// Server is the cohort HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter is optional (nil = no rate limiting). OperatorKeyHash is optional
// (empty = POST /auth/token is not served).
type ServerConfig struct {
	// Required dependencies.
	Sessions *session.Service
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional dependencies.
	Limiter         ratelimit.Limiter
	OperatorKeyHash string
	OpenAPISpec     []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Sessions:            cfg.Sessions,
		JWTMgr:              cfg.JWTMgr,
		OperatorKeyHash:     cfg.OperatorKeyHash,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	byIP := rateLimit(limiter, cfg.Logger, "auth", ipKey)
	byOperator := rateLimit(limiter, cfg.Logger, "api", operatorKey)

	mux := http.NewServeMux()

	// Token exchange (no auth, limited by IP).
	if cfg.OperatorKeyHash != "" {
		mux.Handle("POST /auth/token", byIP(http.HandlerFunc(h.HandleAuthToken)))
	}

	// Batches.
	mux.Handle("POST /v1/batches", byOperator(http.HandlerFunc(h.HandleCreateBatch)))
	mux.Handle("GET /v1/batches/{batch_id}/phases", byOperator(http.HandlerFunc(h.HandleBatchPhases)))
	mux.Handle("POST /v1/batches/{batch_id}/games", byOperator(http.HandlerFunc(h.HandleDispatch)))
	mux.Handle("POST /v1/batches/{batch_id}/close", byOperator(http.HandlerFunc(h.HandleCloseBatch)))

	// Participants.
	mux.Handle("PUT /v1/batches/{batch_id}/participants/{participant_id}", byOperator(http.HandlerFunc(h.HandleUpsertParticipant)))
	mux.Handle("POST /v1/participants/{participant_id}/exit", byOperator(http.HandlerFunc(h.HandleExit)))

	// Exit surveys.
	mux.Handle("GET /v1/surveys/{survey_id}/sessions/{session_id}", byOperator(http.HandlerFunc(h.HandleExitSurvey)))

	// Health and API description (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
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
		handler: handler,
		logger:  cfg.Logger,
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
