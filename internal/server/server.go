package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kizuna/internal/auth"
	"github.com/ashita-ai/kizuna/internal/ctxutil"
	"github.com/ashita-ai/kizuna/internal/federation"
	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/ratelimit"
)

// Server is the Kizuna HTTP server.
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

// authTokenRule bounds API key guessing on POST /auth/token.
var authTokenRule = ratelimit.Rule{Prefix: "auth_token", Limit: 10, Window: time.Minute}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): DB, Redis, Limiter, AuthWindow, MCPServer, Metrics.
type ServerConfig struct {
	// Required dependencies.
	Engine    *federation.Engine
	Operators OperatorStore
	JWTMgr    *auth.JWTManager
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	DB      Pinger
	Redis   Pinger
	Limiter ratelimit.Limiter

	// AuthWindow caps token exchanges per client IP across replicas.
	AuthWindow *ratelimit.Window
	MCPServer  *mcpserver.MCPServer
	Metrics    http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	Instance            string
	KafkaEnabled        bool
	MaxRequestBodyBytes int64
	SSEKeepalive        time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Operators:           cfg.Operators,
		DB:                  cfg.DB,
		Redis:               cfg.Redis,
		JWTMgr:              cfg.JWTMgr,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		Instance:            cfg.Instance,
		KafkaEnabled:        cfg.KafkaEnabled,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Keepalive:           cfg.SSEKeepalive,
	})

	mux := http.NewServeMux()

	authLimit := ratelimit.Middleware(cfg.AuthWindow, authTokenRule, ratelimit.IPKeyFunc,
		func(r *http.Request) string { return ctxutil.RequestIDFromContext(r.Context()) })
	mux.Handle("POST /auth/token", authLimit(http.HandlerFunc(h.HandleAuthToken)))

	readRole := requireRole(model.RoleReader)
	writeRole := requireRole(model.RoleOperator)
	adminOnly := requireRole(model.RoleAdmin)
	read := func(pattern string, fn http.HandlerFunc) { mux.Handle(pattern, readRole(fn)) }
	write := func(pattern string, fn http.HandlerFunc) { mux.Handle(pattern, writeRole(fn)) }

	// Federation status and state changes.
	read("GET /v1/federation", h.HandleListFederation)
	read("GET /v1/federation/{domain}", h.HandleFederationStatus)
	read("GET /v1/federation/{domain}/history", h.HandleFederationHistory)
	write("POST /v1/federation/{domain}/pause", h.HandlePause)
	write("POST /v1/federation/{domain}/resume", h.HandleResume)
	write("PUT /v1/federation/{domain}/limit", h.HandleSetLimit)
	write("POST /v1/federation/{domain}/block", h.HandleBlock)
	write("POST /v1/federation/{domain}/unblock", h.HandleUnblock)
	write("POST /v1/federation/{domain}/defederate", h.HandleDefederate)
	write("POST /v1/federation/{domain}/admit", h.HandleAdmit)
	read("GET /v1/limits", h.HandleListLimits)

	// Health.
	read("GET /v1/health", h.HandleFederationHealth)
	read("GET /v1/health/{domain}", h.HandleInstanceHealth)
	write("POST /v1/health/{domain}", h.HandleReportHealth)

	// Budgets and costs.
	read("GET /v1/budgets", h.HandleListBudgets)
	read("GET /v1/budgets/{domain}", h.HandleGetBudget)
	write("PUT /v1/budgets/{domain}", h.HandleSetBudget)
	read("GET /v1/costs", h.HandleCostBreakdown)
	read("GET /v1/costs/projections", h.HandleCostProjections)
	read("GET /v1/costs/{domain}", h.HandleInstanceCost)
	read("GET /v1/costs/{domain}/items", h.HandleRecentCosts)
	write("POST /v1/costs", h.HandleRecordCost)
	write("POST /v1/costs/optimize", h.HandleOptimize)

	// Severances.
	read("GET /v1/severances", h.HandleListSeverances)
	read("GET /v1/severances/{id}", h.HandleGetSeverance)
	write("POST /v1/severances/{id}/acknowledge", h.HandleAcknowledge)
	write("POST /v1/severances/{id}/reconnect", h.HandleReconnect)

	// Push streams (SSE, long-lived).
	read("GET /v1/streams/health", h.HandleHealthStream)
	read("GET /v1/streams/budget-alerts", h.HandleBudgetAlertStream)
	read("GET /v1/streams/cost-alerts", h.HandleCostAlertStream)
	read("GET /v1/streams/cost-updates", h.HandleCostUpdateStream)

	// Operator management.
	mux.Handle("POST /v1/operators", adminOnly(http.HandlerFunc(h.HandleCreateOperator)))
	mux.Handle("GET /v1/operators", adminOnly(http.HandlerFunc(h.HandleListOperators)))
	mux.Handle("DELETE /v1/operators/{operator_id}", adminOnly(http.HandlerFunc(h.HandleDeleteOperator)))

	// MCP StreamableHTTP transport (auth required, reader+). Write tools
	// check the operator role themselves.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", readRole(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	mux.HandleFunc("GET /health", h.HandleHealth)

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → rate limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = rateLimitMiddleware(limiter, cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for access to SeedAdmin.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
