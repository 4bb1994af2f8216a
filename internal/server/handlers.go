package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kizuna/internal/auth"
	"github.com/ashita-ai/kizuna/internal/ctxutil"
	"github.com/ashita-ai/kizuna/internal/federation"
	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/storage"
)

// OperatorStore is the operator persistence used by auth and admin
// endpoints. *storage.DB implements it.
type OperatorStore interface {
	CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error)
	GetOperator(ctx context.Context, operatorID string) (model.Operator, error)
	ListOperators(ctx context.Context) ([]model.Operator, error)
	DeleteOperator(ctx context.Context, operatorID string) error
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *federation.Engine
	operators           OperatorStore
	db                  Pinger
	redis               Pinger
	jwtMgr              *auth.JWTManager
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	instance            string
	kafkaEnabled        bool
	maxRequestBodyBytes int64
	keepalive           time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, Redis.
type HandlersDeps struct {
	Engine              *federation.Engine
	Operators           OperatorStore
	DB                  Pinger
	Redis               Pinger
	JWTMgr              *auth.JWTManager
	Logger              *slog.Logger
	Version             string
	Instance            string
	KafkaEnabled        bool
	MaxRequestBodyBytes int64
	// Keepalive is the SSE comment interval; zero means 15s.
	Keepalive time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keepalive := d.Keepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Handlers{
		engine:              d.Engine,
		operators:           d.Operators,
		db:                  d.DB,
		redis:               d.Redis,
		jwtMgr:              d.JWTMgr,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		instance:            d.Instance,
		kafkaEnabled:        d.KafkaEnabled,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		keepalive:           keepalive,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.OperatorID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "operator_id and api_key are required")
		return
	}

	op, err := auth.Authenticate(r.Context(), h.operators, req.OperatorID, req.APIKey, isNotFound)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.writeInternalError(w, r, "failed to authenticate", err)
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(op)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "operator_id", op.OperatorID, "role", op.Role, "ip", r.RemoteAddr)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	pgStatus := "not_configured"

	if h.db != nil {
		pgStatus = "connected"
		if err := h.db.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Domains:  h.engine.Domains(),
		EventBus: "running",
		Dropped:  h.engine.Bus().Dropped(),
		Instance: h.instance,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.redis != nil {
		// Admission fails open without Redis, so this degrades rather than fails.
		resp.Redis = "connected"
		if err := h.redis.Ping(r.Context()); err != nil {
			resp.Redis = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	if h.kafkaEnabled {
		resp.KafkaSink = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// SeedAdmin creates the initial admin operator if none exists. An empty
// key is accepted only when operators already exist.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	ops, err := h.operators.ListOperators(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: list operators: %w", err)
	}
	if adminAPIKey == "" {
		if len(ops) == 0 {
			return fmt.Errorf("seed admin: KIZUNA_ADMIN_API_KEY is empty and no operators exist; set it to bootstrap admin access")
		}
		h.logger.Info("no admin API key configured, skipping admin seed", "existing_operators", len(ops))
		return nil
	}
	for _, op := range ops {
		if op.Role == model.RoleAdmin {
			h.logger.Info("admin operator exists, skipping admin seed")
			return nil
		}
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	_, err = h.operators.CreateOperator(ctx, model.Operator{
		OperatorID: "admin",
		Name:       "System Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	})
	if err != nil && !errors.Is(err, storage.ErrOperatorExists) {
		return fmt.Errorf("seed admin: create operator: %w", err)
	}
	h.logger.Info("seeded initial admin operator")
	return nil
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeEngineError maps an engine error to its status and error code.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ErrorCode(err)
	if code == model.ErrCodeInternalError {
		h.writeInternalError(w, r, "internal error", err)
		return
	}
	writeError(w, r, statusForCode(code), code, err.Error())
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, model.ErrNotFound)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", model.ErrInvalidInput, key)
	}
	return min(max(n, 1), maxQueryLimit), nil
}

func queryFloat(r *http.Request, key string) (*float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a number", model.ErrInvalidInput, key)
	}
	return &f, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be true or false", model.ErrInvalidInput, key)
	}
	return &b, nil
}

// queryDomain returns the normalised ?domain= filter, or nil.
func queryDomain(r *http.Request, key string) (*string, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	d, err := model.NormalizeDomain(v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func queryPeriod(r *http.Request) (model.CostPeriod, error) {
	return model.ParseCostPeriod(r.URL.Query().Get("period"))
}
