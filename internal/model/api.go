package model

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ConnectionResponse is the envelope for cursor-paginated list endpoints.
type ConnectionResponse struct {
	Data     any          `json:"data"`
	PageInfo PageInfo     `json:"page_info"`
	Meta     ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidCost       = "INVALID_COST"
	ErrCodeNotReversible     = "NOT_REVERSIBLE"
	ErrCodeTimeout           = "TIMEOUT"
)

// PageInfo carries opaque cursor pagination state.
type PageInfo struct {
	HasNextPage bool    `json:"has_next_page"`
	EndCursor   *string `json:"end_cursor,omitempty"`
}

// Page requests a slice of a cursor-ordered list.
type Page struct {
	First int     // maximum items; clamped by the callee
	After *string // cursor of the last item already seen
}

// Cursor positions a list ordered by (time desc, id desc).
type Cursor struct {
	At time.Time
	ID string
}

// EncodeCursor returns the opaque form of c.
func EncodeCursor(c Cursor) string {
	raw := strconv.FormatInt(c.At.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor produced by EncodeCursor.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	return Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// SortsAfter reports whether c appears later than other in (time desc,
// id desc) order.
func (c Cursor) SortsAfter(other Cursor) bool {
	if !c.At.Equal(other.At) {
		return c.At.Before(other.At)
	}
	return c.ID < other.ID
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	OperatorID string `json:"operator_id"`
	APIKey     string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateOperatorRequest is the request body for POST /v1/operators.
type CreateOperatorRequest struct {
	OperatorID string       `json:"operator_id"`
	Name       string       `json:"name"`
	Role       OperatorRole `json:"role"`
	APIKey     string       `json:"api_key"`
}

// PauseRequest is the request body for POST /v1/federation/{domain}/pause.
type PauseRequest struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until,omitempty"`
}

// BlockRequest is the request body for block and defederate.
type BlockRequest struct {
	Reason          string  `json:"reason"`
	PolicyViolation bool    `json:"policy_violation,omitempty"`
	Details         *string `json:"details,omitempty"`
}

// SetLimitRequest is the request body for PUT /v1/federation/{domain}/limit.
type SetLimitRequest struct {
	IngressLimitMB    float64  `json:"ingress_limit_mb"`
	EgressLimitMB     float64  `json:"egress_limit_mb"`
	RequestsPerMinute int      `json:"requests_per_minute"`
	MonthlyBudgetUSD  *float64 `json:"monthly_budget_usd,omitempty"`
	Active            *bool    `json:"active,omitempty"`
}

// SetBudgetRequest is the request body for PUT /v1/budgets/{domain}.
type SetBudgetRequest struct {
	MonthlyBudgetUSD float64  `json:"monthly_budget_usd"`
	AutoLimit        *bool    `json:"auto_limit,omitempty"`
	AlertThreshold   *float64 `json:"alert_threshold,omitempty"`
}

// OptimizeRequest is the request body for POST /v1/costs/optimize.
type OptimizeRequest struct {
	ThresholdUSD float64 `json:"threshold_usd"`
	Execute      bool    `json:"execute"`
}

// RecordCostRequest is the request body for POST /v1/costs.
type RecordCostRequest struct {
	Domain    string  `json:"domain"`
	Operation string  `json:"operation"`
	Cost      float64 `json:"cost"`
	Count     int64   `json:"count"`
}

// AdmissionDecision answers whether a delivery to a domain may proceed.
type AdmissionDecision struct {
	Domain    string          `json:"domain"`
	Allowed   bool            `json:"allowed"`
	State     FederationState `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	Remaining *int            `json:"remaining,omitempty"`
	ResetAt   *time.Time      `json:"reset_at,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	Domains   int    `json:"domains"`
	EventBus  string `json:"event_bus"`
	Dropped   int64  `json:"dropped_events"`
	Instance  string `json:"instance"`
	Uptime    int64  `json:"uptime_seconds"`
	Redis     string `json:"redis,omitempty"`
	KafkaSink string `json:"kafka_sink,omitempty"`
}
