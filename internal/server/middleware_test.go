package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kizuna/internal/auth"
	"github.com/ashita-ai/kizuna/internal/ctxutil"
	"github.com/ashita-ai/kizuna/internal/model"
	"github.com/ashita-ai/kizuna/internal/ratelimit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimitMiddleware(t *testing.T) {
	// rate=1 token/sec, burst=2: the first two rapid requests consume the
	// burst, the third is rejected until tokens refill.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	handler := rateLimitMiddleware(limiter, quietLogger(), okHandler)

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/federation", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			assert.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "request %d after burst", i+1)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimitMiddleware_DifferentIPs(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer func() { _ = limiter.Close() }()

	handler := rateLimitMiddleware(limiter, quietLogger(), okHandler)

	do := func(addr string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/health", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"), "separate bucket per IP")
}

func TestRateLimitMiddleware_OperatorKeyAndAdminExemption(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer func() { _ = limiter.Close() }()

	handler := rateLimitMiddleware(limiter, quietLogger(), okHandler)

	do := func(id string, role model.OperatorRole) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/budgets", nil)
		req.RemoteAddr = "10.0.0.9:1000"
		claims := &auth.Claims{OperatorID: id, Role: role}
		handler.ServeHTTP(rec, req.WithContext(ctxutil.WithClaims(req.Context(), claims)))
		return rec.Code
	}

	// Authenticated callers are keyed by operator, not by shared IP.
	assert.Equal(t, http.StatusOK, do("alice", model.RoleOperator))
	assert.Equal(t, http.StatusTooManyRequests, do("alice", model.RoleOperator))
	assert.Equal(t, http.StatusOK, do("bob", model.RoleReader))

	for range 5 {
		assert.Equal(t, http.StatusOK, do("root", model.RoleAdmin))
	}
}

func TestRateLimitMiddleware_PublicPathsSkipped(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer func() { _ = limiter.Close() }()

	handler := rateLimitMiddleware(limiter, quietLogger(), okHandler)

	for range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "10.0.0.3:1000"
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// The token endpoint is public but still limited.
	codes := make([]int, 0, 2)
	for range 2 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/auth/token", nil)
		req.RemoteAddr = "10.0.0.3:1000"
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "abc-123", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(quietLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/federation", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForCode(model.ErrCodeNotFound))
	assert.Equal(t, http.StatusBadRequest, statusForCode(model.ErrCodeInvalidCost))
	assert.Equal(t, http.StatusConflict, statusForCode(model.ErrCodeInvalidTransition))
	assert.Equal(t, http.StatusConflict, statusForCode(model.ErrCodeNotReversible))
	assert.Equal(t, http.StatusGatewayTimeout, statusForCode(model.ErrCodeTimeout))
	assert.Equal(t, http.StatusInternalServerError, statusForCode(model.ErrCodeInternalError))
}
