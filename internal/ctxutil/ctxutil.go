// Package ctxutil provides shared context key accessors.
//
// Both server and mcp read the authenticated operator from the context that
// server's auth middleware populates; they import ctxutil instead of each
// other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/kizuna/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext returns the request id, or "" when none is set.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}

// Actor names who is acting in ctx, for transition reasons and logs.
// Unauthenticated contexts (the scheduler, tests) act as "system".
func Actor(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil && c.OperatorID != "" {
		return "operator:" + c.OperatorID
	}
	return "system"
}
