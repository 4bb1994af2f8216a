// Package auth issues and validates operator tokens.
//
// Tokens are Ed25519-signed JWTs. Keys are loaded from PEM files or, when no
// paths are configured, generated for the life of the process.
package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kizuna/internal/model"
)

const issuer = "kizuna"

// ErrInvalidCredentials is returned by Authenticate for an unknown operator
// or a wrong key. The two cases are indistinguishable to callers.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Claims extends jwt.RegisteredClaims with the operator identity.
type Claims struct {
	jwt.RegisteredClaims
	OperatorID string             `json:"operator_id"`
	Role       model.OperatorRole `json:"role"`
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a JWTManager from PEM key files.
// If either path is empty, an ephemeral key pair is generated.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration, logger *slog.Logger) (*JWTManager, error) {
	m := &JWTManager{expiration: expiration, now: func() time.Time { return time.Now().UTC() }}
	if privateKeyPath == "" || publicKeyPath == "" {
		logger.Warn("auth: no JWT key files configured, generating ephemeral key pair (tokens do not survive restart)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		m.privateKey, m.publicKey = priv, pub
		return m, nil
	}

	priv, err := readPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := readPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}
	m.privateKey, m.publicKey = priv, pub
	return m, nil
}

func readPEM(path, what string) ([]byte, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("auth: read %s key: %w", what, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode %s key PEM", what)
	}
	return block.Bytes, nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	der, err := readPEM(path, "private")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	ed, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return ed, nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	der, err := readPEM(path, "public")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	ed, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return ed, nil
}

// IssueToken creates a signed JWT for op.
func (m *JWTManager) IssueToken(op model.Operator) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.expiration)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		OperatorID: op.OperatorID,
		Role:       op.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected UUID): %w", err)
	}
	if model.RoleRank(claims.Role) == 0 {
		return nil, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	return claims, nil
}

// OperatorStore looks operators up by their public identifier.
type OperatorStore interface {
	GetOperator(ctx context.Context, operatorID string) (model.Operator, error)
}

// Authenticate checks an operator's API key and returns the operator.
// Lookup failures other than a missing operator are returned as-is.
func Authenticate(ctx context.Context, store OperatorStore, operatorID, apiKey string, isNotFound func(error) bool) (model.Operator, error) {
	op, err := store.GetOperator(ctx, operatorID)
	if err != nil {
		if isNotFound(err) {
			DummyVerify()
			return model.Operator{}, ErrInvalidCredentials
		}
		return model.Operator{}, fmt.Errorf("auth: lookup operator: %w", err)
	}
	if op.APIKeyHash == nil {
		DummyVerify()
		return model.Operator{}, ErrInvalidCredentials
	}
	ok, err := VerifyAPIKey(apiKey, *op.APIKeyHash)
	if err != nil || !ok {
		return model.Operator{}, ErrInvalidCredentials
	}
	return op, nil
}
