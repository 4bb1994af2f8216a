package auth_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kizuna/internal/auth"
	"github.com/ashita-ai/kizuna/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "kz_"))

	hash, err := auth.HashAPIKey(key)
	require.NoError(t, err)

	valid, err := auth.VerifyAPIKey(key, hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey(key, "no-separator")
	assert.Error(t, err)
}

func testOperator(role model.OperatorRole) model.Operator {
	return model.Operator{ID: uuid.New(), OperatorID: "oncall", Name: "On-call", Role: role}
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour, testLogger())
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken(testOperator(model.RoleOperator))
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "oncall", claims.OperatorID)
	assert.Equal(t, model.RoleOperator, claims.Role)
	assert.Equal(t, "kizuna", claims.Issuer)
}

func TestTokensFromAnotherKeyAreRejected(t *testing.T) {
	a, err := auth.NewJWTManager("", "", time.Hour, testLogger())
	require.NoError(t, err)
	b, err := auth.NewJWTManager("", "", time.Hour, testLogger())
	require.NoError(t, err)

	token, _, err := a.IssueToken(testOperator(model.RoleAdmin))
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.Error(t, err)
}

// newManagerWithKey writes a real key pair to temp PEM files and returns the
// manager plus the raw private key for forging tokens.
func newManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0o600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0o600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour, testLogger())
	require.NoError(t, err)
	return mgr, priv
}

func forge(t *testing.T, key ed25519.PrivateKey, claims *auth.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func baseClaims() *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "kizuna",
			Audience:  jwt.ClaimStrings{"kizuna"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		OperatorID: "oncall",
		Role:       model.RoleReader,
	}
}

func TestValidateTokenRejectsForgedClaims(t *testing.T) {
	mgr, key := newManagerWithKey(t)

	require.NotNil(t, mgr)
	_, err := mgr.ValidateToken(forge(t, key, baseClaims()))
	require.NoError(t, err, "well-formed claims pass")

	cases := map[string]func(c *auth.Claims){
		"wrong issuer":    func(c *auth.Claims) { c.Issuer = "someone-else" },
		"empty issuer":    func(c *auth.Claims) { c.Issuer = "" },
		"wrong audience":  func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"other"} },
		"non-uuid sub":    func(c *auth.Claims) { c.Subject = "not-a-uuid" },
		"unknown role":    func(c *auth.Claims) { c.Role = "superuser" },
		"expired":         func(c *auth.Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) },
		"missing expires": func(c *auth.Claims) { c.ExpiresAt = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := baseClaims()
			mutate(c)
			_, err := mgr.ValidateToken(forge(t, key, c))
			assert.Error(t, err)
		})
	}
}

func TestNewJWTManagerMismatchedKeys(t *testing.T) {
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0o600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0o600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

var errMissing = errors.New("missing")

type fakeStore map[string]model.Operator

func (f fakeStore) GetOperator(_ context.Context, id string) (model.Operator, error) {
	op, ok := f[id]
	if !ok {
		return model.Operator{}, errMissing
	}
	return op, nil
}

func TestAuthenticate(t *testing.T) {
	hash, err := auth.HashAPIKey("secret")
	require.NoError(t, err)
	op := testOperator(model.RoleAdmin)
	op.APIKeyHash = &hash
	keyless := testOperator(model.RoleReader)
	keyless.OperatorID = "keyless"
	store := fakeStore{"oncall": op, "keyless": keyless}
	isMissing := func(err error) bool { return errors.Is(err, errMissing) }
	ctx := context.Background()

	got, err := auth.Authenticate(ctx, store, "oncall", "secret", isMissing)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)

	_, err = auth.Authenticate(ctx, store, "oncall", "wrong", isMissing)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = auth.Authenticate(ctx, store, "nobody", "secret", isMissing)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = auth.Authenticate(ctx, store, "keyless", "secret", isMissing)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = auth.Authenticate(ctx, store, "nobody", "secret", func(error) bool { return false })
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrInvalidCredentials)
}
