package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/release-orchestrator/internal/auth"
)

const secret = "s3cret-for-tests"

func hmacToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestVerifyHMACToken(t *testing.T) {
	v, err := auth.NewVerifier(auth.Options{HMACSecret: secret})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/releases/deploy", nil)
	req.Header.Set("Authorization", "Bearer "+hmacToken(t, jwt.MapClaims{
		"sub":   "ci",
		"scope": "releases:read releases:write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}))
	p, err := v.VerifyRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "ci", p.Subject)
	assert.True(t, p.HasScope(auth.ScopeWrite))

	t.Run("expired", func(t *testing.T) {
		_, err := v.VerifyToken(hmacToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()}))
		assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	})
	t.Run("wrong secret", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("other"))
		require.NoError(t, err)
		_, err = v.VerifyToken(tok)
		assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	})
	t.Run("roles claim", func(t *testing.T) {
		p, err := v.VerifyToken(hmacToken(t, jwt.MapClaims{"roles": []string{"releases:write"}}))
		require.NoError(t, err)
		assert.True(t, p.HasScope(auth.ScopeWrite))
	})
	t.Run("no header", func(t *testing.T) {
		_, err := v.VerifyRequest(httptest.NewRequest("GET", "/releases/status", nil))
		assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	})
}

func TestVerifyEdDSATokenFromPEM(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	keys := filepath.Join(t.TempDir(), "keys.pem")
	require.NoError(t, os.WriteFile(keys, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := auth.NewVerifier(auth.Options{KeysFile: keys})
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{"sub": "operator", "scope": "releases:read"}).SignedString(priv)
	require.NoError(t, err)
	p, err := v.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "operator", p.Subject)
	assert.False(t, p.HasScope(auth.ScopeWrite))

	// An HMAC token is rejected when only public keys are configured.
	_, err = v.VerifyToken(hmacToken(t, jwt.MapClaims{"sub": "x"}))
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestDebugToken(t *testing.T) {
	v, err := auth.NewVerifier(auth.Options{AllowDebugToken: true, DebugToken: "dbg"})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/releases/rollback", nil)
	req.Header.Set("X-Debug-Token", "dbg")
	p, err := v.VerifyRequest(req)
	require.NoError(t, err)
	assert.True(t, p.HasScope(auth.ScopeWrite))

	req.Header.Set("X-Debug-Token", "nope")
	_, err = v.VerifyRequest(req)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestNewVerifierNeedsSomething(t *testing.T) {
	_, err := auth.NewVerifier(auth.Options{})
	assert.Error(t, err)
}
