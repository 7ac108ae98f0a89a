// Package auth verifies callers of the release agent's control API.
package auth

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeWrite is required for deploy, rollback and validate.
const ScopeWrite = "releases:write"

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("missing required scope")
)

// Principal is the verified caller.
type Principal struct {
	Subject string
	Scopes  []string
	Debug   bool
}

func (p Principal) HasScope(scope string) bool {
	if p.Debug {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type Options struct {
	// HMACSecret verifies HS256/384/512 tokens.
	HMACSecret string
	// KeysFile holds PEM public keys or certificates for RS/ES/EdDSA tokens.
	KeysFile        string
	AllowDebugToken bool
	DebugToken      string
}

// Verifier checks bearer tokens against an HMAC secret or public keys.
type Verifier struct {
	secret     []byte
	keys       []interface{}
	allowDebug bool
	debugToken string
}

// NewVerifier needs at least one of an HMAC secret, a keys file or the debug
// token.
func NewVerifier(opts Options) (*Verifier, error) {
	v := &Verifier{
		secret:     []byte(opts.HMACSecret),
		allowDebug: opts.AllowDebugToken,
		debugToken: opts.DebugToken,
	}
	if opts.KeysFile != "" {
		data, err := os.ReadFile(opts.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
		if v.keys, err = ParsePublicKeys(data); err != nil {
			return nil, fmt.Errorf("%s: %w", opts.KeysFile, err)
		}
	}
	if len(v.secret) == 0 && len(v.keys) == 0 && !v.allowDebug {
		return nil, fmt.Errorf("auth: no token secret, keys or debug token configured")
	}
	return v, nil
}

// ParsePublicKeys reads every PKIX public key or certificate in a PEM bundle.
func ParsePublicKeys(data []byte) ([]interface{}, error) {
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, cerr := x509.ParseCertificate(block.Bytes)
			if cerr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no public keys found")
	}
	return keys, nil
}

// VerifyRequest accepts the debug header when enabled, else a bearer token.
func (v *Verifier) VerifyRequest(r *http.Request) (Principal, error) {
	if v.allowDebug {
		if tok := r.Header.Get("X-Debug-Token"); tok != "" {
			if subtle.ConstantTimeCompare([]byte(tok), []byte(v.debugToken)) == 1 {
				return Principal{Subject: "debug", Debug: true}, nil
			}
			return Principal{}, fmt.Errorf("%w: bad debug token", ErrUnauthenticated)
		}
	}
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return Principal{}, ErrUnauthenticated
	}
	return v.VerifyToken(strings.TrimSpace(authz[7:]))
}

func (v *Verifier) VerifyToken(raw string) (Principal, error) {
	var (
		token *jwt.Token
		err   error
	)
	if len(v.secret) > 0 {
		token, err = jwt.Parse(raw, func(*jwt.Token) (interface{}, error) { return v.secret, nil },
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	}
	// PEM keys carry no kid, so each is tried in turn.
	for _, key := range v.keys {
		if token != nil && err == nil {
			break
		}
		k := key
		token, err = jwt.Parse(raw, func(*jwt.Token) (interface{}, error) { return k, nil },
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"}))
	}
	if token == nil && err == nil {
		return Principal{}, fmt.Errorf("%w: bearer tokens not accepted", ErrUnauthenticated)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
	}
	p := Principal{}
	p.Subject, _ = claims.GetSubject()
	if scope, ok := claims["scope"].(string); ok {
		p.Scopes = strings.Fields(scope)
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				p.Scopes = append(p.Scopes, s)
			}
		}
	}
	return p, nil
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
