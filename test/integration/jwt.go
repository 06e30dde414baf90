package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	signingKeyID  = "tasquencer-it-rs256"
	tokenIssuer   = "https://id.tasquencer.test"
	tokenAudience = "tasquencer"
)

// TokenOption adjusts the claims of a test token.
type TokenOption func(jwt.MapClaims)

// WithSession sets the sid claim.
func WithSession(sid string) TokenOption {
	return func(c jwt.MapClaims) { c["sid"] = sid }
}

// WithAudience replaces the aud claim.
func WithAudience(aud string) TokenOption {
	return func(c jwt.MapClaims) { c["aud"] = aud }
}

// WithoutSubject drops the sub claim.
func WithoutSubject() TokenOption {
	return func(c jwt.MapClaims) { delete(c, "sub") }
}

// Expired backdates the token so it expired an hour ago.
func Expired() TokenOption {
	return func(c jwt.MapClaims) {
		now := time.Now()
		c["iat"] = jwt.NewNumericDate(now.Add(-2 * time.Hour))
		c["exp"] = jwt.NewNumericDate(now.Add(-time.Hour))
	}
}

// identityProvider stands in for the deployment's OIDC provider: it
// serves one RS256 verification key and signs tokens for seeded users.
type identityProvider struct {
	key    *rsa.PrivateKey
	server *httptest.Server
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	set, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": signingKeyID,
		"kty": "RSA",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode key set: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(set)
	}))
	t.Cleanup(srv.Close)

	return &identityProvider{key: key, server: srv}
}

// claims are the claims a signed-in user's token carries. Each subject
// gets its own session ID.
func (p *identityProvider) claims(subject string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   tokenIssuer,
		"aud":   tokenAudience,
		"sub":   subject,
		"sid":   "sess-" + subject,
		"email": subject + "@tasquencer.test",
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

// Token signs a token for subject.
func (p *identityProvider) Token(t *testing.T, subject string, opts ...TokenOption) string {
	t.Helper()
	c := p.claims(subject)
	for _, o := range opts {
		o(c)
	}
	return signRS256(t, p.key, c)
}

func signRS256(t *testing.T, key *rsa.PrivateKey, c jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	token.Header["kid"] = signingKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// JWKSURL is the provider's key set endpoint.
func (p *identityProvider) JWKSURL() string {
	return p.server.URL
}
