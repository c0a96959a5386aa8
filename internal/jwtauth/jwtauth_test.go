package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestUnverified_ReadsClaims(t *testing.T) {
	pk, kid, _ := genRSA(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signToken(t, pk, kid, jwt.MapClaims{
		"sub":   "user-123",
		"iss":   "https://issuer.example",
		"exp":   exp.Unix(),
		"scope": "openid profile",
	})

	c, err := Unverified{}.Inspect(context.Background(), tok)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if c.Subject != "user-123" || c.Issuer != "https://issuer.example" {
		t.Fatalf("unexpected claims %+v", c)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Fatalf("expiry mismatch: %v vs %v", c.ExpiresAt, exp)
	}
	if len(c.Scopes) != 2 || c.Scopes[1] != "profile" {
		t.Fatalf("unexpected scopes %v", c.Scopes)
	}
}

func TestUnverified_OpaqueToken(t *testing.T) {
	if _, err := (Unverified{}).Inspect(context.Background(), "opaque-token"); !errors.Is(err, ErrNotJWT) {
		t.Fatalf("expected ErrNotJWT, got %v", err)
	}
}

func TestVerifier_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	defer oidc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := DefaultConfig()
	cfg.Issuer = oidc.issuer
	cfg.Leeway = 0
	v, err := NewVerifier(ctx, cfg, oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok := signToken(t, pk, kid, jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	c, err := v.Inspect(ctx, tok)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if c.Subject != "user-123" {
		t.Fatalf("want sub user-123, got %s", c.Subject)
	}
}

func TestVerifier_RejectsForgedSignature(t *testing.T) {
	_, kid, jwks := genRSA(t)
	other, _, _ := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	defer oidc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := DefaultConfig()
	cfg.Issuer = oidc.issuer
	v, err := NewVerifier(ctx, cfg, oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	forged := signToken(t, other, kid, jwt.MapClaims{
		"iss": oidc.issuer, "sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Inspect(ctx, forged); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for forged token, got %v", err)
	}
}

func TestVerifier_RequiresIssuer(t *testing.T) {
	if _, err := NewVerifier(context.Background(), &Config{}, "http://x/keys"); err == nil {
		t.Fatal("expected error without issuer")
	}
}
