package auth

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/verdure-mcp/gateway/internal/config"
)

const testHMACSecret = "test-hmac-secret-at-least-32-characters"

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newHMACValidator(t *testing.T) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(config.JWTConfig{
		Mode:       config.JWTModeHMAC,
		HMACSecret: testHMACSecret,
		ClientID:   "gateway",
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	return v
}

func TestHMACValidate(t *testing.T) {
	v := newHMACValidator(t)
	tok := signHS256(t, testHMACSecret, jwt.MapClaims{
		"sub":                "user-123",
		"preferred_username": "alice",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"realm_access":       map[string]any{"roles": []any{"admin", "offline_access", "default-roles-verdure"}},
		"resource_access":    map[string]any{"gateway": map[string]any{"roles": []any{"device-operator", "admin"}}},
	})

	p, err := v.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Subject != "user-123" {
		t.Errorf("Subject: got %q, want user-123", p.Subject)
	}
	if p.Name != "alice" {
		t.Errorf("Name: got %q, want alice", p.Name)
	}
	want := []string{"admin", "device-operator"}
	if !slices.Equal(p.Roles, want) {
		t.Errorf("Roles: got %v, want %v", p.Roles, want)
	}
}

func TestHMACRejects(t *testing.T) {
	v := newHMACValidator(t)
	ctx := context.Background()

	cases := map[string]string{
		"wrong secret": signHS256(t, "another-secret-that-is-also-32-chars-long", jwt.MapClaims{
			"sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"expired": signHS256(t, testHMACSecret, jwt.MapClaims{
			"sub": "u", "exp": time.Now().Add(-time.Hour).Unix(),
		}),
		"no exp":  signHS256(t, testHMACSecret, jwt.MapClaims{"sub": "u"}),
		"no sub":  signHS256(t, testHMACSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
		"garbage": "not.a.jwt",
	}
	for name, tok := range cases {
		if _, err := v.Validate(ctx, tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: got %v, want ErrUnauthorized", name, err)
		}
	}
}

func TestUnverifiedMode(t *testing.T) {
	v, err := NewJWTValidator(config.JWTConfig{Mode: config.JWTModeUnverified}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Any signature is accepted in this mode.
	tok := signHS256(t, "whatever-key-the-issuer-used-for-signing", jwt.MapClaims{
		"sub": "bob", "email": "bob@example.com", "exp": time.Now().Add(time.Hour).Unix(),
	})
	p, err := v.Validate(ctx, tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Subject != "bob" || p.Name != "bob@example.com" {
		t.Errorf("principal: got %+v", p)
	}

	expired := signHS256(t, "k", jwt.MapClaims{"sub": "bob", "exp": time.Now().Add(-time.Minute).Unix()})
	if _, err := v.Validate(ctx, expired); err == nil {
		t.Error("expired token accepted in unverified mode")
	}
	noExp := signHS256(t, "k", jwt.MapClaims{"sub": "bob"})
	if _, err := v.Validate(ctx, noExp); err == nil {
		t.Error("token without exp accepted in unverified mode")
	}
	if _, err := v.Validate(ctx, "%%%"); err == nil {
		t.Error("unparsable token accepted")
	}
}

func TestAuthenticatorPrefersOpaqueToken(t *testing.T) {
	svc, _, clock := newTestTokenService(t)
	v := newHMACValidator(t)
	v.now = clock.now
	a := NewAuthenticator(svc, v)
	ctx := context.Background()

	raw, rec, _ := svc.CreateUserToken(ctx, "alice", "laptop")
	id, err := a.Authenticate(ctx, raw)
	if err != nil {
		t.Fatalf("Authenticate(opaque): %v", err)
	}
	if id.Source != SourceToken || id.UserID != "alice" || id.TokenID != rec.ID {
		t.Errorf("opaque identity: got %+v", id)
	}

	jwtTok := signHS256(t, testHMACSecret, jwt.MapClaims{
		"sub": "carol", "exp": clock.t.Add(time.Hour).Unix(), "roles": []any{"admin"},
	})
	id, err = a.Authenticate(ctx, jwtTok)
	if err != nil {
		t.Fatalf("Authenticate(jwt): %v", err)
	}
	if id.Source != SourceJWT || id.UserID != "carol" || !id.HasRole("admin") {
		t.Errorf("jwt identity: got %+v", id)
	}

	if _, err := a.Authenticate(ctx, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Authenticate(nope): got %v, want ErrUnauthorized", err)
	}
	if _, err := a.Authenticate(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Authenticate(empty): got %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticatorWithoutJWT(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	a := NewAuthenticator(svc, nil)
	if _, err := a.Authenticate(context.Background(), "a.b.c"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}
