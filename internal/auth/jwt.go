package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/verdure-mcp/gateway/internal/config"
)

// Principal is the claim set of a validated JWT.
type Principal struct {
	Subject string
	Name    string
	Roles   []string
	Claims  jwt.MapClaims
}

// JWTValidator validates federated bearer JWTs.
//
// In jwks mode signatures are verified against the issuer's published key
// set. hmac mode verifies against a shared secret. unverified mode only
// decodes the claims and checks exp; it must be selected explicitly.
type JWTValidator struct {
	mode     string
	keyfunc  jwt.Keyfunc
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	clientID string
	logger   *slog.Logger
	now      func() time.Time
}

// NewJWTValidator builds a validator for cfg.Mode.
func NewJWTValidator(cfg config.JWTConfig, logger *slog.Logger) (*JWTValidator, error) {
	v := &JWTValidator{
		mode:     cfg.Mode,
		issuer:   cfg.RealmAuthority(),
		audience: cfg.Audience,
		clientID: cfg.ClientID,
		logger:   logger.With("component", "auth"),
		now:      time.Now,
	}

	switch cfg.Mode {
	case config.JWTModeJWKS, "":
		v.mode = config.JWTModeJWKS
		url := cfg.KeySetURL()
		if url == "" {
			return nil, fmt.Errorf("jwks url is required")
		}
		jwks, err := keyfunc.NewDefault([]string{url})
		if err != nil {
			return nil, fmt.Errorf("fetch JWKS from %s: %w", url, err)
		}
		v.jwks = jwks
	case config.JWTModeHMAC:
		secret := []byte(cfg.HMACSecret)
		v.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
	case config.JWTModeUnverified:
		v.logger.Warn("JWT signature verification is disabled, tokens are trusted on claims alone")
	default:
		return nil, fmt.Errorf("unknown jwt mode %q", cfg.Mode)
	}
	return v, nil
}

// Mode returns the active validation mode.
func (v *JWTValidator) Mode() string { return v.mode }

// Validate checks tokenStr and returns its principal.
func (v *JWTValidator) Validate(ctx context.Context, tokenStr string) (*Principal, error) {
	var (
		claims jwt.MapClaims
		err    error
	)
	switch v.mode {
	case config.JWTModeUnverified:
		claims, err = v.decodeUnverified(tokenStr)
	default:
		claims, err = v.parseVerified(ctx, tokenStr)
	}
	if err != nil {
		v.logger.Debug("jwt rejected", "error", err)
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	return &Principal{
		Subject: sub,
		Name:    displayName(claims),
		Roles:   v.roles(claims),
		Claims:  claims,
	}, nil
}

func (v *JWTValidator) parseVerified(ctx context.Context, tokenStr string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	kf := v.keyfunc
	if v.jwks != nil {
		kf = v.jwks.KeyfuncCtx(ctx)
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	}

	token, err := jwt.Parse(tokenStr, kf, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

// decodeUnverified parses claims without checking the signature. A token
// without exp, or with exp in the past, is rejected.
func (v *JWTValidator) decodeUnverified(tokenStr string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, err
	}
	if exp == nil || !exp.After(v.now()) {
		return nil, jwt.ErrTokenExpired
	}
	return claims, nil
}

var ignoredRoles = map[string]bool{
	"offline_access":    true,
	"uma_authorization": true,
}

// roles collects realm, client and top-level role claims, dropping the
// identity provider's built-in roles.
func (v *JWTValidator) roles(claims jwt.MapClaims) []string {
	var raw []any
	if r, ok := claims["roles"].([]any); ok {
		raw = append(raw, r...)
	}
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		if r, ok := realm["roles"].([]any); ok {
			raw = append(raw, r...)
		}
	}
	if v.clientID != "" {
		if res, ok := claims["resource_access"].(map[string]any); ok {
			if client, ok := res[v.clientID].(map[string]any); ok {
				if r, ok := client["roles"].([]any); ok {
					raw = append(raw, r...)
				}
			}
		}
	}

	seen := make(map[string]bool, len(raw))
	var out []string
	for _, r := range raw {
		role, _ := r.(string)
		if role == "" || seen[role] || ignoredRoles[role] || strings.HasPrefix(role, "default-roles-") {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}

func displayName(claims jwt.MapClaims) string {
	for _, key := range []string{"preferred_username", "name", "email", "sub"} {
		if s := claimStr(claims, key); s != "" {
			return s
		}
	}
	return ""
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
