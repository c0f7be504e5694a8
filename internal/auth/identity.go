// Package auth validates opaque API tokens and federated JWTs, and tracks
// per-token daily image quotas.
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/verdure-mcp/gateway/internal/store"
)

var (
	// ErrUnauthorized covers every credential failure. Callers never learn
	// whether a token was unknown, expired or revoked.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrQuotaExceeded is returned when a token has used its daily image limit.
	ErrQuotaExceeded = errors.New("daily image limit reached")
	// ErrNotFound hides resources the caller does not own.
	ErrNotFound = errors.New("not found")
)

// Identity sources.
const (
	SourceToken = "token"
	SourceJWT   = "jwt"
)

// Identity is the authenticated caller of a request or device session.
type Identity struct {
	UserID   string   // owning user; empty for unowned admin tokens
	Username string
	Roles    []string
	Source   string // SourceToken or SourceJWT
	TokenID  string // set when Source is SourceToken
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	return i != nil && slices.Contains(i.Roles, role)
}

// Authenticator resolves a bearer credential, trying the opaque token path
// first and the JWT path second.
type Authenticator struct {
	tokens *TokenService
	jwt    *JWTValidator
}

// NewAuthenticator combines the two credential paths. jwt may be nil.
func NewAuthenticator(tokens *TokenService, jwt *JWTValidator) *Authenticator {
	return &Authenticator{tokens: tokens, jwt: jwt}
}

// Tokens returns the opaque token service.
func (a *Authenticator) Tokens() *TokenService {
	return a.tokens
}

// Authenticate returns the identity behind bearer or ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		return nil, ErrUnauthorized
	}
	// Opaque tokens are standard base64 and never contain a dot, so a
	// dotted credential can skip the hash scan.
	if !strings.Contains(bearer, ".") {
		if tok := a.tokens.Resolve(ctx, bearer); tok != nil {
			return tokenIdentity(tok), nil
		}
	}
	if a.jwt == nil {
		return nil, ErrUnauthorized
	}
	p, err := a.jwt.Validate(ctx, bearer)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &Identity{
		UserID:   p.Subject,
		Username: p.Name,
		Roles:    p.Roles,
		Source:   SourceJWT,
	}, nil
}

func tokenIdentity(tok *store.APIToken) *Identity {
	name := tok.Name
	if tok.UserID != "" {
		name = tok.UserID
	}
	return &Identity{
		UserID:   tok.UserID,
		Username: name,
		Source:   SourceToken,
		TokenID:  tok.ID,
	}
}

// AuthenticateToken resolves an opaque API token only. JWTs are not
// accepted on this path.
func (a *Authenticator) AuthenticateToken(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrUnauthorized
	}
	tok := a.tokens.Resolve(ctx, raw)
	if tok == nil {
		return nil, ErrUnauthorized
	}
	return tokenIdentity(tok), nil
}
