package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/verdure-mcp/gateway/internal/config"
	"github.com/verdure-mcp/gateway/internal/store"
)

const dayLayout = "2006-01-02"

// TokenService issues, validates and revokes opaque API tokens and enforces
// their daily image quota.
//
// Lookup and quota methods never return errors: any failure is logged and
// reported as an invalid token or an exhausted quota. Issuance and revocation
// return persistence errors.
type TokenService struct {
	store         store.Store
	logger        *slog.Logger
	defaultExpiry time.Duration
	defaultLimit  int
	now           func() time.Time
}

// NewTokenService creates a token service backed by s.
func NewTokenService(s store.Store, cfg config.TokenConfig, logger *slog.Logger) *TokenService {
	expiry := cfg.DefaultExpiry.Duration
	if expiry == 0 {
		expiry = 30 * 24 * time.Hour
	}
	limit := cfg.DefaultDailyImageLimit
	if limit == 0 {
		limit = 10
	}
	return &TokenService{
		store:         s,
		logger:        logger.With("component", "auth"),
		defaultExpiry: expiry,
		defaultLimit:  limit,
		now:           time.Now,
	}
}

// CreateToken issues an unowned token. The raw token is returned once and
// cannot be recovered later.
func (s *TokenService) CreateToken(ctx context.Context, name string, expiresAt *time.Time) (string, *store.APIToken, error) {
	return s.issue(ctx, name, "", expiresAt)
}

// CreateUserToken issues a token owned by userID that expires after the
// configured default lifetime.
func (s *TokenService) CreateUserToken(ctx context.Context, userID, name string) (string, *store.APIToken, error) {
	expires := s.now().UTC().Add(s.defaultExpiry)
	return s.issue(ctx, name, userID, &expires)
}

func (s *TokenService) issue(ctx context.Context, name, userID string, expiresAt *time.Time) (string, *store.APIToken, error) {
	raw, err := GenerateRawToken()
	if err != nil {
		return "", nil, err
	}
	hash, err := HashToken(raw)
	if err != nil {
		return "", nil, err
	}

	tok := &store.APIToken{
		ID:              uuid.New().String(),
		TokenHash:       hash,
		Name:            name,
		UserID:          userID,
		IsActive:        true,
		CreatedAt:       s.now().UTC(),
		ExpiresAt:       expiresAt,
		DailyImageLimit: s.defaultLimit,
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		return "", nil, fmt.Errorf("store token: %w", err)
	}

	s.audit(ctx, "token.created", userID, tok.ID, map[string]string{"name": name})
	s.logger.Info("api token created", "token_id", tok.ID, "user_id", userID, "name", name)
	return raw, tok, nil
}

// GetToken finds the active record whose hash matches raw. Every active
// record is checked with a salted, constant-time comparison; there is no
// index on the raw value.
func (s *TokenService) GetToken(ctx context.Context, raw string) *store.APIToken {
	if raw == "" {
		return nil
	}
	tokens, err := s.store.ListActiveTokens(ctx)
	if err != nil {
		s.logger.Error("list active tokens failed", "error", err)
		return nil
	}
	for i := range tokens {
		if VerifyToken(raw, tokens[i].TokenHash) {
			return &tokens[i]
		}
	}
	return nil
}

// Resolve returns the active, unexpired record for raw and stamps its
// last-used time, or nil.
func (s *TokenService) Resolve(ctx context.Context, raw string) *store.APIToken {
	tok := s.GetToken(ctx, raw)
	if tok == nil {
		s.logger.Debug("token not found")
		return nil
	}
	now := s.now().UTC()
	if !tok.IsActive {
		s.logger.Warn("token is inactive", "token_id", tok.ID)
		return nil
	}
	if tok.Expired(now) {
		s.logger.Warn("token expired", "token_id", tok.ID)
		return nil
	}
	if err := s.store.TouchToken(ctx, tok.ID, now); err != nil {
		s.logger.Warn("update token last used failed", "token_id", tok.ID, "error", err)
	} else {
		tok.LastUsedAt = &now
	}
	return tok
}

// ValidateToken reports whether raw is an active, unexpired token.
func (s *TokenService) ValidateToken(ctx context.Context, raw string) bool {
	return s.Resolve(ctx, raw) != nil
}

// RevokeToken deactivates a token owned by userID. It returns false when the
// token does not exist or belongs to someone else.
func (s *TokenService) RevokeToken(ctx context.Context, tokenID, userID string) (bool, error) {
	ok, err := s.store.DeactivateToken(ctx, tokenID, userID)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	if ok {
		s.audit(ctx, "token.revoked", userID, tokenID, nil)
		s.logger.Info("api token revoked", "token_id", tokenID, "user_id", userID)
	}
	return ok, nil
}

// ListUserTokens returns every token owned by userID, newest first.
func (s *TokenService) ListUserTokens(ctx context.Context, userID string) ([]store.APIToken, error) {
	tokens, err := s.store.ListTokensByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

// CheckImageGenerationLimit reports whether raw may generate another image
// today. The counter is not consumed.
func (s *TokenService) CheckImageGenerationLimit(ctx context.Context, raw string) bool {
	tok := s.GetToken(ctx, raw)
	if tok == nil {
		return false
	}
	return s.checkLimit(ctx, tok)
}

// IncrementImageCount consumes one unit of raw's daily quota. It returns
// false without mutation once the limit is reached.
func (s *TokenService) IncrementImageCount(ctx context.Context, raw string) bool {
	tok := s.GetToken(ctx, raw)
	if tok == nil {
		return false
	}
	return s.increment(ctx, tok)
}

// CheckLimit is CheckImageGenerationLimit for an already resolved token id.
func (s *TokenService) CheckLimit(ctx context.Context, tokenID string) bool {
	tok := s.lookup(ctx, tokenID)
	if tok == nil {
		return false
	}
	return s.checkLimit(ctx, tok)
}

// Increment is IncrementImageCount for an already resolved token id.
func (s *TokenService) Increment(ctx context.Context, tokenID string) bool {
	tok := s.lookup(ctx, tokenID)
	if tok == nil {
		return false
	}
	return s.increment(ctx, tok)
}

func (s *TokenService) lookup(ctx context.Context, id string) *store.APIToken {
	tok, err := s.store.GetToken(ctx, id)
	if err != nil {
		s.logger.Error("get token failed", "token_id", id, "error", err)
		return nil
	}
	if tok == nil || !tok.IsActive {
		return nil
	}
	return tok
}

func (s *TokenService) checkLimit(ctx context.Context, tok *store.APIToken) bool {
	if !s.resetIfStale(ctx, tok) {
		return false
	}
	return tok.TodayImageCount < tok.DailyImageLimit
}

func (s *TokenService) increment(ctx context.Context, tok *store.APIToken) bool {
	if !s.resetIfStale(ctx, tok) {
		return false
	}
	if tok.TodayImageCount >= tok.DailyImageLimit {
		return false
	}
	ok, err := s.store.IncrementImageCount(ctx, tok.ID)
	if err != nil {
		s.logger.Error("increment image count failed", "token_id", tok.ID, "error", err)
		return false
	}
	if ok {
		tok.TodayImageCount++
	}
	return ok
}

// resetIfStale zeroes the daily counter when the stored reset date is
// before today (UTC). It reports false if the reset could not be persisted.
func (s *TokenService) resetIfStale(ctx context.Context, tok *store.APIToken) bool {
	today := s.now().UTC().Format(dayLayout)
	if tok.LastResetDate != "" && tok.LastResetDate >= today {
		return true
	}
	if err := s.store.ResetImageCount(ctx, tok.ID, today); err != nil {
		s.logger.Error("reset image count failed", "token_id", tok.ID, "error", err)
		return false
	}
	tok.TodayImageCount = 0
	tok.LastResetDate = today
	return true
}

func (s *TokenService) audit(ctx context.Context, action, userID, targetID string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		TargetID:  targetID,
		Detail:    raw,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
