package auth

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/verdure-mcp/gateway/internal/config"
	"github.com/verdure-mcp/gateway/internal/store"
)

// fakeClock is a settable clock for quota rollover tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestTokenService(t *testing.T) (*TokenService, store.Store, *fakeClock) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	svc := NewTokenService(s, config.TokenConfig{
		DefaultExpiry:          config.Duration{Duration: 30 * 24 * time.Hour},
		DefaultDailyImageLimit: 10,
	}, slog.Default())
	svc.now = clock.now
	return svc, s, clock
}

func TestCreateTokenRoundTrip(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()

	raw, rec, err := svc.CreateToken(ctx, "ci-bot", nil)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if rec.UserID != "" {
		t.Errorf("admin token UserID: got %q, want empty", rec.UserID)
	}

	got := svc.GetToken(ctx, raw)
	if got == nil {
		t.Fatal("GetToken returned nil for fresh token")
	}
	if got.Name != "ci-bot" {
		t.Errorf("Name: got %q, want %q", got.Name, "ci-bot")
	}
	if got.TokenHash == raw {
		t.Error("stored hash equals raw token")
	}
	if !got.IsActive {
		t.Error("new token should be active")
	}
	if got.DailyImageLimit != 10 {
		t.Errorf("DailyImageLimit: got %d, want 10", got.DailyImageLimit)
	}
}

func TestCreateUserTokenExpiry(t *testing.T) {
	svc, _, clock := newTestTokenService(t)
	ctx := context.Background()

	_, rec, err := svc.CreateUserToken(ctx, "alice", "laptop")
	if err != nil {
		t.Fatalf("CreateUserToken: %v", err)
	}
	if rec.UserID != "alice" {
		t.Errorf("UserID: got %q, want alice", rec.UserID)
	}
	want := clock.t.Add(30 * 24 * time.Hour)
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt: got %v, want %v", rec.ExpiresAt, want)
	}
}

func TestValidateToken(t *testing.T) {
	svc, s, clock := newTestTokenService(t)
	ctx := context.Background()

	raw, rec, _ := svc.CreateUserToken(ctx, "alice", "laptop")
	if !svc.ValidateToken(ctx, raw) {
		t.Fatal("ValidateToken: got false for fresh token")
	}
	stored, _ := s.GetToken(ctx, rec.ID)
	if stored.LastUsedAt == nil {
		t.Error("LastUsedAt not stamped after validation")
	}

	if svc.ValidateToken(ctx, "not-a-token") {
		t.Error("ValidateToken: got true for unknown token")
	}
	if svc.ValidateToken(ctx, "") {
		t.Error("ValidateToken: got true for empty token")
	}

	clock.t = clock.t.Add(31 * 24 * time.Hour)
	if svc.ValidateToken(ctx, raw) {
		t.Error("ValidateToken: got true for expired token")
	}
}

func TestExpiredTokenNotTouched(t *testing.T) {
	svc, s, clock := newTestTokenService(t)
	ctx := context.Background()

	past := clock.t.Add(-time.Minute)
	raw, rec, _ := svc.CreateToken(ctx, "old", &past)
	if svc.ValidateToken(ctx, raw) {
		t.Fatal("expired token validated")
	}
	stored, _ := s.GetToken(ctx, rec.ID)
	if stored.LastUsedAt != nil {
		t.Error("LastUsedAt should only change on successful validation")
	}
}

func TestRevokeToken(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()

	raw, rec, _ := svc.CreateUserToken(ctx, "alice", "laptop")

	ok, err := svc.RevokeToken(ctx, rec.ID, "mallory")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("RevokeToken by another user: got true, want false")
	}
	if !svc.ValidateToken(ctx, raw) {
		t.Fatal("token should still be valid after failed revoke")
	}

	ok, err = svc.RevokeToken(ctx, rec.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("RevokeToken by owner: got false, want true")
	}
	if svc.ValidateToken(ctx, raw) {
		t.Error("ValidateToken after revoke: got true, want false")
	}

	tokens, _ := svc.ListUserTokens(ctx, "alice")
	if len(tokens) != 1 || tokens[0].IsActive {
		t.Errorf("revoked token should remain listed and inactive, got %+v", tokens)
	}
}

func TestDailyQuotaScenario(t *testing.T) {
	svc, _, clock := newTestTokenService(t)
	ctx := context.Background()

	raw, _, err := svc.CreateUserToken(ctx, "alice", "laptop")
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 10; i++ {
		if !svc.CheckImageGenerationLimit(ctx, raw) {
			t.Fatalf("check before increment %d: got false, want true", i)
		}
		if !svc.IncrementImageCount(ctx, raw) {
			t.Fatalf("increment %d: got false, want true", i)
		}
	}
	if svc.CheckImageGenerationLimit(ctx, raw) {
		t.Error("check after 10 increments: got true, want false")
	}
	if svc.IncrementImageCount(ctx, raw) {
		t.Error("11th increment: got true, want false")
	}

	// Later the same UTC day: still exhausted.
	clock.t = time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	if svc.CheckImageGenerationLimit(ctx, raw) {
		t.Error("same day: got true, want false")
	}

	// UTC rollover.
	clock.t = time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)
	if !svc.CheckImageGenerationLimit(ctx, raw) {
		t.Error("after rollover: got false, want true")
	}
	if !svc.IncrementImageCount(ctx, raw) {
		t.Error("increment after rollover: got false, want true")
	}
}

func TestCheckDoesNotConsume(t *testing.T) {
	svc, s, _ := newTestTokenService(t)
	ctx := context.Background()

	raw, rec, _ := svc.CreateUserToken(ctx, "alice", "laptop")
	for i := 0; i < 3; i++ {
		svc.CheckImageGenerationLimit(ctx, raw)
	}
	stored, _ := s.GetToken(ctx, rec.ID)
	if stored.TodayImageCount != 0 {
		t.Errorf("TodayImageCount: got %d, want 0", stored.TodayImageCount)
	}
	if stored.LastResetDate != "2026-03-14" {
		t.Errorf("LastResetDate: got %q, want 2026-03-14", stored.LastResetDate)
	}
}

func TestQuotaByTokenID(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()

	_, rec, _ := svc.CreateUserToken(ctx, "alice", "laptop")
	for i := 0; i < 10; i++ {
		if !svc.Increment(ctx, rec.ID) {
			t.Fatalf("Increment %d failed", i+1)
		}
	}
	if svc.CheckLimit(ctx, rec.ID) {
		t.Error("CheckLimit after exhausting quota: got true")
	}
	if svc.Increment(ctx, "missing") {
		t.Error("Increment on unknown id: got true")
	}
}

func TestQuotaUnknownToken(t *testing.T) {
	svc, _, _ := newTestTokenService(t)
	ctx := context.Background()
	if svc.CheckImageGenerationLimit(ctx, "bogus") {
		t.Error("CheckImageGenerationLimit(bogus): got true")
	}
	if svc.IncrementImageCount(ctx, "bogus") {
		t.Error("IncrementImageCount(bogus): got true")
	}
}

func TestAuditOnCreateAndRevoke(t *testing.T) {
	svc, s, _ := newTestTokenService(t)
	ctx := context.Background()

	_, rec, _ := svc.CreateUserToken(ctx, "alice", "laptop")
	svc.RevokeToken(ctx, rec.ID, "alice")

	events, err := s.ListAuditEvents(ctx, store.AuditFilter{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("audit events: got %d, want 2", len(events))
	}
}
