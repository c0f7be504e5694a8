package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/verdure-mcp/gateway/internal/auth"
	"github.com/verdure-mcp/gateway/internal/config"
	"github.com/verdure-mcp/gateway/internal/devicehub"
	"github.com/verdure-mcp/gateway/internal/imagegen"
	"github.com/verdure-mcp/gateway/internal/store"
	"github.com/verdure-mcp/gateway/internal/tasks"
	"github.com/verdure-mcp/gateway/internal/tools"
)

const testSecret = "api-test-hmac-secret-with-32-chars+"

func setupTestServer(t *testing.T) (*Server, *auth.TokenService, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.Default()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			Tokens: config.TokenConfig{DefaultDailyImageLimit: 1},
			JWT:    config.JWTConfig{Mode: config.JWTModeHMAC, HMACSecret: testSecret, AdminRole: "admin"},
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 200},
	}

	tokens := auth.NewTokenService(s, cfg.Auth.Tokens, logger)
	jv, err := auth.NewJWTValidator(cfg.Auth.JWT, logger)
	if err != nil {
		t.Fatal(err)
	}
	a := auth.NewAuthenticator(tokens, jv)

	provider := imagegen.ProviderFunc(func(ctx context.Context, req imagegen.Request) (*imagegen.Result, error) {
		return &imagegen.Result{ImageBase64: base64.StdEncoding.EncodeToString([]byte("png"))}, nil
	})
	exec := tasks.NewExecutor(1, 8, logger)
	dispatcher := tasks.NewDispatcher(s, provider, exec, logger, tasks.Options{})
	reg, err := tools.NewRegistry(tools.Builtin(tools.Deps{Tasks: dispatcher})...)
	if err != nil {
		t.Fatal(err)
	}
	pipeline := tools.NewPipeline(reg, tools.DefaultCategories(logger), tools.PipelineOptions{
		Auth: a, RequireToken: cfg.Server.TokenRequired(),
	}, logger)
	hub := devicehub.New(s, a, logger, devicehub.Options{})

	t.Cleanup(func() {
		hub.Close()
		exec.Close(context.Background())
		s.Close()
	})

	srv := NewServer(Deps{Store: s, Auth: a, Tools: pipeline, Tasks: dispatcher, Hub: hub}, cfg, logger)
	return srv, tokens, s
}

func do(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func signJWT(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	rs := make([]any, len(roles))
	for i, r := range roles {
		rs[i] = r
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub, "exp": time.Now().Add(time.Hour).Unix(), "roles": rs,
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestHealth(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	if w := do(t, srv, "GET", "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health: got %d", w.Code)
	}
	if w := do(t, srv, "GET", "/readyz", "", nil); w.Code != http.StatusOK {
		t.Errorf("readyz: got %d", w.Code)
	}
	w := do(t, srv, "GET", "/health", "", nil)
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestTokenLifecycle(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	alice := signJWT(t, "alice")

	w := do(t, srv, "POST", "/api/tokens", alice, map[string]string{"name": "laptop"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", w.Code, w.Body)
	}
	var created struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	json.NewDecoder(w.Body).Decode(&created)
	if created.Token == "" {
		t.Fatal("no raw token returned")
	}

	// The opaque token authenticates as alice.
	w = do(t, srv, "GET", "/api/me", created.Token, nil)
	var me map[string]any
	json.NewDecoder(w.Body).Decode(&me)
	if me["user_id"] != "alice" || me["source"] != auth.SourceToken {
		t.Errorf("me: got %v", me)
	}

	w = do(t, srv, "GET", "/api/tokens", alice, nil)
	if bytes.Contains(w.Body.Bytes(), []byte(created.Token)) {
		t.Error("token list leaks raw token")
	}
	var list []map[string]any
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || list[0]["id"] != created.ID {
		t.Fatalf("list: got %v", list)
	}

	// Another user cannot revoke it.
	if w := do(t, srv, "DELETE", "/api/tokens/"+created.ID, signJWT(t, "mallory"), nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign revoke: got %d, want 404", w.Code)
	}
	if w := do(t, srv, "DELETE", "/api/tokens/"+created.ID, alice, nil); w.Code != http.StatusNoContent {
		t.Errorf("revoke: got %d, want 204", w.Code)
	}
	if w := do(t, srv, "GET", "/api/me", created.Token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("revoked token: got %d, want 401", w.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	for _, tok := range []string{"", "bogus"} {
		w := do(t, srv, "GET", "/api/tokens", tok, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: got %d, want 401", tok, w.Code)
		}
	}
}

func TestAdminRoutes(t *testing.T) {
	srv, tokens, _ := setupTestServer(t)

	if w := do(t, srv, "POST", "/api/admin/tokens", signJWT(t, "bob"), map[string]string{"name": "ci"}); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: got %d, want 403", w.Code)
	}
	w := do(t, srv, "POST", "/api/admin/tokens", signJWT(t, "root", "admin"), map[string]string{"name": "ci"})
	if w.Code != http.StatusCreated {
		t.Fatalf("admin create: got %d: %s", w.Code, w.Body)
	}

	// Unowned tokens are administrative.
	raw, _, err := tokens.CreateToken(context.Background(), "bootstrap", nil)
	if err != nil {
		t.Fatal(err)
	}
	w = do(t, srv, "GET", "/api/admin/audit?action=token.created", raw, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit: got %d", w.Code)
	}
	var events []store.AuditEvent
	json.NewDecoder(w.Body).Decode(&events)
	if len(events) < 2 {
		t.Errorf("audit events: got %d, want >= 2", len(events))
	}
}

func TestToolCalls(t *testing.T) {
	srv, tokens, _ := setupTestServer(t)
	raw, _, _ := tokens.CreateToken(context.Background(), "ci", nil)

	w := do(t, srv, "GET", "/image/tools", "", nil)
	var listed struct {
		Tools []tools.Tool `json:"tools"`
	}
	json.NewDecoder(w.Body).Decode(&listed)
	if len(listed.Tools) != 2 {
		t.Errorf("image tools: got %d, want 2", len(listed.Tools))
	}

	if w := do(t, srv, "POST", "/image/tools/generate_image", "", map[string]string{"prompt": "fox"}); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: got %d, want 401", w.Code)
	}

	w = do(t, srv, "POST", "/image/tools/generate_image", raw, map[string]string{"prompt": "a red fox"})
	if w.Code != http.StatusOK {
		t.Fatalf("generate: got %d: %s", w.Code, w.Body)
	}
	var resp tools.ImageResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != string(store.TaskCompleted) {
		t.Errorf("status: got %q", resp.Status)
	}

	// Daily limit is 1.
	w = do(t, srv, "POST", "/image/tools/generate_image", raw, map[string]string{"prompt": "again"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over quota: got %d, want 429", w.Code)
	}
	var e map[string]string
	json.NewDecoder(w.Body).Decode(&e)
	if e["code"] != "quota_exceeded" {
		t.Errorf("code: got %q", e["code"])
	}

	if w := do(t, srv, "POST", "/email/tools/generate_image", raw, map[string]string{"prompt": "x"}); w.Code != http.StatusNotFound {
		t.Errorf("hidden tool: got %d, want 404", w.Code)
	}
}

func TestTaskVisibility(t *testing.T) {
	srv, _, s := setupTestServer(t)
	ctx := context.Background()
	task := &store.ImageTask{ID: "11111111-1111-1111-1111-111111111111", Prompt: "p", Status: store.TaskPending, UserID: "alice", CreatedAt: time.Now()}
	if err := s.CreateImageTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if w := do(t, srv, "GET", "/api/tasks/"+task.ID, signJWT(t, "alice"), nil); w.Code != http.StatusOK {
		t.Errorf("owner: got %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/tasks/"+task.ID, signJWT(t, "bob"), nil); w.Code != http.StatusNotFound {
		t.Errorf("stranger: got %d, want 404", w.Code)
	}

	admin := signJWT(t, "root", "admin")
	if w := do(t, srv, "POST", "/api/admin/tasks/"+task.ID+"/cancel", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: got %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/admin/tasks/"+task.ID+"/cancel", admin, nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: got %d, want 409", w.Code)
	}
	got, _ := s.GetImageTask(ctx, task.ID)
	if got.Status != store.TaskCancelled {
		t.Errorf("status: got %s, want cancelled", got.Status)
	}
}

func TestDeviceRoutesAreOwnerScoped(t *testing.T) {
	srv, _, s := setupTestServer(t)
	ctx := context.Background()
	d := &store.Device{ID: "dev-1", MACAddress: "AA:BB:CC:DD:EE:FF", OwnerUserID: "bob", Status: store.DeviceOffline, CreatedAt: time.Now()}
	if err := s.CreateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}
	bob, carol := signJWT(t, "bob"), signJWT(t, "carol")

	w := do(t, srv, "GET", "/api/devices", bob, nil)
	var list []map[string]any
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || list[0]["status_name"] != "Offline" {
		t.Fatalf("list: got %v", list)
	}
	if w := do(t, srv, "GET", "/api/devices/dev-1", carol, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign get: got %d, want 404", w.Code)
	}
	w = do(t, srv, "POST", "/api/devices/dev-1/send", bob, map[string]any{"payload": map[string]string{"k": "v"}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("send: got %d", w.Code)
	}
	var sent map[string]int
	json.NewDecoder(w.Body).Decode(&sent)
	if sent["delivered"] != 0 {
		t.Errorf("delivered to offline device: %d", sent["delivered"])
	}
	if w := do(t, srv, "DELETE", "/api/devices/dev-1", carol, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign delete: got %d, want 404", w.Code)
	}
	if w := do(t, srv, "DELETE", "/api/devices/dev-1", bob, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: got %d, want 204", w.Code)
	}
}

func TestRateLimiterEvicts(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }
	if !rl.allow("k") || rl.allow("k") {
		t.Fatal("burst of 1 not enforced")
	}
	now = now.Add(time.Hour)
	if n := rl.evict(time.Minute); n != 1 {
		t.Errorf("evicted: got %d, want 1", n)
	}
}
