// Package api provides the HTTP surface of the gateway: tool calls, token
// management, task lookup, devices and audit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/verdure-mcp/gateway/internal/auth"
	"github.com/verdure-mcp/gateway/internal/config"
	"github.com/verdure-mcp/gateway/internal/devicehub"
	"github.com/verdure-mcp/gateway/internal/store"
	"github.com/verdure-mcp/gateway/internal/tasks"
	"github.com/verdure-mcp/gateway/internal/tools"
)

// Deps are the components the API serves.
type Deps struct {
	Store  store.Store
	Auth   *auth.Authenticator
	Tools  *tools.Pipeline
	Tasks  *tasks.Dispatcher
	Hub    *devicehub.Hub
	Images ImageFiles // nil when image storage is disabled
}

// ImageFiles serves stored images under a URL prefix.
type ImageFiles interface {
	Prefix() string
	Handler() http.Handler
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         *auth.Authenticator
	tools        *tools.Pipeline
	tasks        *tasks.Dispatcher
	hub          *devicehub.Hub
	logger       *slog.Logger
	mux          *chi.Mux
	adminRole    string
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        d.Store,
		auth:         d.Auth,
		tools:        d.Tools,
		tasks:        d.Tasks,
		hub:          d.Hub,
		logger:       logger.With("component", "api"),
		adminRole:    cfg.Auth.JWT.AdminRole,
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/health", srv.handleHealth)
	mux.Get("/readyz", srv.handleReadyz)

	// Device sessions authenticate during the handshake.
	mux.Get("/hub/devices", d.Hub.HandleDeviceWS)

	if d.Images != nil {
		mux.Handle(d.Images.Prefix()+"/*", d.Images.Handler())
	}

	// Tool calls authenticate inside the tool pipeline.
	mux.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(srv.rl))
		r.Get("/{category}/tools", srv.handleListTools)
		r.Post("/{category}/tools/{name}", srv.handleCallTool)
	})

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/tokens", srv.handleListTokens)
		r.Post("/api/tokens", srv.handleCreateToken)
		r.Delete("/api/tokens/{tokenID}", srv.handleRevokeToken)

		r.Get("/api/tasks", srv.handleListTasks)
		r.Get("/api/tasks/{taskID}", srv.handleGetTask)

		r.Get("/api/devices", srv.handleListDevices)
		r.Get("/api/devices/{deviceID}", srv.handleGetDevice)
		r.Get("/api/devices/{deviceID}/connections", srv.handleListConnections)
		r.Post("/api/devices/{deviceID}/send", srv.handleSendToDevice)
		r.Delete("/api/devices/{deviceID}", srv.handleDeleteDevice)
		r.Post("/api/notifications", srv.handleNotify)

		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Post("/api/admin/tokens", srv.handleAdminCreateToken)
			r.Post("/api/admin/tasks/{taskID}/cancel", srv.handleAdminCancelTask)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of the rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"uptime":            time.Since(s.startTime).Truncate(time.Second).String(),
		"connected_devices": s.hub.Connected(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  id.UserID,
		"username": id.Username,
		"roles":    id.Roles,
		"source":   id.Source,
		"admin":    isAdmin(id, s.adminRole),
	})
}

// --- Tools ---

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	list := s.tools.List(category)
	if list == nil {
		list = []tools.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "tools": list})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var args json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := s.tools.Call(r.Context(), &tools.Invocation{
		Category: chi.URLParam(r, "category"),
		Tool:     chi.URLParam(r, "name"),
		Bearer:   bearerToken(r),
		Args:     args,
		Headers:  r.Header,
	})
	if err != nil {
		s.writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeToolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "daily image generation limit reached",
			"code":  "quota_exceeded",
		})
	case errors.Is(err, tools.ErrUnknownTool):
		writeError(w, http.StatusNotFound, "tool not found")
	case errors.Is(err, tools.ErrInvalidArguments):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("tool call failed", "error", err)
		writeError(w, http.StatusInternalServerError, "tool call failed")
	}
}

// --- Tokens ---

type tokenView struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	DailyImageLimit int        `json:"daily_image_limit"`
	TodayImageCount int        `json:"today_image_count"`
}

func viewToken(t *store.APIToken) tokenView {
	return tokenView{
		ID:              t.ID,
		Name:            t.Name,
		IsActive:        t.IsActive,
		CreatedAt:       t.CreatedAt,
		ExpiresAt:       t.ExpiresAt,
		LastUsedAt:      t.LastUsedAt,
		DailyImageLimit: t.DailyImageLimit,
		TodayImageCount: t.TodayImageCount,
	}
}

const tokenNotice = "Store this token securely. It will not be shown again."

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	if id.UserID == "" {
		writeJSON(w, http.StatusOK, []tokenView{})
		return
	}
	list, err := s.auth.Tokens().ListUserTokens(r.Context(), id.UserID)
	if err != nil {
		s.logger.Error("list tokens failed", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}
	out := make([]tokenView, 0, len(list))
	for i := range list {
		out = append(out, viewToken(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusBadRequest, "caller has no user id")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	raw, tok, err := s.auth.Tokens().CreateUserToken(r.Context(), id.UserID, req.Name)
	if err != nil {
		s.logger.Error("create token failed", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         tok.ID,
		"token":      raw,
		"name":       tok.Name,
		"expires_at": tok.ExpiresAt,
		"message":    tokenNotice,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	ok, err := s.auth.Tokens().RevokeToken(r.Context(), chi.URLParam(r, "tokenID"), id.UserID)
	if err != nil {
		s.logger.Error("revoke token failed", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string     `json:"name"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	raw, tok, err := s.auth.Tokens().CreateToken(r.Context(), req.Name, req.ExpiresAt)
	if err != nil {
		s.logger.Error("create admin token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         tok.ID,
		"token":      raw,
		"name":       tok.Name,
		"expires_at": tok.ExpiresAt,
		"message":    tokenNotice,
	})
}

// --- Tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	list, err := s.store.ListImageTasksByUser(r.Context(), id.UserID, queryInt(r, "limit", 50, 500))
	if err != nil {
		s.logger.Error("list tasks failed", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if list == nil {
		list = []store.ImageTask{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.logger.Error("get task failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if task == nil || (task.UserID != id.UserID && !isAdmin(id, s.adminRole)) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAdminCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ok, err := s.tasks.Cancel(r.Context(), taskID)
	if err != nil {
		s.logger.Error("cancel task failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "task is not pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.TaskCancelled)})
}

// --- Audit ---

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action: q.Get("action"),
		UserID: q.Get("user_id"),
		Limit:  queryInt(r, "limit", 50, 500),
		Offset: queryInt(r, "offset", 0, -1),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// queryInt parses a non-negative integer query parameter. max < 0 means
// unbounded.
func queryInt(r *http.Request, key string, def, max int) int {
	n := def
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			n = parsed
		}
	}
	if max >= 0 && n > max {
		n = max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
