package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"],
			"require_token": false,
			"public_base_url": "https://gw.example.com"
		},
		"auth": {
			"tokens": {"default_expiry": "72h", "default_daily_image_limit": 25},
			"jwt": {
				"authority": "https://id.example.com/",
				"realm": "verdure",
				"client_id": "gateway",
				"admin_role": "operator"
			}
		},
		"storage": {"driver": "sqlite", "dsn": "test.db", "audit_retention": "48h"},
		"image": {"endpoint": "https://img.example.com/v1", "timeout": 30, "workers": 4},
		"image_storage": {"enabled": true, "retention_days": 3, "enable_auto_cleanup": false},
		"email": {"smtp_host": "smtp.example.com", "from_email": "noreply@example.com"},
		"device_hub": {"heartbeat_timeout": "2m"},
		"logging": {"level": "debug", "format": "text"},
		"rate_limit": {"requests_per_second": 20, "burst": 40}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Server.TokenRequired() {
		t.Error("Server.TokenRequired: got true, want false")
	}
	if cfg.Auth.Tokens.DefaultExpiry.Duration != 72*time.Hour {
		t.Errorf("Tokens.DefaultExpiry: got %v, want 72h", cfg.Auth.Tokens.DefaultExpiry.Duration)
	}
	if cfg.Auth.Tokens.DefaultDailyImageLimit != 25 {
		t.Errorf("Tokens.DefaultDailyImageLimit: got %d, want 25", cfg.Auth.Tokens.DefaultDailyImageLimit)
	}
	if cfg.Auth.JWT.Mode != JWTModeJWKS {
		t.Errorf("JWT.Mode: got %q, want %q", cfg.Auth.JWT.Mode, JWTModeJWKS)
	}
	if got, want := cfg.Auth.JWT.RealmAuthority(), "https://id.example.com/realms/verdure"; got != want {
		t.Errorf("RealmAuthority: got %q, want %q", got, want)
	}
	if got, want := cfg.Auth.JWT.KeySetURL(), "https://id.example.com/realms/verdure/protocol/openid-connect/certs"; got != want {
		t.Errorf("KeySetURL: got %q, want %q", got, want)
	}
	if cfg.Auth.JWT.AdminRole != "operator" {
		t.Errorf("JWT.AdminRole: got %q", cfg.Auth.JWT.AdminRole)
	}
	if cfg.Storage.AuditRetention.Duration != 48*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v, want 48h", cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Image.Timeout.Duration != 30*time.Second {
		t.Errorf("Image.Timeout: got %v, want 30s", cfg.Image.Timeout.Duration)
	}
	if cfg.Image.Workers != 4 {
		t.Errorf("Image.Workers: got %d, want 4", cfg.Image.Workers)
	}
	if cfg.ImageStorage.AutoCleanup() {
		t.Error("ImageStorage.AutoCleanup: got true, want false")
	}
	if cfg.ImageStorage.BaseURL != "https://gw.example.com" {
		t.Errorf("ImageStorage.BaseURL: got %q, want public base url", cfg.ImageStorage.BaseURL)
	}
	if !cfg.Email.Enabled() {
		t.Error("Email.Enabled: got false, want true")
	}
	if cfg.Email.SMTPPort != 587 {
		t.Errorf("Email.SMTPPort: got %d, want 587", cfg.Email.SMTPPort)
	}
	if cfg.DeviceHub.HeartbeatTimeout.Duration != 2*time.Minute {
		t.Errorf("DeviceHub.HeartbeatTimeout: got %v", cfg.DeviceHub.HeartbeatTimeout.Duration)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
}

func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt": {"mode": "unverified"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Server.TokenRequired() {
		t.Error("TokenRequired should default to true")
	}
	if cfg.Auth.Tokens.DefaultExpiry.Duration != 30*24*time.Hour {
		t.Errorf("DefaultExpiry: got %v, want 720h", cfg.Auth.Tokens.DefaultExpiry.Duration)
	}
	if cfg.Auth.Tokens.DefaultDailyImageLimit != 10 {
		t.Errorf("DefaultDailyImageLimit: got %d, want 10", cfg.Auth.Tokens.DefaultDailyImageLimit)
	}
	if cfg.Auth.JWT.AdminRole != "admin" {
		t.Errorf("AdminRole: got %q, want admin", cfg.Auth.JWT.AdminRole)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "verdure.db" {
		t.Errorf("Storage: got %+v", cfg.Storage)
	}
	if cfg.ImageStorage.Path != "generated-images" {
		t.Errorf("ImageStorage.Path: got %q", cfg.ImageStorage.Path)
	}
	if cfg.ImageStorage.RetentionDays != 7 {
		t.Errorf("ImageStorage.RetentionDays: got %d, want 7", cfg.ImageStorage.RetentionDays)
	}
	if !cfg.ImageStorage.AutoCleanup() {
		t.Error("AutoCleanup should default to true")
	}
	if cfg.Image.Timeout.Duration != 120*time.Second {
		t.Errorf("Image.Timeout: got %v", cfg.Image.Timeout.Duration)
	}
	if cfg.Email.Enabled() {
		t.Error("Email should be disabled without smtp_host")
	}
	if cfg.DeviceHub.MaxMessageBytes != 64*1024 {
		t.Errorf("DeviceHub.MaxMessageBytes: got %d", cfg.DeviceHub.MaxMessageBytes)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format: got %q, want json", cfg.Logging.Format)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			name:    "missing addr",
			json:    `{"auth": {"jwt": {"mode": "unverified"}}}`,
			wantErr: "server.addr is required",
		},
		{
			name:    "jwks without authority",
			json:    `{"server": {"addr": ":8080"}}`,
			wantErr: "jwks mode",
		},
		{
			name:    "short hmac secret",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt": {"mode": "hmac", "hmac_secret": "short"}}}`,
			wantErr: "at least 32 characters",
		},
		{
			name:    "weak hmac secret",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt": {"mode": "hmac", "hmac_secret": "local-dev-secret-change-me-32chars"}}}`,
			wantErr: "weak secret",
		},
		{
			name:    "unknown jwt mode",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt": {"mode": "none"}}}`,
			wantErr: "not supported",
		},
		{
			name:    "unknown driver",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt": {"mode": "unverified"}}, "storage": {"driver": "mysql"}}`,
			wantErr: "storage.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.json))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error: got %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvStorageDSN, "postgres://env/db")
	t.Setenv(EnvSMTPPassword, "smtp-from-env")
	t.Setenv(EnvJWTHMACSecret, "an-hmac-secret-from-the-environment-0123")

	path := writeTempConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt": {"mode": "hmac"}},
		"storage": {"driver": "postgres", "dsn": "ignored"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DSN != "postgres://env/db" {
		t.Errorf("Storage.DSN: got %q", cfg.Storage.DSN)
	}
	if cfg.Email.Password != "smtp-from-env" {
		t.Errorf("Email.Password: got %q", cfg.Email.Password)
	}
	if cfg.Auth.JWT.HMACSecret != "an-hmac-secret-from-the-environment-0123" {
		t.Errorf("JWT.HMACSecret: got %q", cfg.Auth.JWT.HMACSecret)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": "1m30s", "b": 45}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A.Duration != 90*time.Second {
		t.Errorf("A: got %v, want 1m30s", v.A.Duration)
	}
	if v.B.Duration != 45*time.Second {
		t.Errorf("B: got %v, want 45s", v.B.Duration)
	}
	if err := json.Unmarshal([]byte(`{"a": true}`), &v); err == nil {
		t.Error("expected error for boolean duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("got %v, want read config error", err)
	}
}
