// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets from the config file.
const (
	EnvStorageDSN    = "VERDURE_STORAGE_DSN"
	EnvSMTPPassword  = "VERDURE_SMTP_PASSWORD"
	EnvImageAPIKey   = "VERDURE_IMAGE_API_KEY"
	EnvJWTHMACSecret = "VERDURE_JWT_HMAC_SECRET"
)

// JWT validation modes.
const (
	JWTModeJWKS       = "jwks"
	JWTModeHMAC       = "hmac"
	JWTModeUnverified = "unverified"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"changeme":                           true,
	"secret":                             true,
	"your-256-bit-secret":                true,
	"local-dev-secret-change-me-32chars": true,
}

// GenerateRandomSecret returns a random 64-character hex string suitable
// for use as an HMAC secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Auth         AuthConfig         `json:"auth"`
	Storage      StorageConfig      `json:"storage"`
	Image        ImageConfig        `json:"image"`
	ImageStorage ImageStorageConfig `json:"image_storage"`
	Email        EmailConfig        `json:"email"`
	DeviceHub    DeviceHubConfig    `json:"device_hub"`
	Logging      LoggingConfig      `json:"logging"`
	RateLimit    RateLimitConfig    `json:"rate_limit,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
	RequireToken   *bool    `json:"require_token,omitempty"`   // tool calls need a bearer token; default true
	PublicBaseURL  string   `json:"public_base_url,omitempty"`
}

// TokenRequired reports whether tool calls must carry an opaque bearer token.
func (s ServerConfig) TokenRequired() bool {
	return s.RequireToken == nil || *s.RequireToken
}

// AuthConfig defines credential settings.
type AuthConfig struct {
	Tokens TokenConfig `json:"tokens"`
	JWT    JWTConfig   `json:"jwt"`
}

// TokenConfig controls opaque token issuance.
type TokenConfig struct {
	DefaultExpiry          Duration `json:"default_expiry,omitempty"`            // user tokens; default 30 days
	DefaultDailyImageLimit int      `json:"default_daily_image_limit,omitempty"` // default 10
}

// JWTConfig controls federated JWT validation.
type JWTConfig struct {
	Mode       string `json:"mode,omitempty"`      // "jwks" (default), "hmac" or "unverified"
	Authority  string `json:"authority,omitempty"` // e.g. "https://auth.example.com"
	Realm      string `json:"realm,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
	Audience   string `json:"audience,omitempty"`
	JWKSURL    string `json:"jwks_url,omitempty"` // overrides the realm certs endpoint
	HMACSecret string `json:"hmac_secret,omitempty"`
	AdminRole  string `json:"admin_role,omitempty"` // default "admin"
}

// RealmAuthority returns the issuer URL for the configured realm.
func (j JWTConfig) RealmAuthority() string {
	if j.Authority == "" || j.Realm == "" {
		return ""
	}
	return strings.TrimRight(j.Authority, "/") + "/realms/" + j.Realm
}

// KeySetURL returns the JWKS endpoint used to verify signatures.
func (j JWTConfig) KeySetURL() string {
	if j.JWKSURL != "" {
		return j.JWKSURL
	}
	if ra := j.RealmAuthority(); ra != "" {
		return ra + "/protocol/openid-connect/certs"
	}
	return ""
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`    // e.g. "verdure.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"`
}

// ImageConfig defines the image generation provider.
type ImageConfig struct {
	Endpoint   string   `json:"endpoint,omitempty"`    // base URL of an OpenAI-compatible API
	APIKey     string   `json:"api_key,omitempty"`
	Model      string   `json:"model,omitempty"`       // model, or deployment name on Azure
	APIVersion string   `json:"api_version,omitempty"` // set for Azure OpenAI deployments
	Timeout    Duration `json:"timeout,omitempty"`     // default 120s
	Workers    int      `json:"workers,omitempty"`     // background executor size; default 2
	QueueSize  int      `json:"queue_size,omitempty"`  // default 64
}

// ImageStorageConfig defines where generated images are written.
type ImageStorageConfig struct {
	Enabled           bool     `json:"enabled,omitempty"`
	Path              string   `json:"path,omitempty"`     // default "generated-images"
	BaseURL           string   `json:"base_url,omitempty"` // defaults to server.public_base_url
	RetentionDays     int      `json:"retention_days,omitempty"`
	EnableAutoCleanup *bool    `json:"enable_auto_cleanup,omitempty"` // default true
	CleanupInterval   Duration `json:"cleanup_interval,omitempty"`    // default 1h
}

// AutoCleanup reports whether expired images are deleted periodically.
func (c ImageStorageConfig) AutoCleanup() bool {
	return c.EnableAutoCleanup == nil || *c.EnableAutoCleanup
}

// EmailConfig defines SMTP delivery settings.
type EmailConfig struct {
	SMTPHost  string   `json:"smtp_host,omitempty"`
	SMTPPort  int      `json:"smtp_port,omitempty"` // default 587
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
	UseSSL    bool     `json:"use_ssl,omitempty"` // implicit TLS; STARTTLS is used otherwise when offered
	FromEmail string   `json:"from_email,omitempty"`
	FromName  string   `json:"from_name,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"` // default 30s
}

// Enabled reports whether SMTP delivery is configured.
func (c EmailConfig) Enabled() bool {
	return c.SMTPHost != "" && c.FromEmail != ""
}

// DeviceHubConfig defines the device websocket transport.
type DeviceHubConfig struct {
	AllowedOrigins   []string `json:"allowed_origins,omitempty"`
	MaxMessageBytes  int64    `json:"max_message_bytes,omitempty"` // default 64KB
	HeartbeatTimeout Duration `json:"heartbeat_timeout,omitempty"` // 0 disables the idle reaper
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines per-caller API rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies .env and environment overrides, and validates it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStorageDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(EnvSMTPPassword); v != "" {
		c.Email.Password = v
	}
	if v := os.Getenv(EnvImageAPIKey); v != "" {
		c.Image.APIKey = v
	}
	if v := os.Getenv(EnvJWTHMACSecret); v != "" {
		c.Auth.JWT.HMACSecret = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}

	switch c.Auth.JWT.Mode {
	case "", JWTModeJWKS:
		if c.Auth.JWT.KeySetURL() == "" {
			return fmt.Errorf("auth.jwt requires authority and realm, or jwks_url, in jwks mode")
		}
	case JWTModeHMAC:
		if len(c.Auth.JWT.HMACSecret) < 32 {
			return fmt.Errorf("auth.jwt.hmac_secret must be at least 32 characters")
		}
		if knownWeakSecrets[c.Auth.JWT.HMACSecret] {
			return fmt.Errorf("auth.jwt.hmac_secret is a well-known weak secret, generate a new one")
		}
	case JWTModeUnverified:
	default:
		return fmt.Errorf("auth.jwt.mode %q is not supported", c.Auth.JWT.Mode)
	}

	if c.Auth.Tokens.DefaultDailyImageLimit < 0 {
		return fmt.Errorf("auth.tokens.default_daily_image_limit must not be negative")
	}
	if c.ImageStorage.RetentionDays < 0 {
		return fmt.Errorf("image_storage.retention_days must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.Tokens.DefaultExpiry.Duration == 0 {
		c.Auth.Tokens.DefaultExpiry.Duration = 30 * 24 * time.Hour
	}
	if c.Auth.Tokens.DefaultDailyImageLimit == 0 {
		c.Auth.Tokens.DefaultDailyImageLimit = 10
	}
	if c.Auth.JWT.Mode == "" {
		c.Auth.JWT.Mode = JWTModeJWKS
	}
	if c.Auth.JWT.AdminRole == "" {
		c.Auth.JWT.AdminRole = "admin"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "verdure.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour
	}
	if c.Image.Timeout.Duration == 0 {
		c.Image.Timeout.Duration = 120 * time.Second
	}
	if c.Image.Workers == 0 {
		c.Image.Workers = 2
	}
	if c.Image.QueueSize == 0 {
		c.Image.QueueSize = 64
	}
	if c.Image.Model == "" {
		c.Image.Model = "dall-e-3"
	}
	if c.ImageStorage.Path == "" {
		c.ImageStorage.Path = "generated-images"
	}
	if c.ImageStorage.BaseURL == "" {
		c.ImageStorage.BaseURL = c.Server.PublicBaseURL
	}
	if c.ImageStorage.RetentionDays == 0 {
		c.ImageStorage.RetentionDays = 7
	}
	if c.ImageStorage.CleanupInterval.Duration == 0 {
		c.ImageStorage.CleanupInterval.Duration = time.Hour
	}
	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	if c.Email.Timeout.Duration == 0 {
		c.Email.Timeout.Duration = 30 * time.Second
	}
	if c.DeviceHub.MaxMessageBytes == 0 {
		c.DeviceHub.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if len(c.DeviceHub.AllowedOrigins) == 0 {
		c.DeviceHub.AllowedOrigins = c.Server.AllowedOrigins
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
