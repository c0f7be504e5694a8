// Package store defines the persistence interface and its SQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence layer for credentials, image tasks, devices and audit events.
type Store interface {
	// API tokens
	CreateToken(ctx context.Context, tok *APIToken) error
	GetToken(ctx context.Context, id string) (*APIToken, error)
	ListActiveTokens(ctx context.Context) ([]APIToken, error)
	ListTokensByUser(ctx context.Context, userID string) ([]APIToken, error)
	TouchToken(ctx context.Context, id string, usedAt time.Time) error
	DeactivateToken(ctx context.Context, id, userID string) (bool, error)
	ResetImageCount(ctx context.Context, id, day string) error
	IncrementImageCount(ctx context.Context, id string) (bool, error)

	// Image tasks
	CreateImageTask(ctx context.Context, task *ImageTask) error
	GetImageTask(ctx context.Context, id string) (*ImageTask, error)
	TransitionImageTask(ctx context.Context, id string, t TaskTransition) (bool, error)
	MarkImageTaskEmailSent(ctx context.Context, id string, at time.Time) error
	ListImageTasksByStatus(ctx context.Context, status TaskStatus) ([]ImageTask, error)
	ListImageTasksByUser(ctx context.Context, userID string, limit int) ([]ImageTask, error)

	// Devices
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetDeviceByMAC(ctx context.Context, mac string) (*Device, error)
	UpdateDeviceRegistration(ctx context.Context, d *Device) error
	SetDeviceStatus(ctx context.Context, id string, status DeviceStatus, at time.Time) error
	TouchDevice(ctx context.Context, id string, at time.Time) error
	ListDevicesByOwner(ctx context.Context, userID string) ([]Device, error)
	DeleteDevice(ctx context.Context, id, ownerID string) (bool, error)

	// Device connections
	UpsertDeviceConnection(ctx context.Context, c *DeviceConnection) error
	GetDeviceConnection(ctx context.Context, connID string) (*DeviceConnection, error)
	TouchDeviceConnection(ctx context.Context, connID string, at time.Time) (bool, error)
	DeleteDeviceConnection(ctx context.Context, connID string) (bool, error)
	ListDeviceConnections(ctx context.Context, deviceID string) ([]DeviceConnection, error)
	CountDeviceConnections(ctx context.Context, deviceID string) (int, error)
	ResetDeviceConnections(ctx context.Context, at time.Time) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, e *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeAuditEvents(ctx context.Context, olderThan time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// APIToken is the persisted record of an opaque bearer credential.
// TokenHash holds "base64(salt):base64(pbkdf2)"; the raw token is never stored.
type APIToken struct {
	ID              string     `json:"id"`
	TokenHash       string     `json:"-"`
	Name            string     `json:"name"`
	UserID          string     `json:"user_id,omitempty"` // empty for unowned/admin tokens
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	DailyImageLimit int        `json:"daily_image_limit"`
	TodayImageCount int        `json:"today_image_count"`
	LastResetDate   string     `json:"last_reset_date,omitempty"` // UTC "2006-01-02"
}

// Expired reports whether the token's expiry has passed at now.
func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// TaskStatus is the lifecycle state of an image generation task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// AllowedFrom returns the states a task may move out of to reach s.
func AllowedFrom(s TaskStatus) []TaskStatus {
	switch s {
	case TaskProcessing:
		return []TaskStatus{TaskPending, TaskProcessing}
	case TaskCompleted:
		return []TaskStatus{TaskProcessing}
	case TaskFailed:
		return []TaskStatus{TaskPending, TaskProcessing}
	case TaskCancelled:
		return []TaskStatus{TaskPending}
	default:
		return nil
	}
}

// ImageTask is one unit of image generation work and its outcome.
type ImageTask struct {
	ID            string     `json:"id"`
	Prompt        string     `json:"prompt"`
	Size          string     `json:"size,omitempty"`
	Quality       string     `json:"quality,omitempty"`
	Style         string     `json:"style,omitempty"`
	Status        TaskStatus `json:"status"`
	ImageData     string     `json:"image_base64,omitempty"` // inline payload when no URL is available
	ImageURL      string     `json:"image_url,omitempty"`
	RevisedPrompt string     `json:"revised_prompt,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Email         string     `json:"email,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	JobID         string     `json:"job_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	EmailSent     bool       `json:"email_sent"`
}

// TaskTransition describes a conditional status change. Fields other than
// To and At are applied only where they make sense for the target state.
type TaskTransition struct {
	To            TaskStatus
	At            time.Time
	JobID         string
	ImageData     string
	ImageURL      string
	RevisedPrompt string
	ErrorMessage  string
}

// DeviceStatus is the connection-derived state of a device.
type DeviceStatus int

const (
	DeviceOffline    DeviceStatus = 0
	DeviceOnline     DeviceStatus = 1
	DeviceRegistered DeviceStatus = 2
)

func (s DeviceStatus) String() string {
	switch s {
	case DeviceOnline:
		return "Online"
	case DeviceRegistered:
		return "Registered"
	default:
		return "Offline"
	}
}

// Device is a physical endpoint identified by its MAC address.
type Device struct {
	ID          string       `json:"id"`
	MACAddress  string       `json:"mac_address"`
	OwnerUserID string       `json:"owner_user_id,omitempty"`
	Status      DeviceStatus `json:"status"`
	Metadata    string       `json:"metadata,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   *time.Time   `json:"updated_at,omitempty"`
	LastSeenAt  *time.Time   `json:"last_seen_at,omitempty"`
}

// DeviceConnection is a live transport session bound to a device.
type DeviceConnection struct {
	ConnectionID    string     `json:"connection_id"`
	DeviceID        string     `json:"device_id"`
	UserID          string     `json:"user_id,omitempty"`
	ConnectedAt     time.Time  `json:"connected_at"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// AuditEvent records a security-relevant action.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter narrows ListAuditEvents.
type AuditFilter struct {
	Action string
	UserID string
	Limit  int
	Offset int
}
