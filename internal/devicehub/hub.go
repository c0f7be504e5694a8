// Package devicehub keeps live websocket sessions with devices, binds them to
// users and device records, and routes pushed messages to them.
package devicehub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/verdure-mcp/gateway/internal/auth"
	"github.com/verdure-mcp/gateway/internal/store"
	"github.com/verdure-mcp/gateway/pkg/protocol"
)

// ErrNotRegistered is returned for operations that need a registered device.
var ErrNotRegistered = errors.New("device is not registered")

const writeWait = 10 * time.Second

// makeUpgrader creates a websocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // devices send no Origin
			}
			return originSet[origin]
		},
	}
}

// session is one live device transport connection.
type session struct {
	id     string
	userID string
	conn   *websocket.Conn

	mu       sync.Mutex // serializes writes
	deviceID string
	lastSeen time.Time
}

func (s *session) touch(at time.Time) {
	s.mu.Lock()
	s.lastSeen = at
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Options configures the Hub.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // default 64KB
}

// Hub tracks device sessions and their routing groups.
type Hub struct {
	store    store.Store
	auth     *auth.Authenticator
	logger   *slog.Logger
	pushLog  *slog.Logger
	upgrader websocket.Upgrader
	maxMsg   int64
	groups   *groups
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session // conn_id -> session
}

// New creates a device hub.
func New(s store.Store, a *auth.Authenticator, logger *slog.Logger, opts Options) *Hub {
	maxMsg := opts.MaxMessageBytes
	if maxMsg == 0 {
		maxMsg = 64 * 1024
	}
	return &Hub{
		store:    s,
		auth:     a,
		logger:   logger.With("component", "devicehub"),
		pushLog:  logger.With("component", "push"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		maxMsg:   maxMsg,
		groups:   newGroups(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// HandleDeviceWS authenticates and upgrades a device connection, then serves
// it until the transport closes.
func (h *Hub) HandleDeviceWS(w http.ResponseWriter, req *http.Request) {
	// Devices cannot always set headers during the handshake, so the
	// credential is accepted from the query string as well.
	tokenStr := req.URL.Query().Get("access_token")
	if tokenStr == "" {
		if a := req.Header.Get("Authorization"); strings.HasPrefix(a, "Bearer ") {
			tokenStr = a[7:]
		}
	}
	if tokenStr == "" {
		h.logger.Warn("device connection without credential", "remote", req.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := h.auth.Authenticate(req.Context(), tokenStr)
	if err != nil || identity.UserID == "" {
		h.logger.Warn("device authentication failed", "remote", req.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("device websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.maxMsg)

	sess := &session{
		id:       uuid.New().String(),
		userID:   identity.UserID,
		conn:     conn,
		lastSeen: h.now(),
	}
	h.attach(sess)
	h.logger.Info("device connected", "conn_id", sess.id, "user_id", sess.userID, "source", identity.Source)

	defer func() {
		h.detach(sess)
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := h.Disconnect(ctx, sess.id); err != nil {
			h.logger.Error("device disconnect failed", "conn_id", sess.id, "error", err)
		}
		h.logger.Info("device disconnected", "conn_id", sess.id, "user_id", sess.userID)
	}()

	h.send(sess, protocol.TypeNotification, "", "Connected to Verdure device hub. ConnectionId: "+sess.id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("device read error", "conn_id", sess.id, "error", err)
			return
		}
		sess.touch(h.now())

		var in protocol.Inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			h.logger.Warn("invalid message from device", "conn_id", sess.id, "error", err)
			h.sendError(sess, "", "bad_message", "message is not a valid envelope")
			continue
		}
		h.handleMessage(ctx, sess, in)
	}
}

func (h *Hub) handleMessage(ctx context.Context, sess *session, in protocol.Inbound) {
	switch in.Type {
	case protocol.TypeRegisterDevice:
		var reg protocol.RegisterDevice
		if err := in.Decode(&reg); err != nil {
			h.sendError(sess, in.ID, "bad_message", "invalid register_device payload")
			return
		}
		d, err := h.RegisterDevice(ctx, sess.id, sess.userID, reg)
		if err != nil {
			h.logger.Warn("device registration failed", "conn_id", sess.id, "error", err)
			h.sendError(sess, in.ID, "registration_failed", err.Error())
			return
		}
		h.send(sess, protocol.TypeDeviceRegistered, in.ID, protocol.DeviceRegistered{
			DeviceID:   d.ID,
			MACAddress: d.MACAddress,
			Status:     d.Status.String(),
			Timestamp:  h.now().UTC(),
		})

	case protocol.TypeHeartbeat:
		if err := h.Heartbeat(ctx, sess.id); err != nil {
			h.logger.Warn("heartbeat failed", "conn_id", sess.id, "error", err)
		}

	default:
		h.sendError(sess, in.ID, "unknown_type", fmt.Sprintf("unknown message type %q", in.Type))
	}
}

func (h *Hub) attach(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.groups.add(userGroup(s.userID), s)
}

func (h *Hub) detach(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	h.groups.remove(userGroup(s.userID), s.id)
	s.mu.Lock()
	deviceID := s.deviceID
	s.mu.Unlock()
	if deviceID != "" {
		h.groups.remove(deviceGroup(deviceID), s.id)
	}
}

func (h *Hub) session(connID string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[connID]
}

// NormalizeMAC canonicalizes a MAC address to upper case with colons.
func NormalizeMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, "-", ":")
}

// RegisterDevice finds or creates the device for req.MACAddress, assigns it
// to userID, marks it Online and binds connID to it. A device registered by
// another user changes owner.
func (h *Hub) RegisterDevice(ctx context.Context, connID, userID string, req protocol.RegisterDevice) (*store.Device, error) {
	if userID == "" {
		return nil, auth.ErrUnauthorized
	}
	mac := NormalizeMAC(req.MACAddress)
	if mac == "" {
		return nil, errors.New("mac_address is required")
	}
	now := h.now().UTC()

	d, err := h.store.GetDeviceByMAC(ctx, mac)
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}
	previousOwner := ""
	if d == nil {
		d = &store.Device{
			ID:          uuid.New().String(),
			MACAddress:  mac,
			OwnerUserID: userID,
			Status:      store.DeviceOnline,
			Metadata:    req.Metadata,
			CreatedAt:   now,
			LastSeenAt:  &now,
		}
		if err := h.store.CreateDevice(ctx, d); err != nil {
			return nil, fmt.Errorf("create device: %w", err)
		}
	} else {
		previousOwner = d.OwnerUserID
		d.OwnerUserID = userID
		d.Status = store.DeviceOnline
		d.LastSeenAt = &now
		d.UpdatedAt = &now
		if req.Metadata != "" {
			d.Metadata = req.Metadata
		}
		if err := h.store.UpdateDeviceRegistration(ctx, d); err != nil {
			return nil, fmt.Errorf("update device: %w", err)
		}
	}

	prev, err := h.store.GetDeviceConnection(ctx, connID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if err := h.store.UpsertDeviceConnection(ctx, &store.DeviceConnection{
		ConnectionID:    connID,
		DeviceID:        d.ID,
		UserID:          userID,
		ConnectedAt:     now,
		LastHeartbeatAt: &now,
	}); err != nil {
		return nil, fmt.Errorf("record connection: %w", err)
	}
	// The session moved to another MAC; the device it left may have no
	// connection left.
	if prev != nil && prev.DeviceID != d.ID {
		if err := h.offlineIfUnconnected(ctx, prev.DeviceID, prev.UserID, connID); err != nil {
			return nil, err
		}
	}

	if sess := h.session(connID); sess != nil {
		sess.mu.Lock()
		old := sess.deviceID
		sess.deviceID = d.ID
		sess.mu.Unlock()
		if old != "" && old != d.ID {
			h.groups.remove(deviceGroup(old), connID)
		}
		h.groups.add(deviceGroup(d.ID), sess)
	}

	detail := map[string]string{"mac_address": mac, "connection_id": connID}
	if previousOwner != "" && previousOwner != userID {
		detail["previous_owner"] = previousOwner
		h.logger.Info("device ownership transferred", "device_id", d.ID, "from", previousOwner, "to", userID)
	}
	h.audit(ctx, "device.registered", userID, d.ID, detail)
	h.logger.Info("device registered", "device_id", d.ID, "mac", mac, "user_id", userID, "conn_id", connID)
	return d, nil
}

// Heartbeat refreshes the connection and device liveness timestamps. It is a
// no-op for a connection that has not registered a device.
func (h *Hub) Heartbeat(ctx context.Context, connID string) error {
	now := h.now().UTC()
	ok, err := h.store.TouchDeviceConnection(ctx, connID, now)
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	if !ok {
		return nil
	}
	c, err := h.store.GetDeviceConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if c == nil {
		return nil
	}
	if err := h.store.TouchDevice(ctx, c.DeviceID, now); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// Disconnect removes the connection row for connID and marks its device
// Offline once no other connection to it remains. Unknown connections are
// ignored, so repeated calls are harmless.
func (h *Hub) Disconnect(ctx context.Context, connID string) error {
	c, err := h.store.GetDeviceConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if c == nil {
		return nil
	}
	deleted, err := h.store.DeleteDeviceConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if !deleted {
		return nil
	}

	return h.offlineIfUnconnected(ctx, c.DeviceID, c.UserID, connID)
}

// offlineIfUnconnected marks deviceID Offline when no connection row
// references it any more. connID is the connection that just left.
func (h *Hub) offlineIfUnconnected(ctx context.Context, deviceID, userID, connID string) error {
	remaining, err := h.store.CountDeviceConnections(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("count connections: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	if err := h.store.SetDeviceStatus(ctx, deviceID, store.DeviceOffline, h.now().UTC()); err != nil {
		return fmt.Errorf("mark device offline: %w", err)
	}
	h.audit(ctx, "device.disconnected", userID, deviceID, map[string]string{"connection_id": connID})
	return nil
}

// ReapIdle closes sessions that have sent nothing for longer than timeout and
// returns how many were closed. Their read loops then run Disconnect.
func (h *Hub) ReapIdle(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	cutoff := h.now().Add(-timeout)

	h.mu.RLock()
	var idle []*session
	for _, s := range h.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range idle {
		h.logger.Info("closing idle device session", "conn_id", s.id, "user_id", s.userID)
		s.mu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout"))
		s.mu.Unlock()
		s.conn.Close()
	}
	return len(idle)
}

// Sweep clears connection rows left by a previous process and marks their
// devices Offline. Call it before serving.
func (h *Hub) Sweep(ctx context.Context) (int64, error) {
	n, err := h.store.ResetDeviceConnections(ctx, h.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset device connections: %w", err)
	}
	if n > 0 {
		h.logger.Info("cleared stale device connections", "count", n)
	}
	return n, nil
}

// Connected returns the number of live sessions.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close closes every live session.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
		s.mu.Unlock()
		s.conn.Close()
	}
}

func (h *Hub) audit(ctx context.Context, action, userID, targetID string, detail any) {
	raw, _ := json.Marshal(detail)
	if err := h.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: action, UserID: userID, TargetID: targetID,
		Detail: raw, CreatedAt: h.now().UTC(),
	}); err != nil {
		h.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
