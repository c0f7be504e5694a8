// Package devicesim is a device-side websocket client used to exercise the
// device hub from the command line.
package devicesim

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/verdure-mcp/gateway/pkg/protocol"
)

// Options configures a simulated device.
type Options struct {
	URL               string // ws(s)://host/hub/devices
	Token             string
	MACAddress        string
	Metadata          string
	HeartbeatInterval time.Duration // default 30s
	ReconnectInterval time.Duration // default 5s
	TLSSkipVerify     bool
}

// MessageHandler receives every message the gateway sends.
type MessageHandler func(in protocol.Inbound)

// StateHandler is told when the connection comes up or goes down. err is the
// reason for a disconnect and nil on connect.
type StateHandler func(connected bool, err error)

// Client is one simulated device connection.
type Client struct {
	opts    Options
	handler MessageHandler
	onState StateHandler
	logger  *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	deviceID string
}

// NewClient creates a device client. handler may be nil.
func NewClient(opts Options, handler MessageHandler, logger *slog.Logger) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  logger.With("component", "devicesim", "mac", opts.MACAddress),
	}
}

// OnState registers fn for connection state changes. It must be called
// before Run.
func (c *Client) OnState(fn StateHandler) {
	c.onState = fn
}

func (c *Client) notify(connected bool, err error) {
	if c.onState != nil {
		c.onState(connected, err)
	}
}

// DeviceID returns the id assigned at the last registration.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Run connects, registers and sends heartbeats, reconnecting after failures
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.notify(false, err)
		c.logger.Warn("connection lost", "error", err)
		c.logger.Info("reconnecting", "delay", c.opts.ReconnectInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

// RunOnce serves a single connection until it fails or ctx is cancelled.
func (c *Client) RunOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()
	c.logger.Info("connected to gateway", "url", c.opts.URL)
	c.notify(true, nil)

	if err := c.send(protocol.TypeRegisterDevice, uuid.New().String(), protocol.RegisterDevice{
		MACAddress: c.opts.MACAddress,
		Metadata:   c.opts.Metadata,
	}); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		c.mu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		c.mu.Unlock()
		conn.Close()
		return nil
	})
	return g.Wait()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", c.opts.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.New("gateway rejected the access token")
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		var in protocol.Inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			c.logger.Warn("invalid message from gateway", "error", err)
			continue
		}
		if in.Type == protocol.TypeDeviceRegistered {
			var reg protocol.DeviceRegistered
			if err := in.Decode(&reg); err == nil {
				c.mu.Lock()
				c.deviceID = reg.DeviceID
				c.mu.Unlock()
				c.logger.Info("device registered", "device_id", reg.DeviceID, "status", reg.Status)
			}
		}
		if c.handler != nil {
			c.handler(in)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.send(protocol.TypeHeartbeat, "", nil); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func (c *Client) send(msgType, id string, payload any) error {
	data, err := json.Marshal(protocol.Envelope{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
