// Package protocol defines the messages exchanged between the gateway and
// devices over the device websocket.
//
// All messages are JSON-encoded and share a common envelope whose "type"
// field determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"` // echoed in replies to correlate requests
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Inbound is an envelope as read off the wire, with the payload left raw
// until the type is known.
type Inbound struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (in Inbound) Decode(v any) error {
	if len(in.Payload) == 0 || string(in.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(in.Payload, v)
}

// Message types.
const (
	// device → gateway
	TypeRegisterDevice = "register_device"
	TypeHeartbeat      = "heartbeat"

	// gateway → device
	TypeNotification     = "notification"
	TypeDeviceRegistered = "device_registered"
	TypeCustomMessage    = "custom_message"
	TypeError            = "error"
)

// RegisterDevice binds the session to a device identified by MAC address.
type RegisterDevice struct {
	MACAddress  string `json:"mac_address"`
	DeviceToken string `json:"device_token,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
}

// DeviceRegistered confirms a registration to the registering session only.
type DeviceRegistered struct {
	DeviceID   string    `json:"device_id"`
	MACAddress string    `json:"mac_address"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notification is a human-readable message pushed to a user's devices.
type Notification struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
