package devicehub

import (
	"encoding/json"

	"github.com/verdure-mcp/gateway/pkg/protocol"
)

// SendToUser pushes method/payload to every live session of userID and
// returns how many sessions it was written to. Delivery is best effort;
// an empty group is not an error.
func (h *Hub) SendToUser(userID, method string, payload any) int {
	return h.broadcast(userGroup(userID), method, payload)
}

// SendToDevice pushes method/payload to every session registered as deviceID.
func (h *Hub) SendToDevice(deviceID, method string, payload any) int {
	return h.broadcast(deviceGroup(deviceID), method, payload)
}

// SendCustomMessage pushes an application-defined payload to a device.
func (h *Hub) SendCustomMessage(deviceID string, payload any) int {
	return h.SendToDevice(deviceID, protocol.TypeCustomMessage, payload)
}

// SendNotification pushes a text notification to all of a user's devices.
func (h *Hub) SendNotification(userID, message string) int {
	return h.SendToUser(userID, protocol.TypeNotification, protocol.Notification{
		Message:   message,
		Timestamp: h.now().UTC(),
	})
}

// IsDeviceOnline reports whether deviceID has at least one live session.
func (h *Hub) IsDeviceOnline(deviceID string) bool {
	return h.groups.size(deviceGroup(deviceID)) > 0
}

func (h *Hub) broadcast(group, method string, payload any) int {
	members := h.groups.snapshot(group)
	if len(members) == 0 {
		h.pushLog.Debug("push to empty group", "group", group, "type", method)
		return 0
	}
	data, err := h.encode(method, "", payload)
	if err != nil {
		h.pushLog.Warn("encode push failed", "group", group, "type", method, "error", err)
		return 0
	}
	sent := 0
	for _, s := range members {
		if err := s.write(data); err != nil {
			h.pushLog.Warn("push failed", "conn_id", s.id, "type", method, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (h *Hub) encode(msgType, id string, payload any) ([]byte, error) {
	return json.Marshal(protocol.Envelope{
		Type:      msgType,
		ID:        id,
		Timestamp: h.now().UTC(),
		Payload:   payload,
	})
}

// send writes to a single session, used for replies to the caller only.
func (h *Hub) send(s *session, msgType, id string, payload any) {
	data, err := h.encode(msgType, id, payload)
	if err != nil {
		return
	}
	if err := s.write(data); err != nil {
		h.logger.Debug("send to device failed", "conn_id", s.id, "type", msgType, "error", err)
	}
}

func (h *Hub) sendError(s *session, id, code, msg string) {
	h.send(s, protocol.TypeError, id, protocol.ErrorResponse{Code: code, Message: msg})
}

