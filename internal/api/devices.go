package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/verdure-mcp/gateway/internal/store"
)

type deviceView struct {
	store.Device
	StatusName string `json:"status_name"`
	Online     bool   `json:"online"`
}

func (s *Server) viewDevice(d *store.Device) deviceView {
	return deviceView{Device: *d, StatusName: d.Status.String(), Online: s.hub.IsDeviceOnline(d.ID)}
}

// ownedDevice loads the device in the URL, writing a 404 when it does not
// exist or belongs to someone else.
func (s *Server) ownedDevice(w http.ResponseWriter, r *http.Request) *store.Device {
	id := getIdentityFromContext(r.Context())
	d, err := s.store.GetDevice(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.logger.Error("get device failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return nil
	}
	if d == nil || d.OwnerUserID != id.UserID {
		writeError(w, http.StatusNotFound, "device not found")
		return nil
	}
	return d
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	list, err := s.store.ListDevicesByOwner(r.Context(), id.UserID)
	if err != nil {
		s.logger.Error("list devices failed", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	out := make([]deviceView, 0, len(list))
	for i := range list {
		out = append(out, s.viewDevice(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d := s.ownedDevice(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.viewDevice(d))
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	d := s.ownedDevice(w, r)
	if d == nil {
		return
	}
	conns, err := s.store.ListDeviceConnections(r.Context(), d.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	if conns == nil {
		conns = []store.DeviceConnection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleSendToDevice(w http.ResponseWriter, r *http.Request) {
	d := s.ownedDevice(w, r)
	if d == nil {
		return
	}
	var req struct {
		Method  string          `json:"method"`
		Payload json.RawMessage `json:"payload"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	var n int
	if req.Method == "" {
		n = s.hub.SendCustomMessage(d.ID, req.Payload)
	} else {
		n = s.hub.SendToDevice(d.ID, req.Method, req.Payload)
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	ok, err := s.store.DeleteDevice(r.Context(), chi.URLParam(r, "deviceID"), id.UserID)
	if err != nil {
		s.logger.Error("delete device failed", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	id := getIdentityFromContext(r.Context())
	var req struct {
		Message string `json:"message"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	n := s.hub.SendNotification(id.UserID, req.Message)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}
