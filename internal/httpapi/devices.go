package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/registry"
)

type deviceRegisterRequest struct {
	DeviceID string               `json:"deviceId"`
	Name     string               `json:"name"`
	Category model.DeviceCategory `json:"category"`
	Location string               `json:"location"`
}

// deviceRegistered is the only response that ever carries the auth token.
type deviceRegistered struct {
	model.Device
	AuthToken string `json:"authToken"`
}

func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRegisterRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	dev, err := h.registry.Register(r.Context(), req.DeviceID, req.Name, req.Category, req.Location, userID(r))
	if err != nil {
		h.respondError(w, r, err, "device")
		return
	}

	h.writeJSON(w, http.StatusCreated, deviceRegistered{Device: dev, AuthToken: dev.AuthToken})
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.List(r.Context(), userID(r))
	if err != nil {
		h.respondError(w, r, err, "devices")
		return
	}
	h.writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.respondError(w, r, err, "device")
		return
	}
	h.writeJSON(w, http.StatusOK, dev)
}

type deviceUpdateRequest struct {
	Name          *string               `json:"name,omitempty"`
	Category      *model.DeviceCategory `json:"category,omitempty"`
	Location      *string               `json:"location,omitempty"`
	Configuration *model.DeviceConfig   `json:"configuration,omitempty"`
}

func (h *Handler) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceUpdateRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	dev, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), userID(r), registry.Update{
		Name:          req.Name,
		Category:      req.Category,
		Location:      req.Location,
		Configuration: req.Configuration,
	})
	if err != nil {
		h.respondError(w, r, err, "device")
		return
	}
	h.writeJSON(w, http.StatusOK, dev)
}

func (h *Handler) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "id"), userID(r)); err != nil {
		h.respondError(w, r, err, "device")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	dev, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.respondError(w, r, err, "device")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": dev.DeviceID,
		"status":   dev.Status,
		"lastSeen": dev.LastSeen,
	})
}

// handleDeviceSensors returns telemetry for the owned device, oldest first.
// hours picks the window (default 24), limit caps the result.
func (h *Handler) handleDeviceSensors(w http.ResponseWriter, r *http.Request) {
	dev, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.respondError(w, r, err, "device")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "hours must be a positive integer", nil)
			return
		}
		hours = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	points, err := h.telemetry.QueryTelemetry(r.Context(), dev.DeviceID, since, limit)
	if err != nil {
		h.respondError(w, r, err, "telemetry")
		return
	}
	h.writeJSON(w, http.StatusOK, points)
}
