package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Coder-HNP/LensClear/internal/bus"
	"github.com/Coder-HNP/LensClear/internal/model"
)

// sensorDataRequest is the HTTP fallback for devices that cannot hold an MQTT
// session. Credentials travel in the body, and the firmware sends power
// consumption under the short "power" key.
type sensorDataRequest struct {
	DeviceID    string   `json:"deviceId"`
	AuthToken   string   `json:"authToken"`
	Temperature *float64 `json:"temperature,omitempty"`
	RPM         *float64 `json:"rpm,omitempty"`
	Power       *float64 `json:"power,omitempty"`
	Vibration   *float64 `json:"vibration,omitempty"`
	ErrorCode   string   `json:"errorCode,omitempty"`
	Status      string   `json:"status,omitempty"`
}

func (h *Handler) handleSensorData(w http.ResponseWriter, r *http.Request) {
	// Lenient decoding on purpose. Fielded firmware adds keys we do not
	// know about and a dropped reading is worse than an ignored field.
	var req sensorDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if req.DeviceID == "" || req.AuthToken == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "deviceId and authToken are required", nil)
		return
	}

	if !h.registry.Authenticate(r.Context(), req.DeviceID, req.AuthToken) {
		h.writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid device credentials", nil)
		return
	}

	now := time.Now()
	point := model.TelemetryPoint{
		DeviceID:         req.DeviceID,
		Temperature:      req.Temperature,
		RPM:              req.RPM,
		PowerConsumption: req.Power,
		Vibration:        req.Vibration,
		ErrorCode:        req.ErrorCode,
		Timestamp:        now,
	}
	if err := h.telemetry.AppendTelemetry(r.Context(), point); err != nil {
		h.respondError(w, r, err, "telemetry")
		return
	}

	status := runStateToStatus(req.Status)
	h.registry.UpdateStatus(r.Context(), req.DeviceID, status, now)

	if owner, err := h.registry.Owner(r.Context(), req.DeviceID); err == nil {
		h.bus.Publish(bus.Event{
			Kind:    bus.KindSensorData,
			UserID:  owner,
			Payload: map[string]any{"deviceId": req.DeviceID, "data": point},
		})
		h.bus.Publish(bus.Event{
			Kind:   bus.KindDeviceStatus,
			UserID: owner,
			Payload: map[string]any{
				"deviceId": req.DeviceID,
				"status":   status,
				"lastSeen": now,
			},
		})
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{"stored": true})
}

// runStateToStatus folds the firmware run state into the device status model,
// same mapping as the broker ingest path.
func runStateToStatus(s string) model.DeviceStatus {
	switch s {
	case "running":
		return model.StatusActive
	case "idle":
		return model.StatusIdle
	default:
		return model.StatusOnline
	}
}
