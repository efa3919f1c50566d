package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/store"
)

type sendCommandRequest struct {
	DeviceID   string                 `json:"deviceId"`
	DeviceIDs  []string               `json:"deviceIds,omitempty"`
	Action     string                 `json:"action"`
	Parameters model.ActionParameters `json:"parameters"`
}

// handleSendCommand dispatches to one device or, when deviceIds is set, to a
// batch with per-device error isolation.
func (h *Handler) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	uid := userID(r)

	if len(req.DeviceIDs) > 0 {
		result, err := h.dispatcher.DispatchToMany(r.Context(), req.DeviceIDs, req.Action, req.Parameters, uid)
		if err != nil {
			h.respondError(w, r, err, "command")
			return
		}
		h.writeJSON(w, http.StatusOK, result)
		return
	}

	if req.DeviceID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "deviceId is required", nil)
		return
	}
	entry, err := h.dispatcher.Dispatch(r.Context(), req.DeviceID, req.Action, req.Parameters, uid)
	if err != nil {
		h.respondError(w, r, err, "command")
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := h.logs.GetLogEntry(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.respondError(w, r, err, "command")
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// pulledCommand is the claim response shape the polling firmware expects.
// Parameters are not persisted on the log entry, so the pull path always
// returns an empty object; push delivery carries the real parameters.
type pulledCommand struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
}

// handlePullCommand claims the oldest pending command for the device and
// marks it sent. Exactly one concurrent poller wins any given entry.
func (h *Handler) handlePullCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	entry, err := h.logs.ClaimOldestPending(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.metrics.IncCommandClaim("empty")
			h.writeError(w, http.StatusNotFound, "no_pending_command", "no pending command for device", nil)
			return
		}
		h.metrics.IncCommandClaim("error")
		h.respondError(w, r, err, "command")
		return
	}
	h.metrics.IncCommandClaim("claimed")

	h.writeJSON(w, http.StatusOK, pulledCommand{
		Command:    entry.Action,
		Parameters: map[string]any{},
		ID:         entry.ID,
	})
}
