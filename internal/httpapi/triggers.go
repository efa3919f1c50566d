package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/trigger"
)

type triggerCreateRequest struct {
	Name          string                 `json:"name"`
	Type          model.TriggerType      `json:"type"`
	Action        string                 `json:"action"`
	TargetDevices []string               `json:"targetDevices"`
	Schedule      model.Schedule         `json:"schedule"`
	Parameters    model.ActionParameters `json:"parameters"`
	Enabled       bool                   `json:"enabled"`
}

func (h *Handler) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerCreateRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	t, err := h.engine.Create(r.Context(), userID(r), trigger.Input{
		Name:          req.Name,
		Type:          req.Type,
		Action:        req.Action,
		TargetDevices: req.TargetDevices,
		Schedule:      req.Schedule,
		Parameters:    req.Parameters,
		Enabled:       req.Enabled,
	})
	if err != nil {
		h.respondError(w, r, err, "trigger")
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.engine.List(r.Context(), userID(r))
	if err != nil {
		h.respondError(w, r, err, "triggers")
		return
	}
	h.writeJSON(w, http.StatusOK, triggers)
}

func (h *Handler) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.respondError(w, r, err, "trigger")
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

type triggerUpdateRequest struct {
	Name          *string                 `json:"name,omitempty"`
	Action        *string                 `json:"action,omitempty"`
	TargetDevices []string                `json:"targetDevices,omitempty"`
	Schedule      *model.Schedule         `json:"schedule,omitempty"`
	Parameters    *model.ActionParameters `json:"parameters,omitempty"`
	Enabled       *bool                   `json:"enabled,omitempty"`
}

func (h *Handler) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerUpdateRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	t, err := h.engine.Update(r.Context(), chi.URLParam(r, "id"), userID(r), trigger.Update{
		Name:          req.Name,
		Action:        req.Action,
		TargetDevices: req.TargetDevices,
		Schedule:      req.Schedule,
		Parameters:    req.Parameters,
		Enabled:       req.Enabled,
	})
	if err != nil {
		h.respondError(w, r, err, "trigger")
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id"), userID(r)); err != nil {
		h.respondError(w, r, err, "trigger")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) handleToggleTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Toggle(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.respondError(w, r, err, "trigger")
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleExecuteTrigger(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ExecuteNow(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		h.respondError(w, r, err, "trigger")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
