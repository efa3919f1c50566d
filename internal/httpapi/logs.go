package httpapi

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/store"
)

const exportLimit = 10000

func (h *Handler) logFilterFromQuery(r *http.Request) (store.LogFilter, error) {
	q := r.URL.Query()
	f := store.LogFilter{
		TriggeredBy: userID(r),
		DeviceID:    q.Get("deviceId"),
		Action:      q.Get("action"),
		Status:      model.CommandStatus(q.Get("status")),
		Search:      q.Get("search"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return store.LogFilter{}, fmt.Errorf("unknown status %q", f.Status)
	}
	for _, spec := range []struct {
		key string
		dst **time.Time
	}{
		{"start", &f.Start},
		{"end", &f.End},
	} {
		if v := q.Get(spec.key); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return store.LogFilter{}, fmt.Errorf("%s must be RFC3339", spec.key)
			}
			*spec.dst = &ts
		}
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return store.LogFilter{}, fmt.Errorf("page must be a positive integer")
		}
		f.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return store.LogFilter{}, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (h *Handler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	f, err := h.logFilterFromQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}

	entries, total, err := h.logs.QueryLogs(r.Context(), f)
	if err != nil {
		h.respondError(w, r, err, "logs")
		return
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"total": total,
		"page":  page,
	})
}

// handleExportLogs streams the current filter's matches as CSV, newest first,
// capped at exportLimit rows.
func (h *Handler) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	f, err := h.logFilterFromQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}
	f.Page = 1
	f.Limit = exportLimit

	entries, _, err := h.logs.QueryLogs(r.Context(), f)
	if err != nil {
		h.respondError(w, r, err, "logs")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="command-log.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "timestamp", "deviceId", "deviceName", "action", "status", "responseTimeMs", "error"})
	for _, e := range entries {
		responseTime := ""
		if e.ResponseTime != nil {
			responseTime = strconv.FormatInt(*e.ResponseTime, 10)
		}
		_ = cw.Write([]string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			e.DeviceID,
			e.DeviceName,
			e.Action,
			string(e.Status),
			responseTime,
			e.ErrorMessage,
		})
	}
	cw.Flush()
}
