// Package httpapi exposes the coordination core over HTTP: device CRUD,
// telemetry queries, command dispatch and pull delivery, trigger management,
// the command log, and the realtime websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Coder-HNP/LensClear/internal/bus"
	"github.com/Coder-HNP/LensClear/internal/db"
	"github.com/Coder-HNP/LensClear/internal/dispatch"
	"github.com/Coder-HNP/LensClear/internal/metrics"
	"github.com/Coder-HNP/LensClear/internal/registry"
	"github.com/Coder-HNP/LensClear/internal/store"
	"github.com/Coder-HNP/LensClear/internal/trigger"
)

// realtimeServer is how the handler hands an upgraded connection to the hub.
type realtimeServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

type Handler struct {
	log        zerolog.Logger
	pool       *db.Pool
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	engine     *trigger.Engine
	telemetry  store.TelemetryStore
	logs       store.CommandLogStore
	bus        bus.Bus
	metrics    *metrics.Metrics
	realtime   realtimeServer
}

// Deps carries the wiring for NewHandler. Pool may be nil when the process
// runs against the in-memory store; Realtime may be nil when no websocket
// layer is mounted.
type Deps struct {
	Pool       *db.Pool
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Engine     *trigger.Engine
	Telemetry  store.TelemetryStore
	Logs       store.CommandLogStore
	Bus        bus.Bus
	Metrics    *metrics.Metrics
	Realtime   realtimeServer
}

func NewHandler(log zerolog.Logger, d Deps) *Handler {
	b := d.Bus
	if b == nil {
		b = bus.Nop{}
	}
	return &Handler{
		log:        log,
		pool:       d.Pool,
		registry:   d.Registry,
		dispatcher: d.Dispatcher,
		engine:     d.Engine,
		telemetry:  d.Telemetry,
		logs:       d.Logs,
		bus:        b,
		metrics:    d.Metrics,
		realtime:   d.Realtime,
	}
}

// userIDHeader carries the verified caller identity injected by the fronting
// authenticator. The core trusts it; it never terminates user auth itself.
const userIDHeader = "X-User-ID"

type ctxKey int

const userIDKey ctxKey = 0

func userID(r *http.Request) string {
	v, _ := r.Context().Value(userIDKey).(string)
	return v
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Device-facing endpoints authenticate with device credentials in
		// the request itself, not with a user identity.
		r.Post("/sensor-data", h.handleSensorData)

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", h.handleListDevices)
				r.Post("/", h.handleRegisterDevice)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.handleGetDevice)
					r.Put("/", h.handleUpdateDevice)
					r.Delete("/", h.handleDeleteDevice)
					r.Get("/sensors", h.handleDeviceSensors)
					r.Get("/status", h.handleDeviceStatus)
				})
			})

			r.Route("/triggers", func(r chi.Router) {
				r.Get("/", h.handleListTriggers)
				r.Post("/", h.handleCreateTrigger)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.handleGetTrigger)
					r.Put("/", h.handleUpdateTrigger)
					r.Delete("/", h.handleDeleteTrigger)
					r.Post("/toggle", h.handleToggleTrigger)
					r.Post("/execute", h.handleExecuteTrigger)
				})
			})

			r.Route("/logs", func(r chi.Router) {
				r.Get("/", h.handleListLogs)
				r.Post("/export", h.handleExportLogs)
			})

			r.Post("/commands/send", h.handleSendCommand)
			r.Get("/commands/{id}/status", h.handleCommandStatus)

			r.Get("/ws", h.handleWS)
		})

		// Pull delivery: the polling device claims its oldest pending
		// command. No user identity; the route is keyed by device id the
		// way the original firmware expects.
		r.Get("/commands/{id}", h.handlePullCommand)
	})

	return r
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get(userIDHeader)
		if uid == "" {
			h.writeError(w, http.StatusUnauthorized, "unauthenticated", "missing caller identity", nil)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		h.metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.Status(), duration)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("http_request")
	})
}

// routePattern prefers the chi template over the raw path so metrics stay
// low-cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

// respondError maps the store error taxonomy onto HTTP status classes.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", what+" not found", nil)
	case errors.Is(err, store.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, store.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
	case errors.Is(err, store.ErrInvalidState):
		h.writeError(w, http.StatusConflict, "invalid_state", err.Error(), nil)
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg(what + " request failed")
		h.writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// The in-memory store has no readiness dependency.
	if h.pool == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"ready": true, "store": "memory"})
		return
	}

	if err := h.pool.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true, "store": "postgres"})
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.realtime == nil {
		h.writeError(w, http.StatusServiceUnavailable, "realtime_unavailable", "realtime layer not mounted", nil)
		return
	}
	h.realtime.ServeWS(w, r, userID(r))
}
