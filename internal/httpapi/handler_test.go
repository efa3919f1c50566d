package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Coder-HNP/LensClear/internal/dispatch"
	"github.com/Coder-HNP/LensClear/internal/metrics"
	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/registry"
	"github.com/Coder-HNP/LensClear/internal/store"
	"github.com/Coder-HNP/LensClear/internal/trigger"
)

type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) PublishCommand(deviceID, action string, _ model.ActionParameters) error {
	f.published = append(f.published, deviceID+":"+action)
	return f.err
}

type env struct {
	handler   http.Handler
	store     *store.Memory
	publisher *fakePublisher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := zerolog.New(io.Discard)
	mem := store.NewMemory()
	pub := &fakePublisher{}

	reg := registry.New(log, mem)
	m := metrics.New()
	disp := dispatch.New(log, mem, mem, pub, nil, m)
	eng := trigger.New(log, mem, mem, disp, nil, m, trigger.Options{})

	h := NewHandler(log, Deps{
		Registry:   reg,
		Dispatcher: disp,
		Engine:     eng,
		Telemetry:  mem,
		Logs:       mem,
		Metrics:    m,
	})
	return &env{handler: h.Router(), store: mem, publisher: pub}
}

func (e *env) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (e *env) register(t *testing.T, user, deviceID string) deviceRegistered {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/devices", user, deviceRegisterRequest{
		DeviceID: deviceID,
		Name:     "Lens station " + deviceID,
		Category: model.CategoryCombined,
		Location: "lab",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", deviceID, rec.Code, rec.Body.String())
	}
	return decodeBody[deviceRegistered](t, rec)
}

func (e *env) setOnline(t *testing.T, deviceID string) {
	t.Helper()
	if err := e.store.UpdateDeviceStatus(context.Background(), deviceID, model.StatusOnline, time.Now()); err != nil {
		t.Fatalf("set online: %v", err)
	}
}

func TestRequiresIdentity(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/api/devices", "/api/triggers", "/api/logs"} {
		rec := e.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without identity: status %d, want 401", path, rec.Code)
		}
	}
}

func TestRegisterReturnsTokenOnceAndRedactsAfter(t *testing.T) {
	e := newEnv(t)
	created := e.register(t, "alice", "dev-1")
	if created.AuthToken == "" {
		t.Fatal("registration response missing authToken")
	}

	rec := e.do(t, http.MethodGet, "/api/devices/dev-1", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get device: status %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), created.AuthToken) {
		t.Fatal("device read leaked the auth token")
	}
}

func TestDeviceOwnershipScoping(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "dev-1")

	rec := e.do(t, http.MethodGet, "/api/devices/dev-1", "bob", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user read: status %d, want 404", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/devices", "bob", deviceRegisterRequest{
		DeviceID: "dev-1",
		Name:     "squatter",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate id across users: status %d, want 409", rec.Code)
	}
}

func TestSensorDataRoundTrip(t *testing.T) {
	e := newEnv(t)
	created := e.register(t, "alice", "dev-1")

	rec := e.do(t, http.MethodPost, "/api/sensor-data", "", map[string]any{
		"deviceId":    "dev-1",
		"authToken":   created.AuthToken,
		"temperature": 20.5,
		"power":       55.5,
		"status":      "running",
		"firmware":    "2.4.1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sensor-data: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/api/devices/dev-1/sensors?hours=1", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query sensors: status %d", rec.Code)
	}
	points := decodeBody[[]model.TelemetryPoint](t, rec)
	if len(points) != 1 {
		t.Fatalf("stored %d points, want 1", len(points))
	}
	if points[0].Temperature == nil || *points[0].Temperature != 20.5 {
		t.Fatalf("temperature = %v, want 20.5", points[0].Temperature)
	}
	if points[0].PowerConsumption == nil || *points[0].PowerConsumption != 55.5 {
		t.Fatalf("powerConsumption = %v, want 55.5 from power field", points[0].PowerConsumption)
	}

	rec = e.do(t, http.MethodGet, "/api/devices/dev-1/status", "alice", nil)
	var status struct {
		Status model.DeviceStatus `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != model.StatusActive {
		t.Fatalf("status = %s, want active", status.Status)
	}
}

func TestSensorDataRejectsBadToken(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "dev-1")

	rec := e.do(t, http.MethodPost, "/api/sensor-data", "", sensorDataRequest{
		DeviceID:  "dev-1",
		AuthToken: "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", rec.Code)
	}
}

func TestSendCommandAndPullClaim(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "dev-1")
	e.setOnline(t, "dev-1")

	rec := e.do(t, http.MethodPost, "/api/commands/send", "alice", sendCommandRequest{
		DeviceID: "dev-1",
		Action:   dispatch.ActionStartMotor,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send: status %d body %s", rec.Code, rec.Body.String())
	}
	entry := decodeBody[model.CommandLogEntry](t, rec)
	if entry.Status != model.CommandPending {
		t.Fatalf("entry status = %s, want pending", entry.Status)
	}
	if len(e.publisher.published) != 1 {
		t.Fatalf("push attempts = %d, want 1", len(e.publisher.published))
	}

	// The polling device claims the command, flipping it to sent.
	rec = e.do(t, http.MethodGet, "/api/commands/dev-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pull: status %d body %s", rec.Code, rec.Body.String())
	}
	pulled := decodeBody[pulledCommand](t, rec)
	if pulled.Command != dispatch.ActionStartMotor || pulled.ID != entry.ID {
		t.Fatalf("pulled %+v", pulled)
	}
	if pulled.Parameters == nil || len(pulled.Parameters) != 0 {
		t.Fatalf("pull parameters = %v, want empty object", pulled.Parameters)
	}

	rec = e.do(t, http.MethodGet, "/api/commands/"+entry.ID+"/status", "alice", nil)
	got := decodeBody[model.CommandLogEntry](t, rec)
	if got.Status != model.CommandSent {
		t.Fatalf("status after claim = %s, want sent", got.Status)
	}

	// Nothing left to claim.
	rec = e.do(t, http.MethodGet, "/api/commands/dev-1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second pull: status %d, want 404", rec.Code)
	}
}

func TestSendCommandOfflineRejected(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "dev-1")

	rec := e.do(t, http.MethodPost, "/api/commands/send", "alice", sendCommandRequest{
		DeviceID: "dev-1",
		Action:   dispatch.ActionStartMotor,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("offline dispatch: status %d, want 409", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/api/logs", "alice", nil)
	var page struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Fatalf("offline dispatch created %d log entries", page.Total)
	}
}

func TestBatchSendPartialFailure(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "dev-1")
	e.setOnline(t, "dev-1")

	rec := e.do(t, http.MethodPost, "/api/commands/send", "alice", sendCommandRequest{
		DeviceIDs: []string{"dev-1", "ghost"},
		Action:    dispatch.ActionStopMotor,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("batch send: status %d body %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[dispatch.BatchResult](t, rec)
	if result.LogsCreated != 1 {
		t.Fatalf("logsCreated = %d, want 1", result.LogsCreated)
	}
	if _, ok := result.Errors["ghost"]; !ok {
		t.Fatalf("missing error for unknown device: %+v", result.Errors)
	}
}

func TestImmediateTriggerCreatesLogEntries(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "dev-1")
	e.setOnline(t, "dev-1")

	rec := e.do(t, http.MethodPost, "/api/triggers", "alice", triggerCreateRequest{
		Name:          "kick",
		Type:          model.TriggerImmediate,
		Action:        dispatch.ActionStopMotor,
		TargetDevices: []string{"dev-1"},
		Enabled:       true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create trigger: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/api/logs", "alice", nil)
	var page struct {
		Logs  []model.CommandLogEntry `json:"logs"`
		Total int                     `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 {
		t.Fatalf("log total = %d, want exactly 1", page.Total)
	}
	if page.Logs[0].Status != model.CommandPending {
		t.Fatalf("entry status = %s, want pending", page.Logs[0].Status)
	}
}

func TestTriggerLifecycle(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "dev-1")

	when := time.Now().Add(time.Hour).UTC()
	rec := e.do(t, http.MethodPost, "/api/triggers", "alice", triggerCreateRequest{
		Name:          "nightly",
		Type:          model.TriggerScheduled,
		Action:        dispatch.ActionRunCycle,
		TargetDevices: []string{"dev-1"},
		Schedule:      model.Schedule{Type: model.ScheduleDaily, Datetime: &when, Enabled: true},
		Enabled:       true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[model.Trigger](t, rec)
	if created.NextRun == nil {
		t.Fatal("scheduled trigger missing nextRun")
	}

	rec = e.do(t, http.MethodPost, "/api/triggers/"+created.ID+"/toggle", "alice", nil)
	if got := decodeBody[model.Trigger](t, rec); got.Enabled {
		t.Fatal("toggle did not disable")
	}

	rec = e.do(t, http.MethodDelete, "/api/triggers/"+created.ID, "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = e.do(t, http.MethodGet, "/api/triggers/"+created.ID, "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d, want 404", rec.Code)
	}
}

func TestLogExportCSV(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "dev-1")
	e.setOnline(t, "dev-1")

	for i := 0; i < 3; i++ {
		rec := e.do(t, http.MethodPost, "/api/commands/send", "alice", sendCommandRequest{
			DeviceID: "dev-1",
			Action:   dispatch.ActionStartMotor,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("send %d: status %d", i, rec.Code)
		}
	}

	rec := e.do(t, http.MethodPost, "/api/logs/export", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("csv lines = %d, want header plus 3 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,timestamp,deviceId") {
		t.Fatalf("csv header = %q", lines[0])
	}
}

func TestLogFilterValidation(t *testing.T) {
	e := newEnv(t)
	cases := []string{
		"/api/logs?status=bogus",
		"/api/logs?start=yesterday",
		"/api/logs?page=0",
		"/api/logs?limit=-5",
	}
	for _, path := range cases {
		rec := e.do(t, http.MethodGet, path, "alice", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s: status %d, want 400", path, rec.Code)
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t)
	if rec := e.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
	rec := e.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz (memory mode): status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "memory") {
		t.Fatalf("readyz body = %s", rec.Body.String())
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/devices", strings.NewReader(`{"deviceId":"d","name":"n","bogus":1}`))
	req.Header.Set(userIDHeader, "alice")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d, want 400", rec.Code)
	}
}
