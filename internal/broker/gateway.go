// Package broker embeds an MQTT broker and bridges device traffic into the
// registry, telemetry store and command log.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"

	"github.com/Coder-HNP/LensClear/internal/bus"
	"github.com/Coder-HNP/LensClear/internal/metrics"
	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/registry"
	"github.com/Coder-HNP/LensClear/internal/store"
)

// ErrTransportFailure wraps delivery-layer errors from the embedded broker.
// Callers treat it as best-effort: the command log entry already exists and
// the device can still pull it over HTTP.
var ErrTransportFailure = errors.New("broker transport failure")

const (
	topicPrefix    = "devices/"
	suffixSensors  = "/sensors/data"
	suffixStatus   = "/status"
	suffixResponse = "/response"

	// One command topic per device. The firmware subscribes to
	// devices/{id}/commands/# so finer routing stays possible later.
	commandTopic = "devices/%s/commands/motor"

	authTimeout = 5 * time.Second
)

type Gateway struct {
	log       zerolog.Logger
	registry  *registry.Registry
	telemetry store.TelemetryStore
	logs      store.CommandLogStore
	bus       bus.Bus
	metrics   *metrics.Metrics

	server *mqtt.Server
	addr   string
}

func New(log zerolog.Logger, reg *registry.Registry, telemetry store.TelemetryStore, logs store.CommandLogStore, b bus.Bus, m *metrics.Metrics, addr string) *Gateway {
	if b == nil {
		b = bus.Nop{}
	}
	g := &Gateway{
		log:       log,
		registry:  reg,
		telemetry: telemetry,
		logs:      logs,
		bus:       b,
		metrics:   m,
		addr:      addr,
	}
	g.server = mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return g
}

// Start registers hooks and the TCP listener and serves in the background.
func (g *Gateway) Start() error {
	if err := g.server.AddHook(&deviceHook{gateway: g}, nil); err != nil {
		return fmt.Errorf("add broker hook: %w", err)
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: g.addr})
	if err := g.server.AddListener(tcp); err != nil {
		return fmt.Errorf("add broker listener: %w", err)
	}
	go func() {
		if err := g.server.Serve(); err != nil {
			g.log.Error().Err(err).Msg("mqtt broker stopped")
		}
	}()
	g.log.Info().Str("addr", g.addr).Msg("mqtt broker listening")
	return nil
}

func (g *Gateway) Close() error {
	return g.server.Close()
}

// commandEnvelope is the wire shape pushed to devices.
type commandEnvelope struct {
	Command    string                 `json:"command"`
	Parameters model.ActionParameters `json:"parameters"`
	Timestamp  time.Time              `json:"timestamp"`
}

// PublishCommand pushes a command to the device's command topic at QoS 1,
// non-retained. Offline devices receive it on reconnect via session state.
func (g *Gateway) PublishCommand(deviceID, action string, params model.ActionParameters) error {
	payload, err := json.Marshal(commandEnvelope{
		Command:    action,
		Parameters: params,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	topic := fmt.Sprintf(commandTopic, deviceID)
	if err := g.server.Publish(topic, payload, false, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

// deviceHook wires broker lifecycle events into the gateway.
type deviceHook struct {
	mqtt.HookBase
	gateway *Gateway
}

func (h *deviceHook) ID() string { return "lensclear-devices" }

func (h *deviceHook) Provides(b byte) bool {
	return b == mqtt.OnConnectAuthenticate ||
		b == mqtt.OnACLCheck ||
		b == mqtt.OnSessionEstablished ||
		b == mqtt.OnDisconnect ||
		b == mqtt.OnPublished
}

// OnConnectAuthenticate checks deviceId/authToken credentials. The client id
// is the device identity; the CONNECT password carries the token.
func (h *deviceHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	ok := h.gateway.registry.Authenticate(ctx, cl.ID, string(pk.Connect.Password))
	if !ok {
		h.gateway.log.Warn().Str("device_id", cl.ID).Msg("mqtt authentication failed")
	}
	return ok
}

// OnACLCheck confines every client to its own topic subtree.
func (h *deviceHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if strings.HasPrefix(topic, topicPrefix+cl.ID+"/") {
		return true
	}
	h.gateway.log.Warn().
		Str("device_id", cl.ID).
		Str("topic", topic).
		Bool("write", write).
		Msg("mqtt acl rejection: topic outside device subtree")
	return false
}

func (h *deviceHook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	h.gateway.deviceConnected(cl.ID)
}

func (h *deviceHook) OnDisconnect(cl *mqtt.Client, _ error, _ bool) {
	if cl.Net.Inline {
		return
	}
	h.gateway.deviceDisconnected(cl.ID)
}

func (h *deviceHook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	if cl.Net.Inline {
		return
	}
	h.gateway.route(pk.TopicName, pk.Payload)
}

func (g *Gateway) deviceConnected(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	g.log.Info().Str("device_id", deviceID).Msg("device connected")
	g.setStatus(ctx, deviceID, model.StatusOnline)
}

func (g *Gateway) deviceDisconnected(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	g.log.Info().Str("device_id", deviceID).Msg("device disconnected")
	g.setStatus(ctx, deviceID, model.StatusOffline)
}

func (g *Gateway) setStatus(ctx context.Context, deviceID string, status model.DeviceStatus) {
	now := time.Now()
	g.registry.UpdateStatus(ctx, deviceID, status, now)
	g.notifyStatus(ctx, deviceID, status, now)
}

func (g *Gateway) notifyStatus(ctx context.Context, deviceID string, status model.DeviceStatus, at time.Time) {
	owner, err := g.registry.Owner(ctx, deviceID)
	if err != nil {
		return
	}
	g.bus.Publish(bus.Event{
		Kind:   bus.KindDeviceStatus,
		UserID: owner,
		Payload: map[string]any{
			"deviceId": deviceID,
			"status":   status,
			"lastSeen": at,
		},
	})
}

// route dispatches an inbound publish by topic suffix. Unknown suffixes under
// the device prefix are ignored; they may be device-to-device chatter.
func (g *Gateway) route(topic string, payload []byte) {
	deviceID, suffix, ok := parseDeviceTopic(topic)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	switch suffix {
	case suffixSensors:
		g.handleTelemetry(ctx, deviceID, payload)
	case suffixStatus:
		g.handleStatus(ctx, deviceID, payload)
	case suffixResponse:
		g.handleAck(ctx, deviceID, payload)
	}
}

// parseDeviceTopic splits devices/{id}{suffix}. The id must be non-empty and
// must not span topic levels.
func parseDeviceTopic(topic string) (deviceID, suffix string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix)
	if !found {
		return "", "", false
	}
	idx := strings.Index(rest, "/")
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx:], true
}

// telemetryPayload is the device-reported reading. The embedded status string
// is the firmware's run state, not a DeviceStatus.
type telemetryPayload struct {
	Temperature      *float64 `json:"temperature"`
	RPM              *float64 `json:"rpm"`
	PowerConsumption *float64 `json:"powerConsumption"`
	Vibration        *float64 `json:"vibration"`
	ErrorCode        string   `json:"errorCode"`
	Status           string   `json:"status"`
}

func (g *Gateway) handleTelemetry(ctx context.Context, deviceID string, payload []byte) {
	var p telemetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		g.metrics.IncBrokerMessage("telemetry", "malformed")
		g.log.Warn().Err(err).Str("device_id", deviceID).Msg("malformed telemetry payload dropped")
		return
	}

	now := time.Now()
	point := model.TelemetryPoint{
		DeviceID:         deviceID,
		Temperature:      p.Temperature,
		RPM:              p.RPM,
		PowerConsumption: p.PowerConsumption,
		Vibration:        p.Vibration,
		ErrorCode:        p.ErrorCode,
		Timestamp:        now,
	}
	if err := g.telemetry.AppendTelemetry(ctx, point); err != nil {
		g.metrics.IncBrokerMessage("telemetry", "failed")
		g.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to store telemetry")
		return
	}
	g.metrics.IncBrokerMessage("telemetry", "ok")

	status := mapRunState(p.Status)
	g.registry.UpdateStatus(ctx, deviceID, status, now)

	owner, err := g.registry.Owner(ctx, deviceID)
	if err != nil {
		return
	}
	g.bus.Publish(bus.Event{
		Kind:    bus.KindSensorData,
		UserID:  owner,
		Payload: map[string]any{"deviceId": deviceID, "data": point},
	})
	g.bus.Publish(bus.Event{
		Kind:   bus.KindDeviceStatus,
		UserID: owner,
		Payload: map[string]any{
			"deviceId": deviceID,
			"status":   status,
			"lastSeen": now,
		},
	})
}

// mapRunState folds the firmware run state into the registry status model.
// Anything unrecognized still proves the device is reachable.
func mapRunState(s string) model.DeviceStatus {
	switch s {
	case "running":
		return model.StatusActive
	case "idle":
		return model.StatusIdle
	default:
		return model.StatusOnline
	}
}

type statusPayload struct {
	Status string `json:"status"`
}

// handleStatus stores the reported status verbatim. The firmware speaks the
// registry vocabulary on this channel; anything else still proves the device
// is reachable.
func (g *Gateway) handleStatus(ctx context.Context, deviceID string, payload []byte) {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		g.metrics.IncBrokerMessage("status", "malformed")
		g.log.Warn().Err(err).Str("device_id", deviceID).Msg("malformed status payload dropped")
		return
	}
	g.metrics.IncBrokerMessage("status", "ok")

	status := model.DeviceStatus(p.Status)
	if !status.Valid() {
		status = model.StatusOnline
	}
	g.setStatus(ctx, deviceID, status)
}

// ackPayload closes out a command. There is no correlation id on this
// channel, so the outcome lands on the device's most recent open entry.
// Older firmware reports a status string instead of the success flag.
type ackPayload struct {
	Success      *bool  `json:"success"`
	Status       string `json:"status"`
	ResponseTime *int64 `json:"responseTime"`
	Error        string `json:"error"`
}

func (p ackPayload) succeeded() bool {
	if p.Success != nil {
		return *p.Success
	}
	return p.Status == "success"
}

func (g *Gateway) handleAck(ctx context.Context, deviceID string, payload []byte) {
	var p ackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		g.metrics.IncBrokerMessage("ack", "malformed")
		g.log.Warn().Err(err).Str("device_id", deviceID).Msg("malformed command response dropped")
		return
	}

	entry, err := g.logs.RecordOutcome(ctx, deviceID, p.succeeded(), p.ResponseTime, p.Error)
	if err != nil {
		g.metrics.IncBrokerMessage("ack", "unmatched")
		g.log.Warn().Err(err).Str("device_id", deviceID).Msg("command response without open log entry")
		return
	}
	g.metrics.IncBrokerMessage("ack", "ok")

	owner, oerr := g.registry.Owner(ctx, deviceID)
	if oerr != nil {
		return
	}
	g.bus.Publish(bus.Event{
		Kind:    bus.KindLogUpdated,
		UserID:  owner,
		Payload: entry,
	})
}
