// Package dispatch is the single entry point for "make a device do
// something", shared by direct user actions and the trigger engine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Coder-HNP/LensClear/internal/bus"
	"github.com/Coder-HNP/LensClear/internal/metrics"
	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/store"
)

// CommandPublisher is the push half of command delivery. Publish failures are
// soft: the pending log entry remains the durable record the pull path will
// service.
type CommandPublisher interface {
	PublishCommand(deviceID, action string, params model.ActionParameters) error
}

type Dispatcher struct {
	log       zerolog.Logger
	devices   store.DeviceStore
	logs      store.CommandLogStore
	publisher CommandPublisher
	bus       bus.Bus
	metrics   *metrics.Metrics
}

func New(log zerolog.Logger, devices store.DeviceStore, logs store.CommandLogStore, publisher CommandPublisher, b bus.Bus, m *metrics.Metrics) *Dispatcher {
	if b == nil {
		b = bus.Nop{}
	}
	return &Dispatcher{
		log:       log,
		devices:   devices,
		logs:      logs,
		publisher: publisher,
		bus:       b,
		metrics:   m,
	}
}

// Dispatch handles the direct-user path: ownership is enforced and commands
// to offline devices are rejected up front rather than queued unreachably.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, action string, params model.ActionParameters, triggeredBy string) (model.CommandLogEntry, error) {
	if err := ValidateAction(action, params); err != nil {
		return model.CommandLogEntry{}, err
	}

	device, err := d.devices.GetOwnedDevice(ctx, deviceID, triggeredBy)
	if err != nil {
		return model.CommandLogEntry{}, err
	}
	if device.Status == model.StatusOffline {
		return model.CommandLogEntry{}, fmt.Errorf("%w: device %s is offline", store.ErrInvalidState, deviceID)
	}

	return d.createAndPush(ctx, device, action, params, triggeredBy)
}

// BatchResult aggregates a multi-device dispatch. One device's failure never
// aborts the rest; Errors maps device id to the failure reason.
type BatchResult struct {
	LogsCreated int                     `json:"logsCreated"`
	Entries     []model.CommandLogEntry `json:"entries"`
	Errors      map[string]string       `json:"errors,omitempty"`
}

// DispatchToMany iterates devices independently. It returns ErrInvalidInput
// only when not a single device could be resolved.
func (d *Dispatcher) DispatchToMany(ctx context.Context, deviceIDs []string, action string, params model.ActionParameters, triggeredBy string) (BatchResult, error) {
	if err := ValidateAction(action, params); err != nil {
		return BatchResult{}, err
	}
	return d.dispatchBatch(ctx, deviceIDs, action, params, triggeredBy, true)
}

// DispatchForTrigger is the trigger engine's execution path. Targeting was
// validated against ownership when the trigger was created, and the offline
// check is skipped: the pull path can still deliver to a device the broker
// believes is gone.
func (d *Dispatcher) DispatchForTrigger(ctx context.Context, t model.Trigger) (BatchResult, error) {
	return d.dispatchBatch(ctx, t.TargetDevices, t.Action, t.Parameters, t.OwnerID, false)
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, deviceIDs []string, action string, params model.ActionParameters, triggeredBy string, enforceOwner bool) (BatchResult, error) {
	result := BatchResult{Errors: make(map[string]string)}

	for _, deviceID := range deviceIDs {
		var device model.Device
		var err error
		if enforceOwner {
			device, err = d.devices.GetOwnedDevice(ctx, deviceID, triggeredBy)
		} else {
			device, err = d.devices.GetDevice(ctx, deviceID)
		}
		if err != nil {
			result.Errors[deviceID] = err.Error()
			continue
		}

		entry, err := d.createAndPush(ctx, device, action, params, triggeredBy)
		if err != nil {
			result.Errors[deviceID] = err.Error()
			continue
		}
		result.Entries = append(result.Entries, entry)
		result.LogsCreated++
	}

	if result.LogsCreated == 0 {
		return result, fmt.Errorf("%w: no valid target devices", store.ErrInvalidInput)
	}
	return result, nil
}

// createAndPush writes the durable log entry, tells the observers, and then
// makes a best-effort push. The observer event goes out before the push so
// the UI reflects intent immediately.
func (d *Dispatcher) createAndPush(ctx context.Context, device model.Device, action string, params model.ActionParameters, triggeredBy string) (model.CommandLogEntry, error) {
	entry := model.CommandLogEntry{
		ID:          uuid.NewString(),
		DeviceID:    device.DeviceID,
		DeviceName:  device.Name,
		Action:      action,
		TriggeredBy: triggeredBy,
		Status:      model.CommandPending,
		Timestamp:   time.Now(),
	}
	if err := d.logs.CreateLogEntry(ctx, entry); err != nil {
		return model.CommandLogEntry{}, err
	}

	d.bus.Publish(bus.Event{Kind: bus.KindLogNew, UserID: device.OwnerID, Payload: entry})

	push := "ok"
	if err := d.publish(device.DeviceID, action, params); err != nil {
		push = "failed"
		d.log.Warn().Err(err).
			Str("device_id", device.DeviceID).
			Str("action", action).
			Msg("push delivery failed, relying on pull path")
	}
	d.metrics.IncCommandDispatched(push)

	return entry, nil
}

func (d *Dispatcher) publish(deviceID, action string, params model.ActionParameters) error {
	if d.publisher == nil {
		return errors.New("no command publisher configured")
	}
	return d.publisher.PublishCommand(deviceID, action, params)
}
