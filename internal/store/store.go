package store

import (
	"context"
	"errors"
	"time"

	"github.com/Coder-HNP/LensClear/internal/model"
)

// Error taxonomy shared by every store implementation and the services built
// on top of them. The HTTP layer maps these onto status classes.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
)

// TelemetryQueryLimit caps telemetry query results regardless of the
// caller-supplied range.
const TelemetryQueryLimit = 1000

// DeviceStore persists device identity, credentials and last-known status.
type DeviceStore interface {
	// CreateDevice fails with ErrConflict if the device id is already taken,
	// by any user.
	CreateDevice(ctx context.Context, d model.Device) error

	// GetDevice looks a device up by id alone. Used by device-facing paths
	// (broker auth, telemetry push) where there is no caller identity yet.
	GetDevice(ctx context.Context, deviceID string) (model.Device, error)

	// GetOwnedDevice returns ErrNotFound both for missing devices and for
	// devices owned by someone else.
	GetOwnedDevice(ctx context.Context, deviceID, ownerID string) (model.Device, error)

	ListDevices(ctx context.Context, ownerID string) ([]model.Device, error)
	UpdateDevice(ctx context.Context, d model.Device) error
	DeleteDevice(ctx context.Context, deviceID, ownerID string) error

	// UpdateDeviceStatus is an idempotent last-writer-wins upsert; unknown
	// devices are ignored without error.
	UpdateDeviceStatus(ctx context.Context, deviceID string, status model.DeviceStatus, lastSeen time.Time) error
}

// TelemetryStore is the append-only time series of sensor readings.
type TelemetryStore interface {
	AppendTelemetry(ctx context.Context, p model.TelemetryPoint) error

	// QueryTelemetry returns points at or after since, ascending by timestamp,
	// capped at limit (TelemetryQueryLimit when limit <= 0 or too large).
	QueryTelemetry(ctx context.Context, deviceID string, since time.Time, limit int) ([]model.TelemetryPoint, error)

	// PruneExpiredTelemetry deletes points older than the horizon. Called by
	// the retention janitor, never by request handlers.
	PruneExpiredTelemetry(ctx context.Context, olderThan time.Time) (int64, error)
}

// LogFilter selects command log entries. TriggeredBy is mandatory: log reads
// are always scoped to the identity that issued the commands.
type LogFilter struct {
	TriggeredBy string
	DeviceID    string
	Action      string
	Status      model.CommandStatus
	Start       *time.Time
	End         *time.Time
	Search      string // case-insensitive substring over device name and action
	Page        int    // 1-based
	Limit       int
}

// CommandLogStore is the audit trail that doubles as the pull-delivery queue.
type CommandLogStore interface {
	CreateLogEntry(ctx context.Context, e model.CommandLogEntry) error

	// GetLogEntry is scoped by the issuing identity.
	GetLogEntry(ctx context.Context, id, triggeredBy string) (model.CommandLogEntry, error)

	// ClaimOldestPending atomically selects the oldest pending entry for the
	// device and flips it to sent. At most one concurrent caller gets a given
	// entry; ErrNotFound when nothing is pending.
	ClaimOldestPending(ctx context.Context, deviceID string) (model.CommandLogEntry, error)

	// RecordOutcome closes the most recent pending-or-sent entry for the
	// device. The ack channel carries no correlation id, so with several
	// commands in flight for one device the newest one wins.
	RecordOutcome(ctx context.Context, deviceID string, success bool, responseTime *int64, errorMessage string) (model.CommandLogEntry, error)

	// QueryLogs returns a page ordered by descending timestamp plus the total
	// match count.
	QueryLogs(ctx context.Context, f LogFilter) ([]model.CommandLogEntry, int, error)
}

// TriggerStore persists automation rules.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, t model.Trigger) error
	GetTrigger(ctx context.Context, id, ownerID string) (model.Trigger, error)
	ListTriggers(ctx context.Context, ownerID string) ([]model.Trigger, error)
	UpdateTrigger(ctx context.Context, t model.Trigger) error
	DeleteTrigger(ctx context.Context, id, ownerID string) error

	// DueTriggers selects every trigger with enabled=true, schedule enabled,
	// and nextRun <= now.
	DueTriggers(ctx context.Context, now time.Time) ([]model.Trigger, error)
}

// Store is the composite persistence surface the process runs against.
type Store interface {
	DeviceStore
	TelemetryStore
	CommandLogStore
	TriggerStore
}
