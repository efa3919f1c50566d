package model

import "time"

// DeviceCategory describes what kind of hardware a device carries.
type DeviceCategory string

const (
	CategoryMotor    DeviceCategory = "motor"
	CategorySensor   DeviceCategory = "sensor"
	CategoryCombined DeviceCategory = "combined"
)

func (c DeviceCategory) Valid() bool {
	switch c {
	case CategoryMotor, CategorySensor, CategoryCombined:
		return true
	}
	return false
}

// DeviceStatus is the last-known run state of a device.
type DeviceStatus string

const (
	StatusOffline DeviceStatus = "offline"
	StatusOnline  DeviceStatus = "online"
	StatusActive  DeviceStatus = "active"
	StatusIdle    DeviceStatus = "idle"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusActive, StatusIdle:
		return true
	}
	return false
}

// DeviceConfig carries the per-device runtime configuration pushed to firmware.
type DeviceConfig struct {
	MotorSpeed     int  `json:"motorSpeed"`     // 0-255
	SensorInterval int  `json:"sensorInterval"` // seconds
	Alerts         bool `json:"alerts"`
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{MotorSpeed: 128, SensorInterval: 5, Alerts: true}
}

// Device is a physical endpoint owned by exactly one user. DeviceID is
// globally unique and immutable once registered. AuthToken is generated at
// registration, never re-issued, and never serialized on reads.
type Device struct {
	DeviceID      string         `json:"deviceId"`
	Name          string         `json:"name"`
	Category      DeviceCategory `json:"category"`
	Location      string         `json:"location"`
	Status        DeviceStatus   `json:"status"`
	LastSeen      time.Time      `json:"lastSeen"`
	Configuration DeviceConfig   `json:"configuration"`
	OwnerID       string         `json:"-"`
	AuthToken     string         `json:"-"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// TelemetryPoint is one time-stamped sensor reading. Immutable once appended;
// eligible for deletion once older than the retention horizon.
type TelemetryPoint struct {
	ID               string    `json:"id"`
	DeviceID         string    `json:"deviceId"`
	Temperature      *float64  `json:"temperature,omitempty"`
	RPM              *float64  `json:"rpm,omitempty"`
	PowerConsumption *float64  `json:"powerConsumption,omitempty"`
	Vibration        *float64  `json:"vibration,omitempty"`
	ErrorCode        string    `json:"errorCode,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// CommandStatus is the delivery state of a command log entry.
//
//	pending -> sent    (claimed by the HTTP pull path)
//	pending -> success | failed (acked while still pending)
//	sent    -> success | failed (acked after a pull claim)
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandSent    CommandStatus = "sent"
	CommandSuccess CommandStatus = "success"
	CommandFailed  CommandStatus = "failed"
)

func (s CommandStatus) Valid() bool {
	switch s {
	case CommandPending, CommandSent, CommandSuccess, CommandFailed:
		return true
	}
	return false
}

// CommandLogEntry is both the audit record of one issued command and, while
// status is pending, the work queue item for pull-based delivery. DeviceName
// is a snapshot taken at creation time so history survives device renames.
type CommandLogEntry struct {
	ID           string        `json:"id"`
	DeviceID     string        `json:"deviceId"`
	DeviceName   string        `json:"deviceName"`
	Action       string        `json:"action"`
	TriggeredBy  string        `json:"triggeredBy"`
	Status       CommandStatus `json:"status"`
	ResponseTime *int64        `json:"responseTime,omitempty"` // milliseconds
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// TriggerType distinguishes fire-at-creation triggers from scheduled ones.
type TriggerType string

const (
	TriggerImmediate TriggerType = "immediate"
	TriggerScheduled TriggerType = "scheduled"
)

func (t TriggerType) Valid() bool {
	return t == TriggerImmediate || t == TriggerScheduled
}

// ScheduleType is the recurrence of a scheduled trigger. Custom recurrence is
// accepted but not implemented; such triggers are disabled after one run.
type ScheduleType string

const (
	ScheduleOnce   ScheduleType = "once"
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
	ScheduleCustom ScheduleType = "custom"
)

func (s ScheduleType) Valid() bool {
	switch s {
	case ScheduleOnce, ScheduleDaily, ScheduleWeekly, ScheduleCustom:
		return true
	}
	return false
}

type Schedule struct {
	Type     ScheduleType `json:"scheduleType"`
	Datetime *time.Time   `json:"datetime,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
	Enabled  bool         `json:"enabled"`
}

// ActionParameters is the open set of per-action parameters; which fields are
// allowed for which action is enforced at the dispatcher boundary.
type ActionParameters struct {
	Speed       *int     `json:"speed,omitempty"`       // 0-255, adjust_speed
	Duration    *int     `json:"duration,omitempty"`    // seconds, run_cycle
	Temperature *float64 `json:"temperature,omitempty"` // run_cycle
}

// Trigger is a user-defined automation rule that issues commands either at
// creation time or when its schedule comes due.
type Trigger struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Type          TriggerType      `json:"type"`
	Action        string           `json:"action"`
	TargetDevices []string         `json:"targetDevices"`
	Schedule      Schedule         `json:"schedule"`
	Parameters    ActionParameters `json:"parameters"`
	Enabled       bool             `json:"enabled"`
	LastRun       *time.Time       `json:"lastRun,omitempty"`
	NextRun       *time.Time       `json:"nextRun,omitempty"`
	OwnerID       string           `json:"-"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}
