package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Coder-HNP/LensClear/internal/model"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

// Postgres is the pgx-backed Store. See schema.sql for the tables it expects.
type Postgres struct {
	db DBTX
}

func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const createDevice = `
INSERT INTO devices (
  device_id, name, category, location, status, last_seen,
  motor_speed, sensor_interval, alerts, owner_id, auth_token, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

func (p *Postgres) CreateDevice(ctx context.Context, d model.Device) error {
	_, err := p.db.Exec(ctx, createDevice,
		d.DeviceID, d.Name, d.Category, d.Location, d.Status, d.LastSeen,
		d.Configuration.MotorSpeed, d.Configuration.SensorInterval, d.Configuration.Alerts,
		d.OwnerID, d.AuthToken, d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const deviceColumns = `device_id, name, category, location, status, last_seen,
motor_speed, sensor_interval, alerts, owner_id, auth_token, created_at, updated_at`

func scanDevice(row pgx.Row) (model.Device, error) {
	var d model.Device
	err := row.Scan(
		&d.DeviceID, &d.Name, &d.Category, &d.Location, &d.Status, &d.LastSeen,
		&d.Configuration.MotorSpeed, &d.Configuration.SensorInterval, &d.Configuration.Alerts,
		&d.OwnerID, &d.AuthToken, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	return d, err
}

func (p *Postgres) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	row := p.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)
	return scanDevice(row)
}

func (p *Postgres) GetOwnedDevice(ctx context.Context, deviceID, ownerID string) (model.Device, error) {
	row := p.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1 AND owner_id = $2`, deviceID, ownerID)
	return scanDevice(row)
}

func (p *Postgres) ListDevices(ctx context.Context, ownerID string) ([]model.Device, error) {
	rows, err := p.db.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

const updateDevice = `
UPDATE devices
SET name = $3, category = $4, location = $5,
    motor_speed = $6, sensor_interval = $7, alerts = $8, updated_at = $9
WHERE device_id = $1 AND owner_id = $2
`

func (p *Postgres) UpdateDevice(ctx context.Context, d model.Device) error {
	tag, err := p.db.Exec(ctx, updateDevice,
		d.DeviceID, d.OwnerID, d.Name, d.Category, d.Location,
		d.Configuration.MotorSpeed, d.Configuration.SensorInterval, d.Configuration.Alerts,
		d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteDevice(ctx context.Context, deviceID, ownerID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM devices WHERE device_id = $1 AND owner_id = $2`, deviceID, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const updateDeviceStatus = `
UPDATE devices SET status = $2, last_seen = $3, updated_at = $3 WHERE device_id = $1
`

func (p *Postgres) UpdateDeviceStatus(ctx context.Context, deviceID string, status model.DeviceStatus, lastSeen time.Time) error {
	// Idempotent; a zero row count (unknown device) is not an error.
	_, err := p.db.Exec(ctx, updateDeviceStatus, deviceID, status, lastSeen)
	return err
}

const appendTelemetry = `
INSERT INTO telemetry (id, device_id, temperature, rpm, power_consumption, vibration, error_code, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func (p *Postgres) AppendTelemetry(ctx context.Context, t model.TelemetryPoint) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := p.db.Exec(ctx, appendTelemetry,
		t.ID, t.DeviceID, t.Temperature, t.RPM, t.PowerConsumption, t.Vibration, t.ErrorCode, t.Timestamp,
	)
	return err
}

const queryTelemetry = `
SELECT id, device_id, temperature, rpm, power_consumption, vibration, error_code, ts
FROM telemetry
WHERE device_id = $1 AND ts >= $2
ORDER BY ts ASC
LIMIT $3
`

func (p *Postgres) QueryTelemetry(ctx context.Context, deviceID string, since time.Time, limit int) ([]model.TelemetryPoint, error) {
	if limit <= 0 || limit > TelemetryQueryLimit {
		limit = TelemetryQueryLimit
	}

	rows, err := p.db.Query(ctx, queryTelemetry, deviceID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.TelemetryPoint, 0)
	for rows.Next() {
		var t model.TelemetryPoint
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.Temperature, &t.RPM, &t.PowerConsumption, &t.Vibration, &t.ErrorCode, &t.Timestamp); err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (p *Postgres) PruneExpiredTelemetry(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM telemetry WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const createLogEntry = `
INSERT INTO command_log (id, device_id, device_name, action, triggered_by, status, response_time, error_message, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

func (p *Postgres) CreateLogEntry(ctx context.Context, e model.CommandLogEntry) error {
	_, err := p.db.Exec(ctx, createLogEntry,
		e.ID, e.DeviceID, e.DeviceName, e.Action, e.TriggeredBy, e.Status, e.ResponseTime, e.ErrorMessage, e.Timestamp,
	)
	return err
}

const logColumns = `id, device_id, device_name, action, triggered_by, status, response_time, error_message, ts`

func scanLogEntry(row pgx.Row) (model.CommandLogEntry, error) {
	var e model.CommandLogEntry
	err := row.Scan(&e.ID, &e.DeviceID, &e.DeviceName, &e.Action, &e.TriggeredBy, &e.Status, &e.ResponseTime, &e.ErrorMessage, &e.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CommandLogEntry{}, ErrNotFound
	}
	return e, err
}

func (p *Postgres) GetLogEntry(ctx context.Context, id, triggeredBy string) (model.CommandLogEntry, error) {
	row := p.db.QueryRow(ctx, `SELECT `+logColumns+` FROM command_log WHERE id = $1 AND triggered_by = $2`, id, triggeredBy)
	return scanLogEntry(row)
}

// claimOldestPending is a single conditional update: even with many pollers
// for the same device, SKIP LOCKED guarantees each pending row is handed to
// exactly one claimant.
const claimOldestPending = `
UPDATE command_log SET status = 'sent'
WHERE id = (
  SELECT id FROM command_log
  WHERE device_id = $1 AND status = 'pending'
  ORDER BY ts ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + logColumns

func (p *Postgres) ClaimOldestPending(ctx context.Context, deviceID string) (model.CommandLogEntry, error) {
	return scanLogEntry(p.db.QueryRow(ctx, claimOldestPending, deviceID))
}

const recordOutcome = `
UPDATE command_log SET status = $2, response_time = $3, error_message = $4
WHERE id = (
  SELECT id FROM command_log
  WHERE device_id = $1 AND status IN ('pending', 'sent')
  ORDER BY ts DESC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + logColumns

func (p *Postgres) RecordOutcome(ctx context.Context, deviceID string, success bool, responseTime *int64, errorMessage string) (model.CommandLogEntry, error) {
	status := model.CommandFailed
	if success {
		status = model.CommandSuccess
	}
	return scanLogEntry(p.db.QueryRow(ctx, recordOutcome, deviceID, status, responseTime, errorMessage))
}

func (p *Postgres) QueryLogs(ctx context.Context, f LogFilter) ([]model.CommandLogEntry, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}

	where := []string{"triggered_by = $1"}
	args := []any{f.TriggeredBy}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.DeviceID != "" {
		where = append(where, "device_id = "+arg(f.DeviceID))
	}
	if f.Action != "" {
		where = append(where, "action = "+arg(f.Action))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.Start != nil {
		where = append(where, "ts >= "+arg(*f.Start))
	}
	if f.End != nil {
		where = append(where, "ts <= "+arg(*f.End))
	}
	if f.Search != "" {
		pattern := arg("%" + f.Search + "%")
		where = append(where, "(device_name ILIKE "+pattern+" OR action ILIKE "+pattern+")")
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM command_log WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + logColumns + ` FROM command_log WHERE ` + cond +
		` ORDER BY ts DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg((page-1)*limit)

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]model.CommandLogEntry, 0)
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

const createTrigger = `
INSERT INTO triggers (
  id, name, type, action, target_devices,
  schedule_type, schedule_datetime, schedule_timezone, schedule_enabled,
  param_speed, param_duration, param_temperature,
  enabled, last_run, next_run, owner_id, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`

func (p *Postgres) CreateTrigger(ctx context.Context, t model.Trigger) error {
	_, err := p.db.Exec(ctx, createTrigger,
		t.ID, t.Name, t.Type, t.Action, t.TargetDevices,
		t.Schedule.Type, t.Schedule.Datetime, t.Schedule.Timezone, t.Schedule.Enabled,
		t.Parameters.Speed, t.Parameters.Duration, t.Parameters.Temperature,
		t.Enabled, t.LastRun, t.NextRun, t.OwnerID, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const triggerColumns = `id, name, type, action, target_devices,
schedule_type, schedule_datetime, schedule_timezone, schedule_enabled,
param_speed, param_duration, param_temperature,
enabled, last_run, next_run, owner_id, created_at, updated_at`

func scanTrigger(row pgx.Row) (model.Trigger, error) {
	var t model.Trigger
	err := row.Scan(
		&t.ID, &t.Name, &t.Type, &t.Action, &t.TargetDevices,
		&t.Schedule.Type, &t.Schedule.Datetime, &t.Schedule.Timezone, &t.Schedule.Enabled,
		&t.Parameters.Speed, &t.Parameters.Duration, &t.Parameters.Temperature,
		&t.Enabled, &t.LastRun, &t.NextRun, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Trigger{}, ErrNotFound
	}
	return t, err
}

func (p *Postgres) GetTrigger(ctx context.Context, id, ownerID string) (model.Trigger, error) {
	row := p.db.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanTrigger(row)
}

func (p *Postgres) ListTriggers(ctx context.Context, ownerID string) ([]model.Trigger, error) {
	rows, err := p.db.Query(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.Trigger, 0)
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

const updateTrigger = `
UPDATE triggers
SET name = $3, type = $4, action = $5, target_devices = $6,
    schedule_type = $7, schedule_datetime = $8, schedule_timezone = $9, schedule_enabled = $10,
    param_speed = $11, param_duration = $12, param_temperature = $13,
    enabled = $14, last_run = $15, next_run = $16, updated_at = $17
WHERE id = $1 AND owner_id = $2
`

func (p *Postgres) UpdateTrigger(ctx context.Context, t model.Trigger) error {
	tag, err := p.db.Exec(ctx, updateTrigger,
		t.ID, t.OwnerID, t.Name, t.Type, t.Action, t.TargetDevices,
		t.Schedule.Type, t.Schedule.Datetime, t.Schedule.Timezone, t.Schedule.Enabled,
		t.Parameters.Speed, t.Parameters.Duration, t.Parameters.Temperature,
		t.Enabled, t.LastRun, t.NextRun, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteTrigger(ctx context.Context, id, ownerID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM triggers WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const dueTriggers = `
SELECT ` + triggerColumns + `
FROM triggers
WHERE enabled AND schedule_enabled AND next_run IS NOT NULL AND next_run <= $1
ORDER BY next_run ASC
`

func (p *Postgres) DueTriggers(ctx context.Context, now time.Time) ([]model.Trigger, error) {
	rows, err := p.db.Query(ctx, dueTriggers, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.Trigger, 0)
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}
