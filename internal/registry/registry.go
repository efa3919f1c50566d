// Package registry owns device identity, credentials and last-known status.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/store"
)

type Registry struct {
	log     zerolog.Logger
	devices store.DeviceStore
}

func New(log zerolog.Logger, devices store.DeviceStore) *Registry {
	return &Registry{log: log, devices: devices}
}

// Register creates a device and mints its auth token. The returned Device is
// the only place the token is ever exposed; every later read redacts it.
// Device ids are unique across the whole system, not per user.
func (r *Registry) Register(ctx context.Context, deviceID, name string, category model.DeviceCategory, location, ownerID string) (model.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	name = strings.TrimSpace(name)
	if deviceID == "" || name == "" {
		return model.Device{}, fmt.Errorf("%w: deviceId and name are required", store.ErrInvalidInput)
	}
	if category == "" {
		category = model.CategoryCombined
	}
	if !category.Valid() {
		return model.Device{}, fmt.Errorf("%w: unknown category %q", store.ErrInvalidInput, category)
	}

	token, err := newAuthToken()
	if err != nil {
		return model.Device{}, fmt.Errorf("generate auth token: %w", err)
	}

	now := time.Now()
	d := model.Device{
		DeviceID:      deviceID,
		Name:          name,
		Category:      category,
		Location:      location,
		Status:        model.StatusOffline,
		LastSeen:      now,
		Configuration: model.DefaultDeviceConfig(),
		OwnerID:       ownerID,
		AuthToken:     token,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.devices.CreateDevice(ctx, d); err != nil {
		return model.Device{}, err
	}

	r.log.Info().Str("device_id", deviceID).Str("owner", ownerID).Msg("device registered")
	return d, nil
}

// newAuthToken returns 256 bits from crypto/rand, hex encoded.
func newAuthToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Authenticate reports whether the presented token matches the stored one.
// It never returns an error: unknown devices fail the same way bad tokens do,
// and the comparison runs against a dummy value so the two cases are not
// distinguishable by timing.
func (r *Registry) Authenticate(ctx context.Context, deviceID, presented string) bool {
	stored := strings.Repeat("0", 64)
	known := false

	d, err := r.devices.GetDevice(ctx, deviceID)
	if err == nil {
		stored = d.AuthToken
		known = true
	} else if !errors.Is(err, store.ErrNotFound) {
		r.log.Error().Err(err).Str("device_id", deviceID).Msg("device lookup failed during auth")
	}

	match := subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
	return known && match
}

// UpdateStatus is an idempotent last-writer-wins status/lastSeen upsert.
// Unknown devices are ignored: callers on the hot path have already
// authenticated the identity.
func (r *Registry) UpdateStatus(ctx context.Context, deviceID string, status model.DeviceStatus, lastSeen time.Time) {
	if err := r.devices.UpdateDeviceStatus(ctx, deviceID, status, lastSeen); err != nil {
		r.log.Error().Err(err).Str("device_id", deviceID).Msg("device status update failed")
	}
}

// Owner resolves the owning user of a device, for event scoping.
func (r *Registry) Owner(ctx context.Context, deviceID string) (string, error) {
	d, err := r.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return d.OwnerID, nil
}

func (r *Registry) Get(ctx context.Context, deviceID, ownerID string) (model.Device, error) {
	return r.devices.GetOwnedDevice(ctx, deviceID, ownerID)
}

func (r *Registry) List(ctx context.Context, ownerID string) ([]model.Device, error) {
	return r.devices.ListDevices(ctx, ownerID)
}

// Update merges the mutable fields onto the stored device. DeviceID, owner,
// token and status are immutable through this path.
type Update struct {
	Name          *string
	Category      *model.DeviceCategory
	Location      *string
	Configuration *model.DeviceConfig
}

func (r *Registry) Update(ctx context.Context, deviceID, ownerID string, u Update) (model.Device, error) {
	d, err := r.devices.GetOwnedDevice(ctx, deviceID, ownerID)
	if err != nil {
		return model.Device{}, err
	}

	if u.Name != nil {
		if strings.TrimSpace(*u.Name) == "" {
			return model.Device{}, fmt.Errorf("%w: name must not be empty", store.ErrInvalidInput)
		}
		d.Name = strings.TrimSpace(*u.Name)
	}
	if u.Category != nil {
		if !u.Category.Valid() {
			return model.Device{}, fmt.Errorf("%w: unknown category %q", store.ErrInvalidInput, *u.Category)
		}
		d.Category = *u.Category
	}
	if u.Location != nil {
		d.Location = *u.Location
	}
	if u.Configuration != nil {
		cfg := *u.Configuration
		if cfg.MotorSpeed < 0 || cfg.MotorSpeed > 255 {
			return model.Device{}, fmt.Errorf("%w: motorSpeed must be 0-255", store.ErrInvalidInput)
		}
		if cfg.SensorInterval <= 0 {
			return model.Device{}, fmt.Errorf("%w: sensorInterval must be positive", store.ErrInvalidInput)
		}
		d.Configuration = cfg
	}
	d.UpdatedAt = time.Now()

	if err := r.devices.UpdateDevice(ctx, d); err != nil {
		return model.Device{}, err
	}
	return d, nil
}

func (r *Registry) Delete(ctx context.Context, deviceID, ownerID string) error {
	// Telemetry and command history outlive the device for audit purposes.
	return r.devices.DeleteDevice(ctx, deviceID, ownerID)
}
