package registry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/store"
)

func newTestRegistry() (*Registry, *store.Memory) {
	mem := store.NewMemory()
	return New(zerolog.New(io.Discard), mem), mem
}

func TestRegisterMintsUniqueTokens(t *testing.T) {
	r, _ := newTestRegistry()

	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		id := string(rune('a'+i)) + "-dev"
		d, err := r.Register(context.Background(), id, "Station", model.CategoryMotor, "lab", "user-1")
		if err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
		if len(d.AuthToken) != 64 {
			t.Fatalf("token length = %d, want 64 hex chars", len(d.AuthToken))
		}
		if _, dup := seen[d.AuthToken]; dup {
			t.Fatal("duplicate token minted")
		}
		seen[d.AuthToken] = struct{}{}
	}
}

func TestRegisterDefaults(t *testing.T) {
	r, _ := newTestRegistry()

	d, err := r.Register(context.Background(), "  dev-1  ", " Station ", "", "", "user-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if d.DeviceID != "dev-1" || d.Name != "Station" {
		t.Fatalf("trim failed: %+v", d)
	}
	if d.Category != model.CategoryCombined {
		t.Fatalf("category = %s, want combined default", d.Category)
	}
	if d.Status != model.StatusOffline {
		t.Fatalf("status = %s, want offline", d.Status)
	}
	if d.Configuration != model.DefaultDeviceConfig() {
		t.Fatalf("configuration = %+v", d.Configuration)
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry()

	if _, err := r.Register(context.Background(), "", "name", "", "", "user-1"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("empty id: %v", err)
	}
	if _, err := r.Register(context.Background(), "dev-1", "  ", "", "", "user-1"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("blank name: %v", err)
	}
	if _, err := r.Register(context.Background(), "dev-1", "name", "toaster", "", "user-1"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("bad category: %v", err)
	}
}

func TestDeviceIDUniqueAcrossUsers(t *testing.T) {
	r, _ := newTestRegistry()

	if _, err := r.Register(context.Background(), "dev-1", "mine", "", "", "user-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(context.Background(), "dev-1", "also mine", "", "", "user-2"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("cross-user duplicate: %v, want ErrConflict", err)
	}
}

func TestAuthenticateRoundTrip(t *testing.T) {
	r, _ := newTestRegistry()

	d, err := r.Register(context.Background(), "dev-1", "Station", "", "", "user-1")
	if err != nil {
		t.Fatal(err)
	}

	if !r.Authenticate(context.Background(), "dev-1", d.AuthToken) {
		t.Fatal("minted token rejected")
	}
	if r.Authenticate(context.Background(), "dev-1", "wrong") {
		t.Fatal("wrong token accepted")
	}
	if r.Authenticate(context.Background(), "ghost", d.AuthToken) {
		t.Fatal("unknown device accepted")
	}
	if r.Authenticate(context.Background(), "dev-1", "") {
		t.Fatal("empty token accepted")
	}
}

func TestUpdateStatusUnknownDeviceSilent(t *testing.T) {
	r, _ := newTestRegistry()
	// Must not panic or error-log-fatally for devices that disappeared.
	r.UpdateStatus(context.Background(), "ghost", model.StatusOnline, time.Now())
}

func TestOwnerResolution(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.Register(context.Background(), "dev-1", "Station", "", "", "user-1"); err != nil {
		t.Fatal(err)
	}

	owner, err := r.Owner(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	if owner != "user-1" {
		t.Fatalf("owner = %s", owner)
	}
	if _, err := r.Owner(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown device owner: %v", err)
	}
}

func TestUpdateValidatesConfiguration(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.Register(context.Background(), "dev-1", "Station", "", "", "user-1"); err != nil {
		t.Fatal(err)
	}

	bad := model.DeviceConfig{MotorSpeed: 300, SensorInterval: 5}
	if _, err := r.Update(context.Background(), "dev-1", "user-1", Update{Configuration: &bad}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("motorSpeed 300: %v", err)
	}
	bad = model.DeviceConfig{MotorSpeed: 100, SensorInterval: 0}
	if _, err := r.Update(context.Background(), "dev-1", "user-1", Update{Configuration: &bad}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("sensorInterval 0: %v", err)
	}

	good := model.DeviceConfig{MotorSpeed: 100, SensorInterval: 10, Alerts: false}
	d, err := r.Update(context.Background(), "dev-1", "user-1", Update{Configuration: &good})
	if err != nil {
		t.Fatalf("valid update: %v", err)
	}
	if d.Configuration != good {
		t.Fatalf("configuration = %+v", d.Configuration)
	}
}

func TestUpdateScopedToOwner(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.Register(context.Background(), "dev-1", "Station", "", "", "user-1"); err != nil {
		t.Fatal(err)
	}

	name := "hijacked"
	if _, err := r.Update(context.Background(), "dev-1", "user-2", Update{Name: &name}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-user update: %v, want ErrNotFound", err)
	}
}
