package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Coder-HNP/LensClear/internal/model"
)

// Memory is a mutex-guarded in-process Store. It backs the process when no
// DATABASE_URL is configured and is the workhorse of the test suites. Every
// atomicity requirement (claim exclusivity, outcome matching) holds under its
// single lock.
type Memory struct {
	mu        sync.Mutex
	devices   map[string]model.Device
	telemetry map[string][]model.TelemetryPoint
	logs      []model.CommandLogEntry
	triggers  map[string]model.Trigger
}

func NewMemory() *Memory {
	return &Memory{
		devices:   make(map[string]model.Device),
		telemetry: make(map[string][]model.TelemetryPoint),
		triggers:  make(map[string]model.Trigger),
	}
}

func (m *Memory) CreateDevice(_ context.Context, d model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[d.DeviceID]; exists {
		return ErrConflict
	}
	m.devices[d.DeviceID] = d
	return nil
}

func (m *Memory) GetDevice(_ context.Context, deviceID string) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) GetOwnedDevice(_ context.Context, deviceID, ownerID string) (model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok || d.OwnerID != ownerID {
		return model.Device{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) ListDevices(_ context.Context, ownerID string) ([]model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Device, 0)
	for _, d := range m.devices {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateDevice(_ context.Context, d model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.devices[d.DeviceID]
	if !ok || cur.OwnerID != d.OwnerID {
		return ErrNotFound
	}
	m.devices[d.DeviceID] = d
	return nil
}

func (m *Memory) DeleteDevice(_ context.Context, deviceID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok || d.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.devices, deviceID)
	return nil
}

func (m *Memory) UpdateDeviceStatus(_ context.Context, deviceID string, status model.DeviceStatus, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return nil
	}
	d.Status = status
	d.LastSeen = lastSeen
	d.UpdatedAt = lastSeen
	m.devices[deviceID] = d
	return nil
}

func (m *Memory) AppendTelemetry(_ context.Context, p model.TelemetryPoint) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.telemetry[p.DeviceID] = append(m.telemetry[p.DeviceID], p)
	return nil
}

func (m *Memory) QueryTelemetry(_ context.Context, deviceID string, since time.Time, limit int) ([]model.TelemetryPoint, error) {
	if limit <= 0 || limit > TelemetryQueryLimit {
		limit = TelemetryQueryLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.TelemetryPoint, 0)
	for _, p := range m.telemetry[deviceID] {
		if p.Timestamp.Before(since) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PruneExpiredTelemetry(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for deviceID, points := range m.telemetry {
		kept := points[:0]
		for _, p := range points {
			if p.Timestamp.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(m.telemetry, deviceID)
			continue
		}
		m.telemetry[deviceID] = kept
	}
	return removed, nil
}

func (m *Memory) CreateLogEntry(_ context.Context, e model.CommandLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs = append(m.logs, e)
	return nil
}

func (m *Memory) GetLogEntry(_ context.Context, id, triggeredBy string) (model.CommandLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.logs {
		if e.ID == id && e.TriggeredBy == triggeredBy {
			return e, nil
		}
	}
	return model.CommandLogEntry{}, ErrNotFound
}

func (m *Memory) ClaimOldestPending(_ context.Context, deviceID string) (model.CommandLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldest := -1
	for i, e := range m.logs {
		if e.DeviceID != deviceID || e.Status != model.CommandPending {
			continue
		}
		if oldest < 0 || e.Timestamp.Before(m.logs[oldest].Timestamp) {
			oldest = i
		}
	}
	if oldest < 0 {
		return model.CommandLogEntry{}, ErrNotFound
	}

	m.logs[oldest].Status = model.CommandSent
	return m.logs[oldest], nil
}

func (m *Memory) RecordOutcome(_ context.Context, deviceID string, success bool, responseTime *int64, errorMessage string) (model.CommandLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newest := -1
	for i, e := range m.logs {
		if e.DeviceID != deviceID {
			continue
		}
		if e.Status != model.CommandPending && e.Status != model.CommandSent {
			continue
		}
		if newest < 0 || e.Timestamp.After(m.logs[newest].Timestamp) {
			newest = i
		}
	}
	if newest < 0 {
		return model.CommandLogEntry{}, ErrNotFound
	}

	entry := &m.logs[newest]
	if success {
		entry.Status = model.CommandSuccess
	} else {
		entry.Status = model.CommandFailed
	}
	entry.ResponseTime = responseTime
	entry.ErrorMessage = errorMessage
	return *entry, nil
}

func (m *Memory) QueryLogs(_ context.Context, f LogFilter) ([]model.CommandLogEntry, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]model.CommandLogEntry, 0)
	for _, e := range m.logs {
		if !logMatches(e, f) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	total := len(matched)
	start := (page - 1) * limit
	if start >= total {
		return []model.CommandLogEntry{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func logMatches(e model.CommandLogEntry, f LogFilter) bool {
	if e.TriggeredBy != f.TriggeredBy {
		return false
	}
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(e.DeviceName), needle) &&
			!strings.Contains(strings.ToLower(e.Action), needle) {
			return false
		}
	}
	return true
}

func (m *Memory) CreateTrigger(_ context.Context, t model.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.triggers[t.ID]; exists {
		return ErrConflict
	}
	m.triggers[t.ID] = t
	return nil
}

func (m *Memory) GetTrigger(_ context.Context, id, ownerID string) (model.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.triggers[id]
	if !ok || t.OwnerID != ownerID {
		return model.Trigger{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListTriggers(_ context.Context, ownerID string) ([]model.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Trigger, 0)
	for _, t := range m.triggers {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateTrigger(_ context.Context, t model.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.triggers[t.ID]
	if !ok || cur.OwnerID != t.OwnerID {
		return ErrNotFound
	}
	m.triggers[t.ID] = t
	return nil
}

func (m *Memory) DeleteTrigger(_ context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.triggers[id]
	if !ok || t.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.triggers, id)
	return nil
}

func (m *Memory) DueTriggers(_ context.Context, now time.Time) ([]model.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Trigger, 0)
	for _, t := range m.triggers {
		if !t.Enabled || !t.Schedule.Enabled || t.NextRun == nil {
			continue
		}
		if t.NextRun.After(now) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(*out[j].NextRun) })
	return out, nil
}
