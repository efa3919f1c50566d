// Package trigger manages user-defined automation rules and the minute
// scheduling loop that promotes due rules into dispatched commands.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Coder-HNP/LensClear/internal/bus"
	"github.com/Coder-HNP/LensClear/internal/dispatch"
	"github.com/Coder-HNP/LensClear/internal/metrics"
	"github.com/Coder-HNP/LensClear/internal/model"
	"github.com/Coder-HNP/LensClear/internal/store"
)

// commandDispatcher is the slice of the dispatcher the engine needs.
type commandDispatcher interface {
	DispatchForTrigger(ctx context.Context, t model.Trigger) (dispatch.BatchResult, error)
}

type Options struct {
	// Tick is the scheduling granularity. Triggers fire at minute precision,
	// not second precision.
	Tick time.Duration

	// RunTimeout bounds one trigger's dispatch so a stuck delivery cannot
	// hang the tick indefinitely.
	RunTimeout time.Duration
}

type Engine struct {
	log        zerolog.Logger
	triggers   store.TriggerStore
	devices    store.DeviceStore
	dispatcher commandDispatcher
	bus        bus.Bus
	metrics    *metrics.Metrics
	tick       time.Duration
	runTimeout time.Duration
}

func New(log zerolog.Logger, triggers store.TriggerStore, devices store.DeviceStore, d commandDispatcher, b bus.Bus, m *metrics.Metrics, opts Options) *Engine {
	tick := opts.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 30 * time.Second
	}
	if b == nil {
		b = bus.Nop{}
	}
	return &Engine{
		log:        log,
		triggers:   triggers,
		devices:    devices,
		dispatcher: d,
		bus:        b,
		metrics:    m,
		tick:       tick,
		runTimeout: runTimeout,
	}
}

// Input is the creation payload for a trigger.
type Input struct {
	Name          string
	Type          model.TriggerType
	Action        string
	TargetDevices []string
	Schedule      model.Schedule
	Parameters    model.ActionParameters
	Enabled       bool
}

// Create validates and persists a trigger. Immediate enabled triggers execute
// synchronously; an execution failure is logged but never fails creation.
func (e *Engine) Create(ctx context.Context, ownerID string, in Input) (model.Trigger, error) {
	if strings.TrimSpace(in.Name) == "" || !in.Type.Valid() {
		return model.Trigger{}, fmt.Errorf("%w: name and type are required", store.ErrInvalidInput)
	}
	if err := dispatch.ValidateAction(in.Action, in.Parameters); err != nil {
		return model.Trigger{}, err
	}
	if len(in.TargetDevices) == 0 {
		return model.Trigger{}, fmt.Errorf("%w: targetDevices must not be empty", store.ErrInvalidInput)
	}
	if in.Schedule.Type == "" {
		in.Schedule.Type = model.ScheduleOnce
	}
	if !in.Schedule.Type.Valid() {
		return model.Trigger{}, fmt.Errorf("%w: unknown schedule type %q", store.ErrInvalidInput, in.Schedule.Type)
	}
	if err := e.verifyTargets(ctx, ownerID, in.TargetDevices); err != nil {
		return model.Trigger{}, err
	}

	now := time.Now()
	t := model.Trigger{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(in.Name),
		Type:          in.Type,
		Action:        in.Action,
		TargetDevices: in.TargetDevices,
		Schedule:      in.Schedule,
		Parameters:    in.Parameters,
		Enabled:       in.Enabled,
		OwnerID:       ownerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if t.Type == model.TriggerScheduled {
		if t.Schedule.Datetime == nil {
			return model.Trigger{}, fmt.Errorf("%w: scheduled triggers require schedule.datetime", store.ErrInvalidInput)
		}
		next := *t.Schedule.Datetime
		t.NextRun = &next
	}

	if err := e.triggers.CreateTrigger(ctx, t); err != nil {
		return model.Trigger{}, err
	}

	if t.Type == model.TriggerImmediate && t.Enabled {
		if _, err := e.execute(ctx, &t); err != nil {
			e.log.Warn().Err(err).Str("trigger_id", t.ID).Msg("immediate trigger execution failed")
		}
		if err := e.triggers.UpdateTrigger(ctx, t); err != nil {
			e.log.Error().Err(err).Str("trigger_id", t.ID).Msg("failed to persist immediate trigger run state")
		}
	}

	return t, nil
}

func (e *Engine) verifyTargets(ctx context.Context, ownerID string, targets []string) error {
	for _, deviceID := range targets {
		if _, err := e.devices.GetOwnedDevice(ctx, deviceID, ownerID); err != nil {
			return fmt.Errorf("%w: target device %s not found or not owned", store.ErrInvalidInput, deviceID)
		}
	}
	return nil
}

// Update is a partial merge; owner and id are immutable. NextRun is
// recomputed when the schedule datetime changes.
type Update struct {
	Name          *string
	Action        *string
	TargetDevices []string
	Schedule      *model.Schedule
	Parameters    *model.ActionParameters
	Enabled       *bool
}

func (e *Engine) Update(ctx context.Context, id, ownerID string, u Update) (model.Trigger, error) {
	t, err := e.triggers.GetTrigger(ctx, id, ownerID)
	if err != nil {
		return model.Trigger{}, err
	}

	if u.Name != nil {
		if strings.TrimSpace(*u.Name) == "" {
			return model.Trigger{}, fmt.Errorf("%w: name must not be empty", store.ErrInvalidInput)
		}
		t.Name = strings.TrimSpace(*u.Name)
	}
	if u.Action != nil {
		t.Action = *u.Action
	}
	if u.Parameters != nil {
		t.Parameters = *u.Parameters
	}
	if err := dispatch.ValidateAction(t.Action, t.Parameters); err != nil {
		return model.Trigger{}, err
	}
	if u.TargetDevices != nil {
		if len(u.TargetDevices) == 0 {
			return model.Trigger{}, fmt.Errorf("%w: targetDevices must not be empty", store.ErrInvalidInput)
		}
		if err := e.verifyTargets(ctx, ownerID, u.TargetDevices); err != nil {
			return model.Trigger{}, err
		}
		t.TargetDevices = u.TargetDevices
	}
	if u.Schedule != nil {
		if !u.Schedule.Type.Valid() {
			return model.Trigger{}, fmt.Errorf("%w: unknown schedule type %q", store.ErrInvalidInput, u.Schedule.Type)
		}
		if t.Type == model.TriggerScheduled && u.Schedule.Datetime == nil {
			return model.Trigger{}, fmt.Errorf("%w: scheduled triggers require schedule.datetime", store.ErrInvalidInput)
		}
		datetimeChanged := u.Schedule.Datetime != nil &&
			(t.Schedule.Datetime == nil || !t.Schedule.Datetime.Equal(*u.Schedule.Datetime))
		t.Schedule = *u.Schedule
		if datetimeChanged && t.Type == model.TriggerScheduled {
			next := *u.Schedule.Datetime
			t.NextRun = &next
		}
	}
	if u.Enabled != nil {
		t.Enabled = *u.Enabled
	}
	t.UpdatedAt = time.Now()

	if err := e.triggers.UpdateTrigger(ctx, t); err != nil {
		return model.Trigger{}, err
	}
	return t, nil
}

// Toggle flips the enabled flag, engaging or disengaging scheduling.
func (e *Engine) Toggle(ctx context.Context, id, ownerID string) (model.Trigger, error) {
	t, err := e.triggers.GetTrigger(ctx, id, ownerID)
	if err != nil {
		return model.Trigger{}, err
	}
	t.Enabled = !t.Enabled
	if t.Enabled && t.Type == model.TriggerScheduled && t.NextRun == nil && t.Schedule.Datetime != nil {
		next := *t.Schedule.Datetime
		t.NextRun = &next
	}
	t.UpdatedAt = time.Now()
	if err := e.triggers.UpdateTrigger(ctx, t); err != nil {
		return model.Trigger{}, err
	}
	return t, nil
}

// ExecuteNow runs a trigger against its current target set regardless of
// schedule state.
func (e *Engine) ExecuteNow(ctx context.Context, id, ownerID string) (dispatch.BatchResult, error) {
	t, err := e.triggers.GetTrigger(ctx, id, ownerID)
	if err != nil {
		return dispatch.BatchResult{}, err
	}
	result, err := e.execute(ctx, &t)
	if uerr := e.triggers.UpdateTrigger(ctx, t); uerr != nil {
		e.log.Error().Err(uerr).Str("trigger_id", t.ID).Msg("failed to persist trigger run state")
	}
	return result, err
}

func (e *Engine) Get(ctx context.Context, id, ownerID string) (model.Trigger, error) {
	return e.triggers.GetTrigger(ctx, id, ownerID)
}

func (e *Engine) List(ctx context.Context, ownerID string) ([]model.Trigger, error) {
	return e.triggers.ListTriggers(ctx, ownerID)
}

func (e *Engine) Delete(ctx context.Context, id, ownerID string) error {
	return e.triggers.DeleteTrigger(ctx, id, ownerID)
}

// execute dispatches to the trigger's targets and stamps LastRun. The caller
// persists the mutated trigger.
func (e *Engine) execute(ctx context.Context, t *model.Trigger) (dispatch.BatchResult, error) {
	start := time.Now()
	e.metrics.IncTriggerRun()
	defer func() {
		e.metrics.ObserveTriggerRunDuration(time.Since(start))
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	result, err := e.dispatcher.DispatchForTrigger(runCtx, *t)

	now := time.Now()
	t.LastRun = &now

	status := "success"
	if err != nil {
		status = "failed"
	}
	e.bus.Publish(bus.Event{
		Kind:   bus.KindTriggerExecuted,
		UserID: t.OwnerID,
		Payload: map[string]any{
			"triggerId":   t.ID,
			"status":      status,
			"logsCreated": result.LogsCreated,
			"timestamp":   now,
		},
	})

	return result, err
}

// Run is the scheduling loop: once per tick it executes every due trigger
// sequentially, isolating failures so one bad trigger cannot starve the rest.
func (e *Engine) Run(ctx context.Context) {
	if e == nil || e.triggers == nil {
		return
	}

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.log.Info().Dur("tick", e.tick).Msg("trigger scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.runTick(ctx, time.Now())
	}
}

func (e *Engine) runTick(ctx context.Context, now time.Time) {
	due, err := e.triggers.DueTriggers(ctx, now)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to select due triggers")
		return
	}

	for i := range due {
		t := due[i]

		e.log.Info().Str("trigger_id", t.ID).Str("name", t.Name).Msg("executing scheduled trigger")

		if _, err := e.execute(ctx, &t); err != nil {
			e.log.Error().Err(err).Str("trigger_id", t.ID).Msg("scheduled trigger execution failed")
		}

		advanceSchedule(&t, e.log)
		t.UpdatedAt = time.Now()

		if err := e.triggers.UpdateTrigger(ctx, t); err != nil {
			e.log.Error().Err(err).Str("trigger_id", t.ID).Msg("failed to persist trigger schedule advance")
		}
	}
}

// advanceSchedule moves NextRun forward from the prior scheduled instant, not
// from "now", so daily/weekly triggers keep their time of day across delay
// and drift. One-shot and custom schedules disable the trigger.
func advanceSchedule(t *model.Trigger, log zerolog.Logger) {
	prior := t.Schedule.Datetime
	if t.NextRun != nil {
		prior = t.NextRun
	}

	switch t.Schedule.Type {
	case model.ScheduleOnce:
		t.Enabled = false
		t.NextRun = nil
	case model.ScheduleDaily:
		if prior == nil {
			t.NextRun = nil
			return
		}
		next := prior.Add(24 * time.Hour)
		t.NextRun = &next
	case model.ScheduleWeekly:
		if prior == nil {
			t.NextRun = nil
			return
		}
		next := prior.Add(7 * 24 * time.Hour)
		t.NextRun = &next
	case model.ScheduleCustom:
		// Cron-style recurrence is not supported; make that explicit instead
		// of guessing a semantics.
		log.Warn().Str("trigger_id", t.ID).Msg("custom schedules are not supported; trigger disabled after one run")
		t.Enabled = false
		t.NextRun = nil
	default:
		t.NextRun = nil
	}
}
