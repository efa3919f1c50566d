package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTelemetryRetention is the passive expiry horizon for telemetry.
const DefaultTelemetryRetention = 30 * 24 * time.Hour

// Janitor periodically deletes telemetry older than the retention horizon.
// Expiry is a background policy; request handlers never trigger it.
type Janitor struct {
	log       zerolog.Logger
	telemetry TelemetryStore
	retention time.Duration
	interval  time.Duration
}

func NewJanitor(log zerolog.Logger, telemetry TelemetryStore, retention time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultTelemetryRetention
	}
	return &Janitor{
		log:       log,
		telemetry: telemetry,
		retention: retention,
		interval:  time.Hour,
	}
}

func (j *Janitor) Run(ctx context.Context) {
	if j == nil || j.telemetry == nil {
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		removed, err := j.telemetry.PruneExpiredTelemetry(sweepCtx, time.Now().Add(-j.retention))
		cancel()
		if err != nil {
			j.log.Error().Err(err).Msg("telemetry retention sweep failed")
			continue
		}
		if removed > 0 {
			j.log.Info().Int64("removed", removed).Msg("telemetry retention sweep")
		}
	}
}
