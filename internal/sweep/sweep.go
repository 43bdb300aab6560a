// SPDX-License-Identifier: MIT

// Package sweep hosts the periodic maintenance loops: liveness demotion,
// stale-agent purge, and subscription cleanup. Each sweeper implements one
// cycle; Run drives it on a fixed interval until the context ends.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/metrics"
)

// Sweeper performs a single maintenance cycle.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) error
}

// Run executes the sweeper immediately and then on every interval tick
// until ctx is cancelled. Cycle errors are logged and counted, never fatal;
// the next tick always runs.
func Run(ctx context.Context, s Sweeper, interval time.Duration, logger zerolog.Logger) {
	logger.Info().
		Str("event", "sweep.started").
		Str("sweeper", s.Name()).
		Dur("interval", interval).
		Msg("sweeper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycle := func() {
		if err := s.Sweep(ctx); err != nil {
			metrics.SweepCyclesTotal.WithLabelValues(s.Name(), "error").Inc()
			logger.Error().Err(err).
				Str("event", "sweep.cycle_failed").
				Str("sweeper", s.Name()).
				Msg("sweep cycle failed")
			return
		}
		metrics.SweepCyclesTotal.WithLabelValues(s.Name(), "ok").Inc()
	}

	cycle()
	for {
		select {
		case <-ctx.Done():
			logger.Info().
				Str("event", "sweep.stopped").
				Str("sweeper", s.Name()).
				Msg("sweeper stopped")
			return
		case <-ticker.C:
			cycle()
		}
	}
}
