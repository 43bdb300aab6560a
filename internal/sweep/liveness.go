// SPDX-License-Identifier: MIT

package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/metrics"
	"github.com/camfleet/visibility/internal/model"
	"github.com/camfleet/visibility/internal/registry"
)

// Liveness demotes agents whose last_update has gone stale. A demoted
// agent gets status inactive_timeout, every camera drops to
// unknown_timeout with frame transmission disabled, and last_update is
// refreshed by the write itself, which restarts the purge clock.
type Liveness struct {
	registry *registry.Registry
	timeout  time.Duration
	skew     time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewLiveness builds the liveness sweeper. skew is the clock drift
// tolerated before a future-dated last_update is reported.
func NewLiveness(reg *registry.Registry, timeout, skew time.Duration, logger zerolog.Logger) *Liveness {
	return &Liveness{
		registry: reg,
		timeout:  timeout,
		skew:     skew,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (l *Liveness) WithClock(now func() time.Time) *Liveness {
	l.now = now
	return l
}

func (l *Liveness) Name() string { return "liveness" }

// Sweep demotes every stale non-terminal agent. Per-agent failures are
// logged and do not stop the pass; only a failed listing aborts the cycle.
func (l *Liveness) Sweep(ctx context.Context) error {
	agents, err := l.registry.ListAll(ctx, false)
	if err != nil {
		return err
	}

	now := l.now()
	demoted := 0
	for _, agent := range agents {
		id := agent.String(model.FieldAgentID)
		status := agent.String(model.FieldStatus)
		if _, terminal := model.TerminalAgentStatuses[status]; terminal {
			continue
		}

		raw := agent.String(model.FieldLastUpdate)
		ts, err := model.ParseTimestamp(raw)
		if err != nil {
			l.logger.Warn().
				Str("event", "sweep.unparseable_timestamp").
				Str("agent_id", id).
				Str("last_update", raw).
				Msg("skipping agent with unparseable last_update")
			continue
		}

		age := now.Sub(ts)
		if age < -l.skew {
			l.logger.Warn().
				Str("event", "sweep.future_timestamp").
				Str("agent_id", id).
				Time("last_update", ts).
				Msg("agent last_update is ahead of local clock")
			continue
		}
		if age <= l.timeout {
			continue
		}

		if err := l.demote(ctx, agent); err != nil {
			l.logger.Error().Err(err).
				Str("event", "sweep.demote_failed").
				Str("agent_id", id).
				Msg("failed to demote stale agent")
			continue
		}
		demoted++
		metrics.AgentsDemotedTotal.Inc()
		l.logger.Info().
			Str("event", "sweep.agent_demoted").
			Str("agent_id", id).
			Str("previous_status", status).
			Dur("age", age).
			Msg("agent demoted after liveness timeout")
	}

	if demoted > 0 {
		l.logger.Info().
			Str("event", "sweep.liveness_done").
			Int("demoted", demoted).
			Int("scanned", len(agents)).
			Msg("liveness pass complete")
	}
	return nil
}

func (l *Liveness) demote(ctx context.Context, agent model.Document) error {
	cameras := agent.List(model.FieldCameras)
	downed := make([]model.Document, 0, len(cameras))
	for _, cam := range cameras {
		c := model.Document{}
		for k, v := range cam {
			c[k] = v
		}
		c[model.FieldStatus] = model.CameraUnknownTimeout
		c[model.FieldFrameTransmission] = false
		downed = append(downed, c)
	}

	_, err := l.registry.Update(ctx, agent.String(model.FieldAgentID), model.Document{
		model.FieldStatus:  model.AgentInactiveTimeout,
		model.FieldCameras: downed,
	})
	return err
}
