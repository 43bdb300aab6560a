// SPDX-License-Identifier: MIT

package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/registry"
)

// Purge removes agents whose last_update is older than the retention
// threshold. Because demotion refreshes last_update, the threshold
// measures time since an agent went quiet for good, not since its last
// heartbeat.
type Purge struct {
	registry  *registry.Registry
	threshold time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewPurge(reg *registry.Registry, threshold time.Duration, logger zerolog.Logger) *Purge {
	return &Purge{
		registry:  reg,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (p *Purge) WithClock(now func() time.Time) *Purge {
	p.now = now
	return p
}

func (p *Purge) Name() string { return "purge" }

func (p *Purge) Sweep(ctx context.Context) error {
	cutoff := p.now().Add(-p.threshold)
	removed, err := p.registry.PurgeInactive(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		p.logger.Info().
			Str("event", "sweep.agents_purged").
			Strs("agent_ids", removed).
			Time("cutoff", cutoff).
			Msg("purged long-inactive agents")
	}
	return nil
}
