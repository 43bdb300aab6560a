// SPDX-License-Identifier: MIT

package sweep

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/svcconfig"
	"github.com/camfleet/visibility/internal/visibility"
)

// CameraSource yields the cameras currently visible on active agents.
type CameraSource interface {
	ActiveCameras(ctx context.Context) ([]visibility.Camera, error)
}

// Cleanup prunes service subscriptions whose cameras no longer exist on
// any active agent, or whose status is in the non-operational set. A
// failed camera fetch aborts the whole cycle: with no authoritative view
// it is not safe to remove anything.
type Cleanup struct {
	configs        *svcconfig.Registry
	source         CameraSource
	nonOperational map[string]struct{}
	logger         zerolog.Logger
}

func NewCleanup(configs *svcconfig.Registry, source CameraSource, nonOperational []string, logger zerolog.Logger) *Cleanup {
	statuses := make(map[string]struct{}, len(nonOperational))
	for _, s := range nonOperational {
		statuses[s] = struct{}{}
	}
	return &Cleanup{
		configs:        configs,
		source:         source,
		nonOperational: statuses,
		logger:         logger,
	}
}

func (c *Cleanup) Name() string { return "cleanup" }

func (c *Cleanup) Sweep(ctx context.Context) error {
	cams, err := c.source.ActiveCameras(ctx)
	if err != nil {
		return fmt.Errorf("fetch active cameras: %w", err)
	}

	alive := make(map[string]struct{}, len(cams))
	for _, cam := range cams {
		if _, nonOp := c.nonOperational[cam.Status]; nonOp {
			continue
		}
		alive[cam.CameraID] = struct{}{}
	}

	services, err := c.configs.Services(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}

	for _, service := range services {
		removed, err := c.configs.Prune(ctx, service, func(identity string) bool {
			_, ok := alive[identity]
			return ok
		})
		if err != nil {
			c.logger.Error().Err(err).
				Str("event", "sweep.prune_failed").
				Str("service", service).
				Msg("failed to prune service subscriptions")
			continue
		}
		if len(removed) > 0 {
			c.logger.Info().
				Str("event", "sweep.subscriptions_pruned").
				Str("service", service).
				Strs("camera_ids", removed).
				Msg("removed subscriptions for vanished cameras")
		}
	}
	return nil
}
