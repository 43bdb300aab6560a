// SPDX-License-Identifier: MIT

// visibilityd is the camera fleet registry daemon. It serves the agent
// lifecycle API and runs the liveness and purge sweepers against a local
// Badger database.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camfleet/visibility/internal/api"
	"github.com/camfleet/visibility/internal/config"
	"github.com/camfleet/visibility/internal/control"
	cflog "github.com/camfleet/visibility/internal/log"
	"github.com/camfleet/visibility/internal/registry"
	"github.com/camfleet/visibility/internal/store/agentdb"
	"github.com/camfleet/visibility/internal/sweep"
)

func main() {
	config.LoadDotEnv()

	cfg := config.LoadVisibility()

	cflog.Configure(cflog.Config{
		Level:   cfg.LogLevel,
		Service: "visibilityd",
	})
	logger := cflog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).
			Str("event", "config.invalid").
			Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := agentdb.Open(cfg.DataDir, cflog.WithComponent("agentdb"))
	if err != nil {
		logger.Fatal().Err(err).
			Str("event", "store.open_failed").
			Str("data_dir", cfg.DataDir).
			Msg("failed to open agent database")
	}
	defer func() { _ = store.Close() }()

	reg := registry.New(store, cflog.WithComponent("registry"))
	notifier := control.New(cfg.ControlTimeout, cflog.WithComponent("control"))
	server := api.NewVisibilityServer(reg, notifier, cflog.WithComponent("api"))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router([]api.Pinger{store}, cfg.RateLimitRPM),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("event", "daemon.listening").
			Str("addr", cfg.ListenAddr).
			Msg("visibility server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		liveness := sweep.NewLiveness(reg, cfg.LivenessTimeout, cfg.SkewTolerance, cflog.WithComponent("sweep"))
		sweep.Run(ctx, liveness, cfg.LivenessInterval, cflog.WithComponent("sweep"))
		return nil
	})

	g.Go(func() error {
		purge := sweep.NewPurge(reg, cfg.PurgeThreshold, cflog.WithComponent("sweep"))
		sweep.Run(ctx, purge, cfg.PurgeInterval, cflog.WithComponent("sweep"))
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).
			Str("event", "daemon.failed").
			Msg("visibility server exited with error")
		os.Exit(1)
	}
	logger.Info().Str("event", "daemon.stopped").Msg("visibility server stopped")
}
