// SPDX-License-Identifier: MIT

// aiconfigd is the AI service configuration daemon. It manages per-service
// camera subscription lists in Redis, validates subscriptions against the
// visibility server and prunes entries for cameras that no longer exist.
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
	cflog "github.com/camfleet/visibility/internal/log"
	"github.com/camfleet/visibility/internal/store/kv"
	"github.com/camfleet/visibility/internal/svcconfig"
	"github.com/camfleet/visibility/internal/sweep"
	"github.com/camfleet/visibility/internal/visibility"
)

func main() {
	config.LoadDotEnv()

	cfg := config.LoadAIConfig()

	cflog.Configure(cflog.Config{
		Level:   cfg.LogLevel,
		Service: "aiconfigd",
	})
	logger := cflog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).
			Str("event", "config.invalid").
			Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kv.New(kv.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cflog.WithComponent("kv"))
	if err != nil {
		logger.Fatal().Err(err).
			Str("event", "store.open_failed").
			Str("redis_addr", cfg.RedisAddr).
			Msg("failed to connect to redis")
	}
	defer func() { _ = store.Close() }()

	configs := svcconfig.New(store, cfg.KeyPrefix, cflog.WithComponent("svcconfig"))
	source := visibility.New(cfg.VisibilityURL, cfg.FetchTimeout, cflog.WithComponent("visibility"))
	server := api.NewAIConfigServer(configs, source, cfg.NonOperationalStatuses, cflog.WithComponent("api"))

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
			Msg("AI config server listening")
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
		cleanup := sweep.NewCleanup(configs, source, cfg.NonOperationalStatuses, cflog.WithComponent("sweep"))
		sweep.Run(ctx, cleanup, cfg.CleanupInterval, cflog.WithComponent("sweep"))
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).
			Str("event", "daemon.failed").
			Msg("AI config server exited with error")
		os.Exit(1)
	}
	logger.Info().Str("event", "daemon.stopped").Msg("AI config server stopped")
}
