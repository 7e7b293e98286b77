package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/example/twin-collab/internal/audit"
	"github.com/example/twin-collab/internal/blob"
	"github.com/example/twin-collab/internal/broadcast"
	"github.com/example/twin-collab/internal/clock"
	"github.com/example/twin-collab/internal/config"
	"github.com/example/twin-collab/internal/httpapi"
	"github.com/example/twin-collab/internal/leasestore"
	"github.com/example/twin-collab/internal/lock"
	"github.com/example/twin-collab/internal/observability"
	"github.com/example/twin-collab/internal/oplog"
	"github.com/example/twin-collab/internal/playback"
	"github.com/example/twin-collab/internal/presence"
	"github.com/example/twin-collab/internal/resolver"
	"github.com/example/twin-collab/internal/state"
	"github.com/example/twin-collab/internal/storage"
	"github.com/example/twin-collab/internal/version"
	"github.com/example/twin-collab/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("instance", cfg.InstanceID).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize resources: %w", err)
	}
	defer resources.Close()

	store := storage.New(resources.Postgres)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	objects := blob.NewMinIO(resources.Object, cfg.ObjectBucket)
	if err := objects.EnsureBucket(ctx, cfg.ObjectRegion); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	telemetry, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		InstanceID:   cfg.InstanceID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Ready:        resources.HealthCheck,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	clk := clock.Real{}
	leases := leasestore.NewRedis(resources.Redis, cfg.AppName)

	auditLog := audit.NewEmitter(audit.NewRedisStreamSink(resources.Redis, cfg.Audit.Stream), cfg.Audit.Buffer, logger)

	registry := ws.NewConnectionRegistry(logger)
	bus := broadcast.NewRedisBroadcaster(resources.Redis, registry, cfg.InstanceID, logger)
	presenceSvc := presence.NewService(resources.Redis, bus, clk, cfg.Presence.TTL, logger)

	locks := lock.NewManager(leases, store, lock.Config{
		DefaultTTL: cfg.Lock.DefaultTTL,
		MaxTTL:     cfg.Lock.MaxTTL,
		Staleness:  cfg.Lock.Staleness,
		GuardTTL:   cfg.Lock.GuardTTL,
	}, logger, lock.WithClock(clk), lock.WithEvents(bus), lock.WithAudit(auditLog))
	reaper := lock.NewReaper(locks, cfg.Lock.ReclaimInterval, logger)

	opLog := oplog.New(store, locks, clk, auditLog, logger)
	engine := state.NewEngine(logger)
	versions := version.NewManager(store, opLog, engine, logger,
		version.WithBlobStore(objects),
		version.WithClock(clk),
		version.WithEvents(bus),
		version.WithAudit(auditLog),
	)
	snapshots := version.NewWorker(versions, cfg.Snapshot.Interval, cfg.Snapshot.Threshold, logger)

	supervisor := resolver.NewSupervisor(resolver.Deps{
		Log:      opLog,
		Locks:    locks,
		Baseline: versions,
		Engine:   engine,
		Clock:    clk,
		Events:   bus,
		Audit:    auditLog,
		Logger:   logger,
	}, leases, resolver.SupervisorConfig{
		Resolver: resolver.Config{
			PollInterval:      cfg.Resolver.PollInterval,
			StarvationTimeout: cfg.Resolver.StarvationTimeout,
		},
		InstanceID:   cfg.InstanceID,
		OwnershipTTL: cfg.Resolver.OwnershipTTL,
		IdleAfter:    cfg.Resolver.IdleAfter,
	})

	gateway, err := ws.NewGateway(ws.QueryIdentity, registry, logger, presenceSvc.WrapHooks(ws.Hooks{}), ws.GatewayConfig{
		MaxPerTwin: cfg.Gateway.MaxPerTwin,
		SendBuffer: cfg.Gateway.SendBuffer,
	})
	if err != nil {
		return fmt.Errorf("create websocket gateway: %w", err)
	}
	playbackSvc := playback.NewService(opLog, versions, logger, playback.ServiceConfig{})

	router := httpapi.NewRouter(httpapi.Deps{
		Locks:     locks,
		Log:       opLog,
		Versions:  versions,
		Resolvers: supervisor,
		Playback:  playback.NewHTTPHandler(playbackSvc, logger).WithTwinExtractor(httpapi.TwinParam),
		Gateway:   gateway,
		Health:    resources.HealthCheck,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           otelhttp.NewHandler(router, cfg.AppName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	auditLog.Start(ctx)
	defer auditLog.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(telemetry.Serve)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return presenceSvc.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return snapshots.Run(gctx) })
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		healthLoop(gctx, resources, cfg.HealthcheckProbe, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}
		return telemetry.Shutdown(shutdownCtx)
	})

	logger.Info().Msg("server dependencies initialized")
	return g.Wait()
}

func healthLoop(ctx context.Context, resources *config.Resources, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
