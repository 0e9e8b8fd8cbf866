package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
	"camstream/internal/core/services"
	httphandlers "camstream/internal/handlers/http"
	"camstream/internal/infrastructure/camera"
	"camstream/internal/infrastructure/distributed"
	"camstream/internal/infrastructure/monitoring"
	"camstream/internal/infrastructure/repositories"
	"camstream/internal/infrastructure/storage"
	"camstream/internal/infrastructure/streaming"
	"camstream/pkg/config"
	"camstream/pkg/logger"
	"camstream/pkg/tracing"
	"camstream/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "camstream: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.GeneratedPassword {
		// Printed once so the operator can log in; set CAMSTREAM_PASSWORD to pin it.
		log.Warnw("no password configured, generated one for this run", "password", cfg.Auth.Password)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
		Version:     version,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories: Redis when configured and reachable, memory otherwise.
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	defer func() {
		if err := repoFactory.Close(); err != nil {
			log.Errorw("error closing repository factory", "error", err)
		}
	}()

	var metrics *monitoring.PrometheusCollector
	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = monitoring.NewPrometheusCollector(reg)
		gatherer = reg
		log.Info("prometheus metrics enabled")
	}

	authService := services.NewAuthService(services.AuthConfig{
		Password:          cfg.Auth.Password,
		APIKey:            cfg.Auth.APIKey,
		JWTSecret:         cfg.Auth.JWTSecret,
		SessionTTL:        cfg.Auth.SessionTTL,
		IdleTimeout:       cfg.Auth.IdleTimeout,
		MaxSessions:       cfg.Auth.MaxSessions,
		StreamTokenTTL:    cfg.Auth.StreamTokenTTL,
		ReusableTokens:    cfg.Auth.StreamTokenReusable,
		CleanupInterval:   cfg.Auth.CleanupInterval,
		MaxFailedLogins:   cfg.Auth.MaxFailedLogins,
		FailedLoginWindow: cfg.Auth.FailedLoginWindow,
	}, repoFactory.CreateSessionRepository(), repoFactory.CreateStreamTokenRepository(), log, authOptions(metrics)...)

	var events *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		events = distributed.NewEventBus(client, cfg.Redis.KeyPrefix+"events", utils.GenerateInstanceID(), log)
		defer events.Close()
	}

	cameraService, hub, store, err := buildCamera(cfg, repoFactory, events, metrics, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Camera.CaptureTimeout)
		defer cancel()
		if err := cameraService.Close(closeCtx); err != nil {
			log.Errorw("error closing camera", "error", err)
		}
	}()

	health := monitoring.NewHealthChecker(log)
	health.AddCameraCheck(cameraService, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	health.AddFrameFreshnessCheck(hub, cfg.Monitoring.FrameStaleAfter, cfg.Monitoring.HealthCheckInterval)
	if repoFactory.UsingRedis() {
		health.AddRedisCheck(repoFactory, cfg.Monitoring.HealthCheckInterval, 2*time.Second)
	}

	go authService.Run(ctx)
	if events != nil {
		go followPeers(ctx, events, log)
	}
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:   cfg,
		Auth:     authService,
		Camera:   cameraService,
		Photos:   store,
		Health:   health,
		Metrics:  metrics,
		Gatherer: gatherer,
		Logger:   zapLogger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           httphandlers.StreamDeadlines(router, log),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting camstream server",
			"address", cfg.Server.Address,
			"driver", cfg.Camera.Driver,
			"redis", repoFactory.UsingRedis(),
			"version", version,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Open streams only end when the feed does, so stop it first.
	if _, err := cameraService.StopStream(shutdownCtx); err != nil {
		log.Warnw("failed to stop live feed", "error", err)
	}
	hub.End()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("camstream stopped")
	return nil
}

func authOptions(metrics *monitoring.PrometheusCollector) []services.AuthOption {
	if metrics == nil {
		return nil
	}
	return []services.AuthOption{services.WithAuthMetrics(metrics)}
}

// followPeers logs what other instances on the same camera are doing.
func followPeers(ctx context.Context, events *distributed.EventBus, log *zap.SugaredLogger) {
	err := events.Subscribe(ctx, func(e *domain.CameraEvent) error {
		log.Infow("peer camera event",
			"type", e.Type,
			"instance", e.InstanceID,
			"filename", e.Filename,
		)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warnw("camera event subscription ended", "channel", events.Channel(), "error", err)
	}
}

func buildCamera(
	cfg *config.Config,
	repoFactory *repositories.RepositoryFactory,
	events *distributed.EventBus,
	metrics *monitoring.PrometheusCollector,
	log *zap.SugaredLogger,
) (ports.CameraService, *streaming.Hub, *storage.FileStore, error) {
	factory, err := camera.NewDriverFactory(cfg.Camera.Driver, log)
	if err != nil {
		return nil, nil, nil, err
	}

	var registryOpts []camera.RegistryOption
	if leases := repoFactory.LeaseManager(); leases != nil {
		registryOpts = append(registryOpts, camera.WithLease(func() camera.Lease {
			return leases.Lease("camera", cfg.Camera.LeaseTTL)
		}))
	}
	registry := camera.NewRegistry(factory, log, registryOpts...)

	hubOpts := []streaming.Option{streaming.WithStallTimeout(cfg.Stream.StallTimeout)}
	cameraOpts := []services.CameraOption{}
	if metrics != nil {
		hubOpts = append(hubOpts, streaming.WithMetrics(metrics))
		cameraOpts = append(cameraOpts, services.WithCameraMetrics(metrics))
	}
	if events != nil {
		cameraOpts = append(cameraOpts, services.WithCameraEvents(events))
	}
	hub := streaming.NewHub(log, hubOpts...)

	store, err := storage.NewFileStore(cfg.Storage.PhotosDir, log)
	if err != nil {
		return nil, nil, nil, err
	}

	policy, err := domain.ParseStopPolicy(cfg.Stream.StopPolicy)
	if err != nil {
		return nil, nil, nil, err
	}

	recovery := services.DefaultFeedRecovery()
	if n := cfg.Stream.RecoveryAttempts; n > 0 {
		recovery.MaxAttempts = n
	} else {
		recovery.Enabled = false
	}

	svc := services.NewCameraService(services.CameraServiceConfig{
		Camera:         cfg.CameraConfig(),
		CaptureTimeout: cfg.Camera.CaptureTimeout,
		StopPolicy:     policy,
		StopOnIdle:     cfg.Stream.StopOnIdle,
		MaxPhotos:      cfg.Storage.MaxPhotos,
		Recovery:       recovery,
	}, registry, hub, store, log, cameraOpts...)
	return svc, hub, store, nil
}
