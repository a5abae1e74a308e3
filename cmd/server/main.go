package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/funnelchat/wa-delivery/internal/config"
	"github.com/funnelchat/wa-delivery/internal/database"
	"github.com/funnelchat/wa-delivery/internal/gateway"
	apihttp "github.com/funnelchat/wa-delivery/internal/http"
	"github.com/funnelchat/wa-delivery/internal/health"
	"github.com/funnelchat/wa-delivery/internal/httpapi"
	"github.com/funnelchat/wa-delivery/internal/idempotency"
	"github.com/funnelchat/wa-delivery/internal/instances"
	"github.com/funnelchat/wa-delivery/internal/locks"
	"github.com/funnelchat/wa-delivery/internal/logging"
	"github.com/funnelchat/wa-delivery/migrations"
	"github.com/funnelchat/wa-delivery/internal/observability"
	"github.com/funnelchat/wa-delivery/internal/queue"
	"github.com/funnelchat/wa-delivery/internal/ratelimit"
	redisinit "github.com/funnelchat/wa-delivery/internal/redis"
	sentryinit "github.com/funnelchat/wa-delivery/internal/sentry"
	"github.com/funnelchat/wa-delivery/internal/webhook"
	"github.com/funnelchat/wa-delivery/internal/workers"
)

// runRole selects which half of the system this process plays. The intake
// (web) role and the worker role are meant to scale independently as
// separate OS processes; ROLE unset runs both in one process, which is
// enough for small deployments and for local development.
type runRole struct {
	web    bool
	worker bool
}

func resolveRole() runRole {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ROLE"))) {
	case "web":
		return runRole{web: true}
	case "worker":
		return runRole{worker: true}
	default:
		return runRole{web: true, worker: true}
	}
}

// connectionChecker adapts the gateway client to the health handler's
// narrow ConnectionChecker interface.
type connectionChecker struct {
	gw *gateway.Client
}

func (c connectionChecker) IsOpen(ctx context.Context, instance string) bool {
	return c.gw.InstanceConnectionState(ctx, instance) == gateway.StateOpen
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, path := range []string{"api/.env", ".env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger := logging.New(cfg.Log.Level)
	role := resolveRole()
	logger.Info("starting wa-delivery", slog.String("env", cfg.AppEnv), slog.Bool("web", role.web), slog.Bool("worker", role.worker))

	sentryHandler, err := sentryinit.Init(cfg.Sentry.DSN, cfg.Sentry.Environment, cfg.Sentry.Release)
	if err != nil {
		logger.Error("sentry init failed", slog.String("error", err.Error()))
	}
	if sentryinit.Enabled() {
		hostname, _ := os.Hostname()
		tags := map[string]string{"environment": cfg.Sentry.Environment, "app_env": cfg.AppEnv}
		extras := map[string]any{"hostname": hostname, "http_addr": cfg.HTTP.Addr, "role": role}
		sentryinit.CaptureLifecycleEvent("startup", tags, extras)
		defer func() {
			sentryinit.CaptureLifecycleEvent("shutdown", tags, extras)
			sentryinit.Flush(5 * time.Second)
		}()
	}

	metrics := observability.NewMetrics(cfg.Prometheus.Namespace, prometheus.DefaultRegisterer)

	if err := database.EnsureDatabaseExists(ctx, cfg.Postgres.DSN, logger); err != nil {
		logger.Error("ensure database exists", slog.String("error", err.Error()))
		os.Exit(1)
	}
	pgPool, err := database.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Error("postgres connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := migrations.Apply(ctx, pgPool, logger); err != nil {
		logger.Error("apply migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redisClient := redisinit.NewClient(redisinit.Config{
		Addr: cfg.Redis.Addr, Username: cfg.Redis.Username, Password: cfg.Redis.Password,
		DB: cfg.Redis.DB, TLSEnabled: cfg.Redis.TLSEnabled,
	})
	defer redisClient.Close()

	lockManager := locks.NewCircuitBreakerManager(locks.NewRedisManager(redisClient), locks.DefaultCircuitBreakerConfig(), metrics)

	gatewayClient := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL, APIKey: cfg.Gateway.APIKey, HTTPTimeout: cfg.Gateway.HTTPTimeout,
	}, logger)

	repo := instances.NewRepository(pgPool, logger)
	cache := instances.NewCache(redisClient, time.Hour)
	notifier := instances.NewNotifier(redisClient)
	instanceService := instances.NewService(repo, cache, notifier, gatewayClient, logger)

	idemStore := idempotency.New(redisClient)
	limiter := ratelimit.New(redisClient, ratelimit.Config{TokensPerSecond: cfg.RateLimit.TokensPerSecond, Capacity: cfg.RateLimit.Capacity})
	deliveryQueue := queue.New(redisClient, queue.Config{
		MaxLength: cfg.Queue.MaxLength, ClaimIdleMs: cfg.Queue.ClaimIdleMs,
		ReadCount: cfg.Queue.ReadCount, ReadBlock: cfg.Queue.ReadBlock,
	}, logger, metrics)

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	workerRegistry := workers.NewRegistry(pgPool, workerID, hostname, cfg.AppEnv,
		workers.Config{HeartbeatInterval: cfg.WorkerRegistry.HeartbeatInterval, Expiry: cfg.WorkerRegistry.Expiry, AdvertiseAddr: cfg.HTTP.Addr},
		logger)
	if err := workerRegistry.Start(ctx); err != nil {
		logger.Error("worker registry start failed", slog.String("error", err.Error()))
	}
	defer workerRegistry.Stop(context.Background())

	var httpServer *apihttp.Server
	var workerManager *queue.Manager

	if role.worker {
		retry := queue.RetryConfig{MaxDeliveries: cfg.Retry.MaxDeliveries, BaseBackoff: cfg.Retry.BaseBackoff, MaxBackoff: cfg.Retry.MaxBackoff}
		workerManager = queue.NewManager(deliveryQueue, gatewayClient, limiter, retry, 1, workerID,
			workerRegistry, idemStore, cfg.Idempotency.EgressTTL, logger, metrics)

		names, err := repo.ListNames(ctx)
		if err != nil {
			logger.Error("failed to list instances for worker bootstrap", slog.String("error", err.Error()))
		} else {
			workerManager.Bootstrap(ctx, names)
		}

		added := notifier.SubscribeAdded(ctx)
		removed := notifier.SubscribeRemoved(ctx)
		go workerManager.WatchNotifications(ctx, added, removed)

		healthMonitor := health.NewMonitor(lockManager, repo,
			func(checkCtx context.Context, instanceName string) error {
				state := gatewayClient.InstanceConnectionState(checkCtx, instanceName)
				return instanceService.CheckHealth(checkCtx, instanceName, state)
			},
			instanceService.ReconcileOrphans,
			health.Config{CheckInterval: cfg.Health.CheckInterval, ReaperInterval: cfg.Health.ReaperInterval, LockTTLSeconds: 30},
			logger,
		)
		healthMonitor.Start(ctx)
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = healthMonitor.Stop(stopCtx)
		}()
	}

	if role.web {
		inboundStream := webhook.NewInboundStream(redisClient)
		webhookHandler := webhook.NewHandler(instanceService, idemStore, inboundStream, logger)

		healthHandler := health.NewHandler(pgPool, lockManager, deliveryQueue, connectionChecker{gw: gatewayClient}, workerRegistry)
		integrations := httpapi.NewIntegrations(instanceService, cfg.HTTP.Addr, logger)

		router := httpapi.NewRouter(httpapi.Deps{
			Logger:         logger,
			Metrics:        metrics,
			SentryHandler:  sentryHandler,
			HealthHandler:  healthHandler,
			WebhookHandler: webhookHandler.Intake,
			Integrations:   integrations,
		})

		httpServer = apihttp.NewServer(router, cfg.HTTP.Addr, cfg.HTTP.ReadHeaderTimeout, cfg.HTTP.ReadTimeout,
			cfg.HTTP.WriteTimeout, cfg.HTTP.IdleTimeout, cfg.Shutdown.HTTPTimeout, cfg.HTTP.MaxHeaderBytes, logger)
	}

	serverErr := make(chan error, 1)
	if httpServer != nil {
		go func() {
			serverErr <- httpServer.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited unexpectedly", slog.String("error", err.Error()))
		}
	}

	if workerManager != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Shutdown.WorkerDrainTimeout)
		workerManager.StopAll(drainCtx)
		drainCancel()
	}

	logger.Info("wa-delivery stopped")
}
