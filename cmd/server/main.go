package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"hookrelay/internal/api"
	"hookrelay/internal/api/handlers"
	"hookrelay/internal/api/middleware"
	"hookrelay/internal/engine/delivery"
	"hookrelay/internal/engine/secrets"
	"hookrelay/internal/engine/webhooks"
	"hookrelay/internal/pkg/logger"
	"hookrelay/internal/platform/audit"
	"hookrelay/internal/platform/auth"
	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/metrics"
	"hookrelay/internal/platform/repositories"
	"hookrelay/internal/workers"
)

const limiterSweepSchedule = "@every 5m"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	key, err := cfg.Secrets.Key()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid secrets key")
	}
	sealer, err := secrets.NewSealer(key)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sealer")
	}

	policy, err := delivery.PolicyFromConfig(cfg.Webhooks)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid webhooks config")
	}

	// Engine
	auditLog := audit.NewLogger(db)
	secretMgr := secrets.NewManager(db, sealer, auditLog, cfg.Secrets, secrets.WithMetrics(m))
	registry := webhooks.NewRegistry(db, secretMgr, auditLog)
	queue := delivery.NewQueue(repositories.NewDeliveryRepository(db), policy, time.Now)
	dispatcher := webhooks.NewDispatcher(db, registry, secretMgr, queue,
		webhooks.WithEmitTimeout(cfg.Webhooks.EmitTimeout),
		webhooks.WithTestEvents(cfg.Webhooks.TestEventEnabled),
		webhooks.WithDispatcherMetrics(m),
	)
	deliverySvc := delivery.NewService(db, queue, secretMgr, auditLog)

	// HTTP
	tokenSvc := auth.NewTokenService(cfg.JWT)
	eventLimiter := middleware.NewRateLimiter(cfg.RateLimit.EventsPerSecond, cfg.RateLimit.EventsBurst)

	router := api.NewRouter(&api.Dependencies{
		WebhookHandler:      handlers.NewWebhookHandler(registry, dispatcher),
		SecretHandler:       handlers.NewSecretHandler(secretMgr),
		DeliveryHandler:     handlers.NewDeliveryHandler(deliverySvc),
		EventHandler:        handlers.NewEventHandler(dispatcher),
		AuditHandler:        handlers.NewAuditHandler(auditLog),
		HealthHandler:       handlers.NewHealthHandler(db),
		MetricsHandler:      handlers.NewMetricsHandler(reg),
		AuthMiddleware:      middleware.NewAuthMiddleware(tokenSvc),
		WorkspaceMiddleware: middleware.NewWorkspaceMiddleware(cfg.Server.TrustForwardedFor),
		EventRateLimiter:    eventLimiter,
	})

	// Background jobs. Maintenance jobs belong to cmd/worker unless the
	// delivery worker is embedded here.
	schedules := workers.Schedules{LimiterSweep: limiterSweepSchedule}
	var worker *delivery.Worker
	if cfg.Server.EmbeddedWorker {
		schedules.SecretCleanup = cfg.Secrets.CleanupSchedule
		schedules.AuditPurge = cfg.Audit.PurgeSchedule
		schedules.AuditRetention = time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour

		opts, err := delivery.ConfigOptions(cfg.Webhooks)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid webhooks config")
		}
		opts = append(opts, delivery.WithAuditLog(auditLog, cfg.Audit.RecordDeliveryFailures), delivery.WithMetrics(m))
		worker = delivery.NewWorker(db, delivery.NewSender(cfg.Webhooks.RequestTimeout, cfg.Webhooks.UserAgentProduct), opts...)
		worker.Start()
	}

	scheduler := workers.NewScheduler(schedules, secretMgr, auditLog, workers.WithLimiters(eventLimiter))
	if err := scheduler.SetupJobs(); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule jobs")
	}
	scheduler.Start()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Bool("embedded_worker", worker != nil).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	// Emits accepted before shutdown still get their deliveries queued.
	dispatcher.Wait()
	scheduler.Stop()
	if worker != nil {
		worker.Stop()
	}
}
