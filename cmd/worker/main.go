package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"hookrelay/internal/api/handlers"
	"hookrelay/internal/engine/delivery"
	"hookrelay/internal/engine/secrets"
	"hookrelay/internal/pkg/logger"
	"hookrelay/internal/platform/audit"
	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database"
	"hookrelay/internal/platform/metrics"
	"hookrelay/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging)
	log.Info().Msg("starting HookRelay delivery worker")

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
	auditLog := audit.NewLogger(db)
	secretMgr := secrets.NewManager(db, sealer, auditLog, cfg.Secrets, secrets.WithMetrics(m))

	opts, err := delivery.ConfigOptions(cfg.Webhooks)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid webhooks config")
	}
	opts = append(opts, delivery.WithAuditLog(auditLog, cfg.Audit.RecordDeliveryFailures), delivery.WithMetrics(m))
	worker := delivery.NewWorker(db, delivery.NewSender(cfg.Webhooks.RequestTimeout, cfg.Webhooks.UserAgentProduct), opts...)

	scheduler := workers.NewScheduler(workers.Schedules{
		SecretCleanup:  cfg.Secrets.CleanupSchedule,
		AuditPurge:     cfg.Audit.PurgeSchedule,
		AuditRetention: time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
	}, secretMgr, auditLog)
	if err := scheduler.SetupJobs(); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule jobs")
	}

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/metrics", handlers.NewMetricsHandler(reg))
	router.HandlerFunc(http.MethodGet, "/health", handlers.NewHealthHandler(db).Check)
	srv := &http.Server{Addr: cfg.Server.WorkerMetricsAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	worker.Start()
	scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	scheduler.Stop()
	worker.Stop()
	srv.Close()
}
