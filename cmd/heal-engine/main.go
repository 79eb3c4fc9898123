package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelstack/sentinel-heal/internal/agent"
	"github.com/sentinelstack/sentinel-heal/internal/api"
	"github.com/sentinelstack/sentinel-heal/internal/cache"
	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/detect"
	"github.com/sentinelstack/sentinel-heal/internal/incident"
	"github.com/sentinelstack/sentinel-heal/internal/ingest"
	"github.com/sentinelstack/sentinel-heal/internal/metrics"
	"github.com/sentinelstack/sentinel-heal/internal/notify"
	"github.com/sentinelstack/sentinel-heal/internal/orchestrator"
	"github.com/sentinelstack/sentinel-heal/internal/stability"
	"github.com/sentinelstack/sentinel-heal/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting sentinel-heal", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	store, closeStore := buildStore(cfg.Cache, logger)
	defer closeStore()

	manager := incident.NewManager(store, logger)
	if err := manager.Restore(); err != nil {
		logger.Warn("could not restore persisted incidents", slog.Any("error", err))
	}

	buffer := ingest.NewTelemetryBuffer(ingest.BufferOptions{
		MaxLogs:      cfg.Buffer.MaxLogs,
		MaxMetrics:   cfg.Buffer.MaxMetrics,
		MaxSnapshots: cfg.Buffer.MaxSnapshots,
		TTL:          cfg.Buffer.TTL,
	})
	detector := detect.NewDetector(cfg.Thresholds, logger)
	evaluator := stability.NewEvaluator(cfg.Thresholds, logger)
	agentClient := agent.NewClient(cfg.Agent, logger)
	executor := orchestrator.NewExecutor(cfg.AutoHeal, logger)
	engine := orchestrator.NewOrchestrator(agentClient, manager, evaluator, executor, cfg.Monitor, logger)
	webhook := notify.NewWebhook(cfg.Notify, logger)

	monitor := orchestrator.NewMonitor(orchestrator.MonitorOptions{
		Buffer:       buffer,
		Detector:     detector,
		Agent:        agentClient,
		Manager:      manager,
		Orchestrator: engine,
		Notifier:     webhook,
		RunWorkflow:  true,
	}, cfg.Monitor, logger)

	server := api.NewServer(api.Options{
		Buffer:       buffer,
		Detector:     detector,
		Evaluator:    evaluator,
		Manager:      manager,
		Orchestrator: engine,
		Executor:     executor,
		Agent:        agentClient,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // synchronous workflow runs can be slow
	}
	go func() {
		logger.Info("api server listening", slog.String("address", cfg.Server.Address))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server exited", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("sentinel-heal stopped")
}

// buildStore returns the incident store: Valkey-backed when the cache is
// enabled and reachable, in-memory otherwise. The engine stays functional
// either way; persistence only changes what survives a restart.
func buildStore(cfg config.CacheConfig, logger *slog.Logger) (incident.Store, func()) {
	if !cfg.Enabled || cfg.Addr == "" {
		return incident.NewMemoryStore(), func() {}
	}

	provider, err := cache.NewValkey(cfg, logger)
	if err != nil {
		logger.Warn("valkey cache unavailable, using in-memory store", slog.Any("error", err))
		return incident.NewMemoryStore(), func() {}
	}

	opTimeout := cfg.ReadTimeout + cfg.WriteTimeout + cfg.DialTimeout
	return incident.NewCacheStore(provider, cfg.SnapshotTTL, opTimeout), func() {
		if err := provider.Close(); err != nil {
			logger.Warn("closing valkey provider", slog.Any("error", err))
		}
	}
}
