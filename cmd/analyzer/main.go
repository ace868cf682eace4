package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Amr204/Analytical-Intelligence/internal/api"
	"github.com/Amr204/Analytical-Intelligence/internal/bus"
	"github.com/Amr204/Analytical-Intelligence/internal/config"
	"github.com/Amr204/Analytical-Intelligence/internal/dedup"
	"github.com/Amr204/Analytical-Intelligence/internal/detect"
	"github.com/Amr204/Analytical-Intelligence/internal/ingest"
	"github.com/Amr204/Analytical-Intelligence/internal/metrics"
	"github.com/Amr204/Analytical-Intelligence/internal/mlmodel"
	"github.com/Amr204/Analytical-Intelligence/internal/model"
	"github.com/Amr204/Analytical-Intelligence/internal/notify"
	"github.com/Amr204/Analytical-Intelligence/internal/policy"
	"github.com/Amr204/Analytical-Intelligence/internal/store"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting analyzer",
		"http_addr", cfg.HTTPAddr,
		"policy_path", cfg.PolicyPath,
		"nats_enabled", cfg.NATSURL != "",
		"telegram_enabled", cfg.TelegramToken != "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	st, err := store.NewPostgresStore(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	// Detection policy with optional hot reload.
	loader := policy.NewLoader(cfg.PolicyPath, cfg.PolicyHotReload, cfg.PolicyDebounceMS, logger)
	if _, err := loader.Load(); err != nil {
		logger.Warn("Policy load failed, using defaults", "error", err)
	}
	if err := loader.WatchForChanges(); err != nil {
		logger.Warn("Policy hot reload unavailable", "error", err)
	}
	defer loader.StopWatching()

	// Models. A load failure disables only the corresponding detector;
	// the service keeps ingesting and storing raw events.
	var classifier detect.Classifier
	if c, err := mlmodel.LoadNetworkClassifier(cfg.NetworkModelDir, cfg.ScorerURL, cfg.ScorerTimeout, logger); err != nil {
		logger.Warn("Network classifier unavailable, flow detection disabled", "error", err)
	} else {
		classifier = c
	}

	var scorer detect.AnomalyScorer
	if m, err := mlmodel.LoadSSHSequenceModel(cfg.SSHModelDir, cfg.ScorerURL, cfg.ScorerTimeout, logger); err != nil {
		logger.Warn("SSH sequence model unavailable, threshold detection only", "error", err)
	} else {
		scorer = m
	}

	m := metrics.New()

	// Detectors and the dedup engine.
	sshTracker := detect.NewSSHTracker(scorer, cfg.SSHFailWindow, cfg.SSHFailThreshold, logger)
	flowPipeline := detect.NewFlowPipeline(classifier, loader.Snapshot, logger)
	engine := dedup.NewEngine(st, cfg.DedupWindow, cfg.CooldownWindow, logger)

	// Notification bus.
	var alerter ingest.Alerter
	var notifyBus *notify.Bus
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		channel := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		notifyBus = notify.NewBus(channel, notify.Options{
			MinSeverity:     model.ParseSeverity(cfg.NotifySeverity, model.SeverityMedium),
			DedupWindow:     cfg.NotifyDedup,
			RateLimitPerMin: cfg.NotifyRatePerMin,
			DashboardURL:    cfg.DashboardURL,
		}, m, logger)
		notifyBus.Start()
		alerter = notifyBus
	} else {
		logger.Info("Telegram not configured, notifications disabled")
	}

	// Detection fan-out to NATS.
	var publisher ingest.Publisher
	var natsPublisher *bus.Publisher
	if cfg.NATSURL != "" {
		p, err := bus.NewPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			logger.Warn("NATS unavailable, detection fan-out disabled", "error", err)
		} else {
			natsPublisher = p
			publisher = p
		}
	}

	service := ingest.NewService(st, sshTracker, flowPipeline, engine, alerter, publisher, m, logger)

	validator, err := api.NewValidator()
	if err != nil {
		logger.Error("Failed to compile ingest schemas", "error", err)
		os.Exit(1)
	}
	if cfg.IngestKey == "" {
		logger.Warn("ANALYZER_INGEST_KEY is empty, ingest authentication disabled")
	}
	server := api.NewServer(service, st, validator, cfg.IngestKey, api.ModelStatus{
		NetworkClassifier: classifier != nil,
		SSHSequenceModel:  scorer != nil,
	}, m, logger)

	if err := server.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
		logger.Error("HTTP server failed", "error", err)
	}

	// Drain the alert queue before exiting.
	if notifyBus != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		notifyBus.Shutdown(shutdownCtx)
		cancel()
	}
	if natsPublisher != nil {
		natsPublisher.Close()
	}
	logger.Info("Analyzer stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
