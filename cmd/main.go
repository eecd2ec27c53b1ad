package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	cloudguard "github.com/oarkflow/cloudguard"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := cloudguard.LoadConfig(*configPath)
	if err != nil {
		errLogger := zerolog.New(os.Stderr)
		errLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("addr", cfg.Server.Address).Msg("cloudguard starting")

	metrics := cloudguard.NewInMemoryMetricsCollector()

	var counterStore cloudguard.CounterStore
	var closeCounter func() error
	switch cfg.Storage.Counter {
	case "redis":
		redisStore := cloudguard.NewRedisCounterStore(cfg.Storage.Redis)
		counterStore = redisStore
		closeCounter = redisStore.Close
		logger.Info().Str("addr", cfg.Storage.Redis.Addr).Msg("using redis counter store")
	default:
		counterStore = cloudguard.NewInMemoryCounterStore()
	}

	var audit cloudguard.AuditStore
	var closeAudit func() error
	switch cfg.Storage.Audit {
	case "memory":
		audit = cloudguard.NewInMemoryAuditStore()
	default:
		sqlStore, err := cloudguard.NewSQLAuditStore(cfg.Storage.SQLiteDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open audit store")
		}
		audit = sqlStore
		closeAudit = sqlStore.Close
		logger.Info().Str("dsn", cfg.Storage.SQLiteDSN).Msg("using sqlite audit store")
	}

	var scorer cloudguard.AnomalyScorer
	switch cfg.Detection.Scorer {
	case "ensemble":
		scorer = cloudguard.NewEnsembleScorer(cfg.Detection.Trees, cfg.Detection.Contamination, time.Now().UnixNano())
	default:
		scorer = cloudguard.NewStatisticalScorer(cfg.Detection.ZScoreThreshold)
	}
	logger.Info().Str("scorer", scorer.Name()).Msg("anomaly scorer selected")

	limiter := cloudguard.NewRateLimiter(counterStore, cfg.RateLimit, logger, metrics)
	baselines := cloudguard.NewBaselineRegistry(cfg.Baseline, cfg.Detection.FreezeBaseline)
	providers := cloudguard.NewProviderRegistry(logger)
	dispatcher := cloudguard.NewRemediationDispatcher(providers, audit, cfg.Remediation, logger, metrics)
	registry := cloudguard.NewNotificationRegistry(cfg.Notifications, logger)
	sink := cloudguard.NewNotificationSink(registry, cfg.Notifications, logger, metrics)
	ledger := cloudguard.NewFindingLedger(5 * time.Minute)
	pipeline := cloudguard.NewDetectionPipeline(
		scorer,
		cloudguard.NewConfigRuleChecker(),
		baselines,
		dispatcher,
		sink,
		ledger,
		audit,
		cfg.Detection,
		logger,
		metrics,
	)
	server := cloudguard.NewServer(cfg.Server, limiter, pipeline, ledger, audit, providers, logger, metrics)

	var watcher *cloudguard.ConfigWatcher
	if *configPath != "" {
		watcher, err = cloudguard.WatchConfig(*configPath, limiter, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("config hot-reload disabled")
		}
	}

	janitor := time.NewTicker(time.Minute)
	defer janitor.Stop()
	go func() {
		for range janitor.C {
			ledger.Cleanup()
			if mem, ok := counterStore.(*cloudguard.InMemoryCounterStore); ok {
				mem.Cleanup()
			}
		}
	}()

	go func() {
		if err := server.Listen(cfg.Server.Address); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if watcher != nil {
		watcher.Stop()
	}
	if err := server.Shutdown(cfg.Server.GracefulTimeout.Std()); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}
	dispatcher.Close()
	sink.Wait()
	if closeAudit != nil {
		if err := closeAudit(); err != nil {
			logger.Warn().Err(err).Msg("audit store close failed")
		}
	}
	if closeCounter != nil {
		if err := closeCounter(); err != nil {
			logger.Warn().Err(err).Msg("counter store close failed")
		}
	}
	logger.Info().Msg("cloudguard stopped")
}

func newLogger(cfg cloudguard.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
