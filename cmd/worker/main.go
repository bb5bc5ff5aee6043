package main

import (
	"os"

	"go.uber.org/zap"

	"docsync/internal/bootstrap"
	"docsync/internal/config"
	"docsync/internal/logging"
	"docsync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := bootstrap.Logger(cfg)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logging.Sync() }()

	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	st, err := bootstrap.Store(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	client, err := bootstrap.Redis(ctx, cfg)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	defer func() { _ = client.Close() }()

	eng, err := bootstrap.Engine(ctx, cfg, st, client, logger)
	if err != nil {
		logger.Fatal("build engine", zap.Error(err))
	}

	workerID := bootstrap.WorkerID()
	processor := worker.NewProcessor(worker.Config{
		PollInterval:       cfg.WorkerPollInterval,
		Concurrency:        cfg.WorkerConcurrency,
		MaxRedispatches:    cfg.MaxRedispatches,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
	}, bootstrap.Queue(cfg, client), eng, logger, workerID)

	bootstrap.ServeMetrics(ctx, cfg.MetricsAddr, logger)

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial))
	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
