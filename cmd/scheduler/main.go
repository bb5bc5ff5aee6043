package main

import (
	"os"

	"go.uber.org/zap"

	"docsync/internal/bootstrap"
	"docsync/internal/config"
	"docsync/internal/logging"
	"docsync/internal/scheduler"
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

	sched := scheduler.New(st, bootstrap.Queue(cfg, client), scheduler.Config{
		Interval:           cfg.SchedulerInterval,
		SweepInterval:      cfg.SweepInterval,
		HeartbeatStall:     cfg.HeartbeatStall,
		NoHeartbeatTimeout: cfg.NoHeartbeatTimeout,
		MaxRunAge:          cfg.MaxRunAge,
		FailureWindow:      cfg.FailureWindow,
		FailureThreshold:   cfg.FailureThreshold,
	}, logger)

	bootstrap.ServeMetrics(ctx, cfg.MetricsAddr, logger)

	logger.Info("scheduler started", zap.Duration("interval", cfg.SchedulerInterval), zap.Duration("sweep_interval", cfg.SweepInterval))
	if err := sched.Run(ctx); err != nil {
		logger.Error("scheduler stopped", zap.Error(err))
	}
}
