// Package worker consumes run tasks from the queue and hands them to the execution engine.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docsync/internal/models"
	"docsync/internal/queue"
	"docsync/internal/retry"
	"docsync/internal/syncerr"
	"docsync/internal/telemetry"
)

// Queue is the task queue surface the processor drives.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	InflightCount(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (models.RunTask, bool, error)
	ExtendLease(ctx context.Context, taskID string, extension time.Duration) error
	Ack(ctx context.Context, task models.RunTask) error
	Schedule(ctx context.Context, task models.RunTask, priority queue.Priority, runAt time.Time) error
	DeadLetter(ctx context.Context, task models.RunTask, reason string) error
	VisibilityTimeout() time.Duration
}

// Executor runs one task to completion.
type Executor interface {
	ExecuteRun(ctx context.Context, task models.RunTask) (models.Run, error)
}

// Config tunes polling and re-dispatch.
type Config struct {
	PollInterval       time.Duration
	Concurrency        int
	MaxRedispatches    int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	ScheduledBatchSize int
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      Config
	queue    Queue
	exec     Executor
	backoff  retry.Policy
	logger   *zap.Logger
	workerID string
	now      func() time.Time
}

// NewProcessor creates a processor. workerID tags log lines.
func NewProcessor(cfg Config, q Queue, exec Executor, logger *zap.Logger, workerID string) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRedispatches < 0 {
		cfg.MaxRedispatches = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Minute
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:   cfg,
		queue: q,
		exec:  exec,
		backoff: retry.Policy{
			Base:   cfg.BackoffInitial,
			Factor: 2,
			Max:    cfg.BackoffMax,
			Jitter: true,
		},
		logger:   logger.With(zap.String("component", "worker"), zap.String("worker_id", workerID)),
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts the maintenance loop and Concurrency consumers until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error { return p.consume(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Maintain promotes due retries, reclaims expired leases and refreshes gauges.
func (p *Processor) Maintain(ctx context.Context) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled tasks", zap.Error(err))
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil && ctx.Err() == nil {
		p.logger.Warn("requeue expired leases", zap.Error(err))
	} else if len(reclaimed) > 0 {
		p.logger.Warn("reclaimed expired task leases", zap.Strings("task_ids", reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if n, err := p.queue.InflightCount(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(n))
	}
}

func (p *Processor) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("dequeue failed", zap.Error(err))
		}
		if handled {
			continue
		}
		if serr := retry.SleepContext(ctx, p.cfg.PollInterval); serr != nil {
			return serr
		}
	}
}

// ProcessOne leases and handles a single task. It reports whether a task was found.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	task, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}
	p.handle(ctx, task)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, task models.RunTask) {
	logger := p.logger.With(zap.String("task_id", task.ID), zap.String("pairing_id", task.PairingID), zap.Int("attempts", task.Attempts))

	runCtx, stop := context.WithCancel(ctx)
	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		p.keepAlive(runCtx, task.ID, logger)
	}()
	run, err := p.exec.ExecuteRun(runCtx, task)
	stop()
	<-keepAliveDone

	// A shutdown mid-run leaves the lease to expire so the task is redelivered.
	if ctx.Err() != nil {
		logger.Warn("worker stopping; task left for redelivery", zap.Error(err))
		return
	}

	outCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if ackErr := p.queue.Ack(outCtx, task); ackErr != nil {
			logger.Error("ack task", zap.Error(ackErr))
		}
		logger.Debug("task concluded", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
	case syncerr.IsSkip(err):
		if ackErr := p.queue.Ack(outCtx, task); ackErr != nil {
			logger.Error("ack skipped task", zap.Error(ackErr))
		}
		logger.Info("task skipped", zap.String("reason", string(syncerr.KindOf(err))))
	case syncerr.IsPermanent(err):
		p.deadLetter(outCtx, task, err, logger)
	default:
		attempts := task.Attempts + 1
		if attempts > p.cfg.MaxRedispatches {
			p.deadLetter(outCtx, task, err, logger)
			return
		}
		task.Attempts = attempts
		task.LastError = err.Error()
		nextRun := p.now().Add(p.backoff.Delay(attempts))
		if serr := p.queue.Schedule(outCtx, task, queue.PriorityScheduled, nextRun); serr != nil {
			logger.Error("schedule retry", zap.Error(serr))
			return
		}
		telemetry.WorkerRetries.Inc()
		logger.Warn("task failed, re-dispatch scheduled",
			zap.Int("attempt", attempts), zap.Time("next_run", nextRun), zap.Error(err))
	}
}

func (p *Processor) deadLetter(ctx context.Context, task models.RunTask, cause error, logger *zap.Logger) {
	if err := p.queue.DeadLetter(ctx, task, cause.Error()); err != nil {
		logger.Error("dead-letter task", zap.Error(err))
		return
	}
	telemetry.WorkerDeadLetter.Inc()
	logger.Error("task moved to DLQ", zap.Error(cause))
}

// keepAlive extends the task lease at a third of the visibility timeout until ctx ends.
func (p *Processor) keepAlive(ctx context.Context, taskID string, logger *zap.Logger) {
	visibility := p.queue.VisibilityTimeout()
	interval := visibility / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, taskID, visibility); err != nil && ctx.Err() == nil {
				logger.Warn("extend task lease", zap.Error(err))
			}
		}
	}
}
