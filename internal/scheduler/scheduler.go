// Package scheduler finds pairings due for a run, reclaims stalled runs and
// enqueues run tasks. It never executes runs itself.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"docsync/internal/models"
	"docsync/internal/queue"
	"docsync/internal/store"
	"docsync/internal/telemetry"
)

const (
	MsgStalled = "stalled — no heartbeat"
	MsgTimeout = "timeout — exceeded maximum runtime"
)

// Store is the persistence the scheduler needs.
type Store interface {
	store.PairingStore
	store.RunStore
}

// Enqueuer accepts run tasks.
type Enqueuer interface {
	EnqueueRun(ctx context.Context, task models.RunTask, priority queue.Priority) (string, bool, error)
}

// Config holds pass cadences and liveness thresholds.
type Config struct {
	Interval           time.Duration
	SweepInterval      time.Duration
	HeartbeatStall     time.Duration
	NoHeartbeatTimeout time.Duration
	MaxRunAge          time.Duration
	FailureWindow      time.Duration
	FailureThreshold   int
}

// DefaultConfig returns the standard cadences.
func DefaultConfig() Config {
	return Config{
		Interval:           60 * time.Second,
		SweepInterval:      time.Hour,
		HeartbeatStall:     30 * time.Minute,
		NoHeartbeatTimeout: 2 * time.Hour,
		MaxRunAge:          6 * time.Hour,
		FailureWindow:      24 * time.Hour,
		FailureThreshold:   3,
	}
}

// Scheduler runs the due pass and the sweeps.
type Scheduler struct {
	store  Store
	queue  Enqueuer
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds a scheduler. Zero config fields take DefaultConfig values.
func New(st Store, q Enqueuer, cfg Config, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HeartbeatStall <= 0 {
		cfg.HeartbeatStall = def.HeartbeatStall
	}
	if cfg.NoHeartbeatTimeout <= 0 {
		cfg.NoHeartbeatTimeout = def.NoHeartbeatTimeout
	}
	if cfg.MaxRunAge <= 0 {
		cfg.MaxRunAge = def.MaxRunAge
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  st,
		queue:  q,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "scheduler")),
		now:    time.Now,
	}
}

// Run drives the due pass every Interval and the sweeps every SweepInterval until ctx ends.
// Pass failures are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	due := time.NewTicker(s.cfg.Interval)
	defer due.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	s.safely(ctx, "due", func(ctx context.Context) error { _, err := s.DuePass(ctx); return err })
	s.safely(ctx, "sweep", s.sweeps)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-due.C:
			s.safely(ctx, "due", func(ctx context.Context) error { _, err := s.DuePass(ctx); return err })
		case <-sweep.C:
			s.safely(ctx, "sweep", s.sweeps)
		}
	}
}

func (s *Scheduler) sweeps(ctx context.Context) error {
	_, sweepErr := s.StallSweep(ctx)
	_, pruneErr := s.PruneSweep(ctx)
	if sweepErr != nil {
		return sweepErr
	}
	return pruneErr
}

// safely runs one pass, converting errors and panics into log lines.
func (s *Scheduler) safely(ctx context.Context, pass string, fn func(ctx context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.SchedulerPassErrors.WithLabelValues(pass).Inc()
			s.logger.Error("scheduler pass panicked", zap.String("pass", pass), zap.Any("panic", rec))
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		telemetry.SchedulerPassErrors.WithLabelValues(pass).Inc()
		s.logger.Error("scheduler pass failed", zap.String("pass", pass), zap.Error(err))
	}
}

// PassResult summarizes one due pass.
type PassResult struct {
	Due        int
	Dispatched int
	Pending    int
	Skipped    int
	Reclaimed  int
	Errors     int
}

// DuePass selects due pairings, applies the liveness rules and dispatches run tasks.
func (s *Scheduler) DuePass(ctx context.Context) (PassResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.DuePass")
	var res PassResult
	now := s.now().UTC()

	pairings, err := s.store.DuePairings(ctx, now)
	if err != nil {
		telemetry.EndSpan(span, err)
		return res, err
	}
	res.Due = len(pairings)

	for _, p := range pairings {
		if ctx.Err() != nil {
			break
		}
		logger := s.logger.With(zap.String("pairing_id", p.ID), zap.String("tenant_id", p.TenantID))
		ok, reclaimed, err := s.checkLiveness(ctx, p, now, logger)
		if err != nil {
			res.Errors++
			telemetry.SchedulerPassErrors.WithLabelValues("due").Inc()
			logger.Error("liveness check failed", zap.Error(err))
			continue
		}
		if reclaimed {
			res.Reclaimed++
		}
		if !ok {
			res.Skipped++
			continue
		}

		taskID, enqueued, err := s.queue.EnqueueRun(ctx, models.RunTask{PairingID: p.ID, TenantID: p.TenantID}, queue.PriorityScheduled)
		if err != nil {
			res.Errors++
			telemetry.SchedulerPassErrors.WithLabelValues("due").Inc()
			logger.Error("enqueue run task", zap.Error(err))
			continue
		}
		if !enqueued {
			res.Pending++
			logger.Debug("run task already pending", zap.String("task_id", taskID))
			continue
		}
		res.Dispatched++
		telemetry.SchedulerDispatches.Inc()
		telemetry.EnqueueCounter.Inc()
		logger.Info("run task dispatched", zap.String("task_id", taskID))
	}

	telemetry.EndSpan(span, nil)
	s.logger.Info("due pass complete",
		zap.Int("due", res.Due), zap.Int("dispatched", res.Dispatched), zap.Int("pending", res.Pending),
		zap.Int("skipped", res.Skipped), zap.Int("reclaimed", res.Reclaimed), zap.Int("errors", res.Errors))
	return res, nil
}

// checkLiveness reports whether p may be dispatched now, force-failing its live run when it is stalled.
func (s *Scheduler) checkLiveness(ctx context.Context, p models.Pairing, now time.Time, logger *zap.Logger) (ok, reclaimed bool, err error) {
	live, err := s.store.InProgressRun(ctx, p.ID)
	if err != nil {
		return false, false, err
	}
	if live == nil {
		return true, false, nil
	}

	var msg, reason string
	switch {
	case live.LastHeartbeatTime != nil:
		if now.Sub(*live.LastHeartbeatTime) <= s.cfg.HeartbeatStall {
			return false, false, nil
		}
		msg, reason = MsgStalled, "heartbeat"
	case now.Sub(live.CreatedAt) > s.cfg.NoHeartbeatTimeout:
		msg, reason = MsgTimeout, "no_heartbeat"
	default:
		return false, false, nil
	}

	expect := live.HeartbeatCounter
	applied, err := s.store.FinishRun(ctx, live.ID, models.RunFinish{
		Status:          models.RunFailed,
		ErrorMsg:        msg,
		At:              now,
		ExpectHeartbeat: &expect,
	})
	if err != nil {
		return false, false, err
	}
	if !applied {
		// The run heartbeated or finished since it was read.
		logger.Info("live run moved on before reclamation", zap.String("run_id", live.ID))
		return false, false, nil
	}
	telemetry.StalledRunsReclaimed.WithLabelValues(reason).Inc()
	logger.Warn("reclaimed stalled run", zap.String("run_id", live.ID), zap.String("reason", msg))
	return true, true, nil
}

// SweepResult summarizes one stall sweep.
type SweepResult struct {
	Reclaimed []string
	Flagged   []string
}

// StallSweep force-fails runs older than MaxRunAge and flags pairings that failed
// FailureThreshold times within FailureWindow.
func (s *Scheduler) StallSweep(ctx context.Context) (SweepResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.StallSweep")
	var res SweepResult
	now := s.now().UTC()

	runs, err := s.store.InProgressRunsCreatedBefore(ctx, now.Add(-s.cfg.MaxRunAge))
	if err != nil {
		telemetry.EndSpan(span, err)
		return res, err
	}
	for _, r := range runs {
		applied, err := s.store.FinishRun(ctx, r.ID, models.RunFinish{Status: models.RunFailed, ErrorMsg: MsgTimeout, At: now})
		if err != nil {
			telemetry.SchedulerPassErrors.WithLabelValues("sweep").Inc()
			s.logger.Error("force-fail aged run", zap.String("run_id", r.ID), zap.Error(err))
			continue
		}
		if applied {
			res.Reclaimed = append(res.Reclaimed, r.ID)
			telemetry.StalledRunsReclaimed.WithLabelValues("max_age").Inc()
			s.logger.Warn("force-failed aged run", zap.String("run_id", r.ID), zap.String("pairing_id", r.PairingID),
				zap.Time("created_at", r.CreatedAt))
		}
	}

	ids, err := s.store.PairingsWithFailures(ctx, now.Add(-s.cfg.FailureWindow), s.cfg.FailureThreshold)
	if err != nil {
		telemetry.EndSpan(span, err)
		return res, err
	}
	for _, id := range ids {
		p, err := s.store.GetPairing(ctx, id)
		if err != nil {
			s.logger.Error("load failing pairing", zap.String("pairing_id", id), zap.Error(err))
			continue
		}
		if p.InRepeatedErrorState {
			continue
		}
		if err := s.store.SetRepeatedErrorState(ctx, id, true); err != nil {
			telemetry.SchedulerPassErrors.WithLabelValues("sweep").Inc()
			s.logger.Error("flag pairing error state", zap.String("pairing_id", id), zap.Error(err))
			continue
		}
		res.Flagged = append(res.Flagged, id)
		s.logger.Warn("pairing entered repeated error state", zap.String("pairing_id", id), zap.String("tenant_id", p.TenantID))
	}
	telemetry.EndSpan(span, nil)
	return res, nil
}

// PruneSweep stamps last_pruned on pairings whose prune cadence elapsed.
func (s *Scheduler) PruneSweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	pairings, err := s.store.PrunablePairings(ctx, now)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, p := range pairings {
		if err := s.store.MarkPruned(ctx, p.ID, now); err != nil {
			s.logger.Error("mark pairing pruned", zap.String("pairing_id", p.ID), zap.Error(err))
			continue
		}
		marked++
	}
	if marked > 0 {
		s.logger.Info("prune sweep complete", zap.Int("pairings", marked))
	}
	return marked, nil
}
