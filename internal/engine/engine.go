// Package engine executes one run of a pairing: it takes the pairing lock through
// the credential broker, drives the connector batch by batch, forwards documents to
// the destination and resolves the run's terminal status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"docsync/internal/connector"
	"docsync/internal/credentials"
	"docsync/internal/destination"
	"docsync/internal/models"
	"docsync/internal/store"
	"docsync/internal/syncerr"
	"docsync/internal/telemetry"
)

const (
	DefaultHeartbeatEvery  = 5
	DefaultCheckpointEvery = 10
)

// Store is the persistence the engine needs.
type Store interface {
	store.PairingStore
	store.RunStore
}

// Config tunes batch cadences. The pairing lock is kept alive by the broker on a timer,
// independent of these.
type Config struct {
	HeartbeatEvery  int
	CheckpointEvery int
}

// Engine executes run tasks.
type Engine struct {
	store      Store
	broker     *credentials.Broker
	connectors *connector.Registry
	gateway    *destination.Gateway
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// New wires an engine.
func New(st Store, broker *credentials.Broker, connectors *connector.Registry, gateway *destination.Gateway, cfg Config, logger *zap.Logger) *Engine {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = DefaultHeartbeatEvery
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultCheckpointEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      st,
		broker:     broker,
		connectors: connectors,
		gateway:    gateway,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "engine")),
		now:        time.Now,
	}
}

var errCanceled = errors.New("run canceled")

// ExecuteRun runs task to a terminal state. It returns the finished run.
// Lock contention and an already live run are reported as skip errors (see syncerr.IsSkip)
// without creating a run. Any failure after the run was created is recorded on the run
// and returned so the task layer can re-dispatch.
func (e *Engine) ExecuteRun(ctx context.Context, task models.RunTask) (models.Run, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.ExecuteRun",
		"pairing_id", task.PairingID, "tenant_id", task.TenantID, "task_id", task.ID)
	var (
		run    models.Run
		runErr error
	)
	defer func() { telemetry.EndSpan(span, runErr) }()

	pairing, err := e.store.GetPairing(ctx, task.PairingID)
	if err != nil {
		runErr = err
		return run, err
	}
	if pairing.TenantID != task.TenantID {
		runErr = syncerr.Newf(syncerr.KindConfig, "pairing %s does not belong to tenant %s", pairing.ID, task.TenantID)
		return run, runErr
	}
	if pairing.Status != models.PairingActive {
		e.logger.Info("pairing not active, skipping run",
			zap.String("pairing_id", pairing.ID), zap.String("status", string(pairing.Status)))
		return run, nil
	}

	logger := e.logger.With(zap.String("pairing_id", pairing.ID), zap.String("tenant_id", pairing.TenantID), zap.String("task_id", task.ID))
	runErr = e.broker.WithExclusiveAccess(ctx, pairing.TenantID, pairing.ID, pairing.CredentialID,
		func(ctx context.Context, s *credentials.Session) error {
			live, err := e.store.InProgressRun(ctx, pairing.ID)
			if err != nil {
				return syncerr.Wrap(err, syncerr.KindInfrastructure, "check in-progress run")
			}
			if live != nil {
				return syncerr.Newf(syncerr.KindRunInProgress, "run %s of pairing %s is still in progress", live.ID, pairing.ID)
			}

			run, err = e.store.CreateRun(ctx, store.CreateRunParams{
				PairingID:     pairing.ID,
				TaskID:        task.ID,
				FromBeginning: task.FromBeginning,
				Status:        models.RunInProgress,
				At:            e.now().UTC(),
			})
			if err != nil {
				return err
			}
			telemetry.RunsStarted.Inc()
			runLogger := logger.With(zap.String("run_id", run.ID))
			runLogger.Info("run started", zap.Bool("from_beginning", task.FromBeginning))

			stats, err := e.drive(ctx, s, pairing, run, task.FromBeginning, runLogger)
			if err != nil {
				if lost := s.LockErr(); lost != nil {
					err = lost
				}
			}
			run, err = e.finish(ctx, pairing, run, stats, err, runLogger)
			return err
		})
	if syncerr.IsSkip(runErr) {
		telemetry.RunsSkipped.WithLabelValues(string(syncerr.KindOf(runErr))).Inc()
		logger.Info("run skipped", zap.Error(runErr))
	}
	return run, runErr
}

type runStats struct {
	batches  int64
	newDocs  int64
	removed  int64
	failures int64
}

func (e *Engine) drive(ctx context.Context, s *credentials.Session, pairing models.Pairing, run models.Run, fromBeginning bool, logger *zap.Logger) (runStats, error) {
	var stats runStats

	payload, err := s.GetCredentials(ctx)
	if err != nil {
		return stats, err
	}
	conn, err := e.connectors.Create(pairing.Source, pairing.SourceConfig)
	if err != nil {
		return stats, err
	}
	if err := conn.LoadCredentials(ctx, payload); err != nil {
		return stats, asConnectorError(err, "load credentials into connector")
	}

	var (
		dest     destination.Destination
		destType string
	)
	if pairing.DestinationID != nil {
		d, err := e.store.GetDestination(ctx, *pairing.DestinationID)
		if err != nil {
			return stats, err
		}
		dest, err = e.gateway.Open(ctx, d)
		if err != nil {
			return stats, err
		}
		destType = d.Type
		defer func() {
			if cerr := destination.Close(dest); cerr != nil {
				logger.Warn("close destination", zap.Error(cerr))
			}
		}()
	}

	window := connector.Window{End: e.now().UTC()}
	var checkpoint *string
	if !fromBeginning {
		window.Start = pairing.LastSuccessfulIndexTime
		checkpoint, err = e.store.ResumableCheckpoint(ctx, pairing.ID, pairing.LastSuccessfulIndexTime)
		if err != nil {
			return stats, syncerr.Wrap(err, syncerr.KindInfrastructure, "load resumable checkpoint")
		}
		if checkpoint != nil {
			logger.Info("resuming from checkpoint", zap.String("checkpoint", *checkpoint))
		}
	}

	it, err := conn.Run(ctx, window, checkpoint)
	if err != nil {
		return stats, asConnectorError(err, "start connector")
	}
	defer it.Close()

	for {
		canceled, err := e.store.CancellationRequested(ctx, run.ID)
		if err != nil {
			return stats, syncerr.Wrap(err, syncerr.KindInfrastructure, "read cancellation flag")
		}
		if canceled {
			return stats, errCanceled
		}

		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, asConnectorError(err, fmt.Sprintf("pull batch %d", stats.batches+1))
		}

		if dest != nil {
			if err := e.gateway.Deliver(ctx, destType, dest, batch.Documents); err != nil {
				return stats, err
			}
		}

		stats.batches++
		for _, doc := range batch.Documents {
			if doc.Deleted {
				stats.removed++
			} else {
				stats.newDocs++
			}
		}
		if n := len(batch.Failures); n > 0 {
			stats.failures += int64(n)
			logger.Warn("connector reported document failures",
				zap.Int64("batch", stats.batches), zap.Int("failures", n), zap.String("first_reason", batch.Failures[0].Reason))
		}
		telemetry.DocsIndexed.Add(float64(len(batch.Documents)))

		if err := e.store.RecordProgress(ctx, run.ID, models.RunProgress{
			CompletedBatches: stats.batches,
			NewDocsIndexed:   stats.newDocs,
			TotalDocsIndexed: pairing.TotalDocsIndexed + stats.newDocs,
			DocsRemoved:      stats.removed,
			At:               e.now().UTC(),
		}); err != nil {
			return stats, storeError(err, "record progress")
		}

		if stats.batches%int64(e.cfg.HeartbeatEvery) == 0 {
			if err := e.heartbeat(ctx, run.ID); err != nil {
				return stats, err
			}
		}
		if stats.batches%int64(e.cfg.CheckpointEvery) == 0 && batch.Checkpoint != "" {
			if err := e.store.SaveCheckpoint(ctx, run.ID, batch.Checkpoint); err != nil {
				return stats, syncerr.Wrap(err, syncerr.KindInfrastructure, "save checkpoint")
			}
		}
	}
}

func (e *Engine) heartbeat(ctx context.Context, runID string) error {
	if _, err := e.store.Heartbeat(ctx, runID, e.now().UTC()); err != nil {
		return storeError(err, "heartbeat")
	}
	return nil
}

// storeError keeps a not-live run distinguishable from an unreachable database.
func storeError(err error, msg string) error {
	if errors.Is(err, store.ErrRunNotLive) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return syncerr.Wrap(err, syncerr.KindInfrastructure, msg)
}

// finish records the terminal status. The writes detach from ctx so a shutdown still lands them.
func (e *Engine) finish(ctx context.Context, pairing models.Pairing, run models.Run, stats runStats, runErr error, logger *zap.Logger) (models.Run, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	now := e.now().UTC()
	fields := []zap.Field{
		zap.Int64("batches", stats.batches),
		zap.Int64("new_docs", stats.newDocs),
		zap.Int64("docs_removed", stats.removed),
		zap.Int64("document_failures", stats.failures),
	}

	var status models.RunStatus
	msg := ""
	switch {
	case runErr == nil:
		status = models.RunSuccess
	case errors.Is(runErr, errCanceled):
		status = models.RunCanceled
	default:
		status = models.RunFailed
		msg = runErr.Error()
	}

	applied, err := e.store.FinishRun(ctx, run.ID, models.RunFinish{Status: status, ErrorMsg: msg, At: now})
	if err != nil {
		logger.Error("record run status", zap.String("status", string(status)), zap.Error(err))
		if runErr == nil || errors.Is(runErr, errCanceled) {
			return run, syncerr.Wrap(err, syncerr.KindInfrastructure, "record run status")
		}
		return run, runErr
	}
	if !applied {
		logger.Warn("run already terminal; keeping recorded status", zap.String("attempted", string(status)))
	}
	if updated, gerr := e.store.GetRun(ctx, run.ID); gerr == nil {
		run = updated
	}

	switch status {
	case models.RunSuccess:
		if !applied {
			return run, nil
		}
		telemetry.RunsSucceeded.Inc()
		if err := e.store.MarkPairingSuccess(ctx, pairing.ID, stats.newDocs, now); err != nil {
			logger.Error("update pairing after success", zap.Error(err))
			return run, syncerr.Wrap(err, syncerr.KindInfrastructure, "update pairing after success")
		}
		logger.Info("run succeeded", fields...)
		return run, nil
	case models.RunCanceled:
		if applied {
			telemetry.RunsCanceled.Inc()
		}
		logger.Info("run canceled", fields...)
		return run, nil
	default:
		if !applied {
			logger.Warn("run stopped after it was finished elsewhere", append(fields, zap.Error(runErr))...)
			return run, runErr
		}
		telemetry.RunsFailed.Inc()
		if err := e.store.SetRepeatedErrorState(ctx, pairing.ID, true); err != nil {
			logger.Error("flag pairing error state", zap.Error(err))
		}
		logger.Error("run failed", append(fields, zap.Error(runErr))...)
		return run, runErr
	}
}

func asConnectorError(err error, msg string) error {
	if syncerr.KindOf(err) != "" {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return syncerr.Wrap(err, syncerr.KindConnector, msg)
}
