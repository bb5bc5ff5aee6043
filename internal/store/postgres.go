package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"docsync/internal/models"
	"docsync/internal/syncerr"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const pairingColumns = `id, tenant_id, source_config_id, source, source_config, credential_id, destination_id, status,
	refresh_freq, prune_freq, last_successful_index_time, last_pruned, in_repeated_error_state, total_docs_indexed,
	created_at, updated_at`

func scanPairing(row pgx.Row) (models.Pairing, error) {
	var p models.Pairing
	var cfgJSON []byte
	var dest pgtype.Text
	var status string
	if err := row.Scan(&p.ID, &p.TenantID, &p.SourceConfigID, &p.Source, &cfgJSON, &p.CredentialID, &dest, &status,
		&p.RefreshFreqSeconds, &p.PruneFreqSeconds, &p.LastSuccessfulIndexTime, &p.LastPruned, &p.InRepeatedErrorState,
		&p.TotalDocsIndexed, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Pairing{}, err
	}
	p.Status = models.PairingStatus(status)
	p.DestinationID = textPtr(dest)
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &p.SourceConfig); err != nil {
			return models.Pairing{}, fmt.Errorf("unmarshal source config: %w", err)
		}
	}
	return p, nil
}

func collectPairings(rows pgx.Rows) ([]models.Pairing, error) {
	defer rows.Close()
	var out []models.Pairing
	for rows.Next() {
		p, err := scanPairing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pairing: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPairing fetches a pairing by id.
func (s *Postgres) GetPairing(ctx context.Context, id string) (models.Pairing, error) {
	p, err := scanPairing(s.pool.QueryRow(ctx, `SELECT `+pairingColumns+` FROM pairings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Pairing{}, syncerr.Newf(syncerr.KindNotFound, "pairing %s not found", id)
	}
	if err != nil {
		return models.Pairing{}, fmt.Errorf("get pairing: %w", err)
	}
	return p, nil
}

// DuePairings selects pairings whose refresh frequency has elapsed.
func (s *Postgres) DuePairings(ctx context.Context, now time.Time) ([]models.Pairing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pairingColumns+`
		FROM pairings
		WHERE status = $1
		  AND NOT in_repeated_error_state
		  AND refresh_freq IS NOT NULL
		  AND (last_successful_index_time IS NULL
		       OR last_successful_index_time + make_interval(secs => refresh_freq) <= $2)
		ORDER BY id
	`, string(models.PairingActive), now)
	if err != nil {
		return nil, fmt.Errorf("query due pairings: %w", err)
	}
	return collectPairings(rows)
}

// PrunablePairings selects pairings whose prune frequency has elapsed.
func (s *Postgres) PrunablePairings(ctx context.Context, now time.Time) ([]models.Pairing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pairingColumns+`
		FROM pairings
		WHERE status = $1
		  AND prune_freq IS NOT NULL
		  AND (last_pruned IS NULL OR last_pruned + make_interval(secs => prune_freq) <= $2)
		ORDER BY id
	`, string(models.PairingActive), now)
	if err != nil {
		return nil, fmt.Errorf("query prunable pairings: %w", err)
	}
	return collectPairings(rows)
}

// MarkPairingSuccess folds a successful run into the pairing.
func (s *Postgres) MarkPairingSuccess(ctx context.Context, id string, docs int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pairings
		SET total_docs_indexed = total_docs_indexed + $2,
		    last_successful_index_time = $3,
		    in_repeated_error_state = FALSE,
		    updated_at = NOW()
		WHERE id = $1
	`, id, docs, at)
	return err
}

// SetRepeatedErrorState toggles the flag that hides a pairing from due scans.
func (s *Postgres) SetRepeatedErrorState(ctx context.Context, id string, inError bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pairings SET in_repeated_error_state = $2, updated_at = NOW() WHERE id = $1
	`, id, inError)
	return err
}

// MarkPruned stamps the prune cadence.
func (s *Postgres) MarkPruned(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE pairings SET last_pruned = $2, updated_at = NOW() WHERE id = $1`, id, at)
	return err
}

// GetDestination fetches a destination by id.
func (s *Postgres) GetDestination(ctx context.Context, id string) (models.Destination, error) {
	var d models.Destination
	var cfgJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT id, tenant_id, type, config FROM destinations WHERE id = $1`, id).
		Scan(&d.ID, &d.TenantID, &d.Type, &cfgJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Destination{}, syncerr.Newf(syncerr.KindNotFound, "destination %s not found", id)
	}
	if err != nil {
		return models.Destination{}, fmt.Errorf("get destination: %w", err)
	}
	if err := json.Unmarshal(cfgJSON, &d.Config); err != nil {
		return models.Destination{}, fmt.Errorf("unmarshal destination config: %w", err)
	}
	return d, nil
}

const runColumns = `id, pairing_id, task_id, status, from_beginning, new_docs_indexed, total_docs_indexed, docs_removed,
	completed_batches, total_batches, heartbeat_counter, last_heartbeat_time, last_progress_time, checkpoint_pointer,
	cancellation_requested, error_msg, created_at, time_started, updated_at`

func scanRun(row pgx.Row) (models.Run, error) {
	var r models.Run
	var status string
	var checkpoint, errMsg pgtype.Text
	if err := row.Scan(&r.ID, &r.PairingID, &r.TaskID, &status, &r.FromBeginning, &r.NewDocsIndexed, &r.TotalDocsIndexed,
		&r.DocsRemoved, &r.CompletedBatches, &r.TotalBatches, &r.HeartbeatCounter, &r.LastHeartbeatTime,
		&r.LastProgressTime, &checkpoint, &r.CancellationRequested, &errMsg, &r.CreatedAt, &r.TimeStarted,
		&r.UpdatedAt); err != nil {
		return models.Run{}, err
	}
	r.Status = models.RunStatus(status)
	r.CheckpointPointer = textPtr(checkpoint)
	r.ErrorMsg = textPtr(errMsg)
	return r, nil
}

// CreateRun inserts a run row.
func (s *Postgres) CreateRun(ctx context.Context, p CreateRunParams) (models.Run, error) {
	if p.Status == "" {
		p.Status = models.RunNotStarted
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	var started *time.Time
	if p.Status == models.RunInProgress {
		t := p.At
		started = &t
	}
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, pairing_id, task_id, status, from_beginning, created_at, time_started, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $6)
	`, id, p.PairingID, p.TaskID, string(p.Status), p.FromBeginning, p.At, started)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "runs_one_in_progress_idx" {
		return models.Run{}, syncerr.Newf(syncerr.KindRunInProgress, "pairing %s already has an in-progress run", p.PairingID)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return models.Run{
		ID:            id,
		PairingID:     p.PairingID,
		TaskID:        p.TaskID,
		Status:        p.Status,
		FromBeginning: p.FromBeginning,
		CreatedAt:     p.At,
		TimeStarted:   started,
		UpdatedAt:     p.At,
	}, nil
}

// GetRun fetches a run by id.
func (s *Postgres) GetRun(ctx context.Context, id string) (models.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, syncerr.Newf(syncerr.KindNotFound, "run %s not found", id)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// InProgressRun returns the live run of a pairing, or nil.
func (s *Postgres) InProgressRun(ctx context.Context, pairingID string) (*models.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE pairing_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1
	`, pairingID, string(models.RunInProgress)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get in-progress run: %w", err)
	}
	return &r, nil
}

// RecordProgress writes the per-batch counters of a live run.
func (s *Postgres) RecordProgress(ctx context.Context, id string, p models.RunProgress) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET completed_batches = $2, new_docs_indexed = $3, total_docs_indexed = $4, docs_removed = $5,
		    last_progress_time = $6, updated_at = $6
		WHERE id = $1 AND status = $7
	`, id, p.CompletedBatches, p.NewDocsIndexed, p.TotalDocsIndexed, p.DocsRemoved, p.At, string(models.RunInProgress))
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record progress on run %s: %w", id, ErrRunNotLive)
	}
	return nil
}

// Heartbeat bumps the heartbeat counter of a live run.
func (s *Postgres) Heartbeat(ctx context.Context, id string, at time.Time) (int64, error) {
	var counter int64
	err := s.pool.QueryRow(ctx, `
		UPDATE runs
		SET heartbeat_counter = heartbeat_counter + 1, last_heartbeat_time = $2, updated_at = $2
		WHERE id = $1 AND status = $3
		RETURNING heartbeat_counter
	`, id, at, string(models.RunInProgress)).Scan(&counter)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("heartbeat on run %s: %w", id, ErrRunNotLive)
	}
	if err != nil {
		return 0, fmt.Errorf("heartbeat: %w", err)
	}
	return counter, nil
}

// SaveCheckpoint stores the connector resumption token.
func (s *Postgres) SaveCheckpoint(ctx context.Context, id string, checkpoint string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET checkpoint_pointer = $2, updated_at = NOW() WHERE id = $1`, id, checkpoint)
	return err
}

// CancellationRequested re-reads the cancellation flag.
func (s *Postgres) CancellationRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancellation_requested FROM runs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, syncerr.Newf(syncerr.KindNotFound, "run %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("read cancellation flag: %w", err)
	}
	return requested, nil
}

// RequestCancellation sets the cooperative cancellation flag.
func (s *Postgres) RequestCancellation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET cancellation_requested = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("request cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return syncerr.Newf(syncerr.KindNotFound, "run %s not found", id)
	}
	return nil
}

// FinishRun moves a run into a terminal status only from a non-terminal one.
func (s *Postgres) FinishRun(ctx context.Context, id string, f models.RunFinish) (bool, error) {
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	var errMsg *string
	if f.ErrorMsg != "" {
		errMsg = &f.ErrorMsg
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, error_msg = COALESCE($3, error_msg), updated_at = $4
		WHERE id = $1
		  AND status IN ($5, $6)
		  AND ($7::BIGINT IS NULL OR heartbeat_counter = $7)
	`, id, string(f.Status), errMsg, f.At, string(models.RunNotStarted), string(models.RunInProgress), f.ExpectHeartbeat)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResumableCheckpoint finds the newest checkpoint left by an interrupted run.
func (s *Postgres) ResumableCheckpoint(ctx context.Context, pairingID string, since *time.Time) (*string, error) {
	var checkpoint string
	err := s.pool.QueryRow(ctx, `
		SELECT checkpoint_pointer FROM runs
		WHERE pairing_id = $1
		  AND status IN ($2, $3)
		  AND checkpoint_pointer IS NOT NULL
		  AND ($4::TIMESTAMPTZ IS NULL OR created_at > $4)
		ORDER BY created_at DESC LIMIT 1
	`, pairingID, string(models.RunFailed), string(models.RunCanceled), since).Scan(&checkpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query resumable checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// InProgressRunsCreatedBefore lists live runs older than cutoff.
func (s *Postgres) InProgressRunsCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs WHERE status = $1 AND created_at < $2 ORDER BY created_at
	`, string(models.RunInProgress), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer rows.Close()
	var out []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PairingsWithFailures lists pairings with at least threshold failures since since.
func (s *Postgres) PairingsWithFailures(ctx context.Context, since time.Time, threshold int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pairing_id FROM runs
		WHERE status = $1 AND updated_at >= $2
		GROUP BY pairing_id
		HAVING COUNT(*) >= $3
		ORDER BY pairing_id
	`, string(models.RunFailed), since, threshold)
	if err != nil {
		return nil, fmt.Errorf("query failing pairings: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pairing id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetCredential fetches a credential row with its encrypted payload.
func (s *Postgres) GetCredential(ctx context.Context, id string) (models.Credential, error) {
	var c models.Credential
	var owner pgtype.Text
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, owner_id, source, provider_key, ciphertext, key_version, encrypted_at, status,
		       expires_at, last_used_at, last_refreshed_at, refresh_attempts, created_at, updated_at
		FROM credentials WHERE id = $1
	`, id).Scan(&c.ID, &c.TenantID, &owner, &c.Source, &c.ProviderKey, &c.Payload.Ciphertext, &c.Payload.KeyVersion,
		&c.Payload.EncryptedAt, &status, &c.ExpiresAt, &c.LastUsedAt, &c.LastRefreshedAt, &c.RefreshAttempts,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, syncerr.Newf(syncerr.KindNotFound, "credential %s not found", id)
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	c.OwnerID = textPtr(owner)
	c.Status = models.CredentialStatus(status)
	return c, nil
}

// UpdateCredential writes the mutable credential fields inside a transaction.
func (s *Postgres) UpdateCredential(ctx context.Context, c models.Credential) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE credentials
		SET ciphertext = $2, key_version = $3, encrypted_at = $4, status = $5, expires_at = $6,
		    last_used_at = $7, last_refreshed_at = $8, refresh_attempts = $9, updated_at = NOW()
		WHERE id = $1
	`, c.ID, c.Payload.Ciphertext, c.Payload.KeyVersion, c.Payload.EncryptedAt, string(c.Status), c.ExpiresAt,
		c.LastUsedAt, c.LastRefreshedAt, c.RefreshAttempts)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return syncerr.Newf(syncerr.KindNotFound, "credential %s not found", c.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, e models.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	if e.Detail == nil {
		detail = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO credential_audit_events (id, credential_id, tenant_id, actor_id, action, result, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.CredentialID, e.TenantID, e.ActorID, string(e.Action), string(e.Result), detail, e.CreatedAt)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
