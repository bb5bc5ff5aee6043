// Package store persists pairings, runs, credentials and audit events.
package store

import (
	"context"
	"time"

	"docsync/internal/models"
	"docsync/internal/syncerr"
)

// ErrRunNotLive is returned by progress writes against a run that already left in_progress.
var ErrRunNotLive = syncerr.New(syncerr.KindRunNotLive, "run is no longer in progress")

// PairingStore reads pairing configuration and updates the fields the scheduler and engine own.
type PairingStore interface {
	GetPairing(ctx context.Context, id string) (models.Pairing, error)
	// DuePairings returns active pairings outside the repeated-error state whose refresh
	// frequency has elapsed since their last successful run.
	DuePairings(ctx context.Context, now time.Time) ([]models.Pairing, error)
	// PrunablePairings returns active pairings whose prune frequency has elapsed.
	PrunablePairings(ctx context.Context, now time.Time) ([]models.Pairing, error)
	// MarkPairingSuccess adds docs to the total, stamps the success time and clears the error flag.
	MarkPairingSuccess(ctx context.Context, id string, docs int64, at time.Time) error
	SetRepeatedErrorState(ctx context.Context, id string, inError bool) error
	MarkPruned(ctx context.Context, id string, at time.Time) error
	GetDestination(ctx context.Context, id string) (models.Destination, error)
}

// CreateRunParams collects inputs required to insert a run.
type CreateRunParams struct {
	PairingID     string
	TaskID        string
	FromBeginning bool
	Status        models.RunStatus
	At            time.Time
}

// RunStore persists run lifecycle and progress.
type RunStore interface {
	CreateRun(ctx context.Context, p CreateRunParams) (models.Run, error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	// InProgressRun returns the live run of a pairing, or nil.
	InProgressRun(ctx context.Context, pairingID string) (*models.Run, error)
	RecordProgress(ctx context.Context, id string, p models.RunProgress) error
	// Heartbeat increments the heartbeat counter and returns its new value.
	Heartbeat(ctx context.Context, id string, at time.Time) (int64, error)
	SaveCheckpoint(ctx context.Context, id string, checkpoint string) error
	CancellationRequested(ctx context.Context, id string) (bool, error)
	RequestCancellation(ctx context.Context, id string) error
	// FinishRun moves a non-terminal run to a terminal status. It reports false when the
	// run was already terminal or the heartbeat guard did not match.
	FinishRun(ctx context.Context, id string, f models.RunFinish) (bool, error)
	// ResumableCheckpoint returns the checkpoint of the newest failed or canceled run
	// created after the pairing's last success, or nil.
	ResumableCheckpoint(ctx context.Context, pairingID string, since *time.Time) (*string, error)
	// InProgressRunsCreatedBefore lists live runs older than cutoff.
	InProgressRunsCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Run, error)
	// PairingsWithFailures lists pairings that have at least threshold failed runs since since.
	PairingsWithFailures(ctx context.Context, since time.Time, threshold int) ([]string, error)
}

// CredentialStore loads and saves encrypted credential rows.
type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (models.Credential, error)
	// UpdateCredential writes every mutable credential field in one transaction.
	UpdateCredential(ctx context.Context, c models.Credential) error
}

// AuditStore appends credential audit events.
type AuditStore interface {
	AppendAudit(ctx context.Context, e models.AuditEvent) error
}

// Store is everything the services need from persistence.
type Store interface {
	PairingStore
	RunStore
	CredentialStore
	AuditStore
	Close()
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
