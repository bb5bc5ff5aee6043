// Package connector defines the pull contract the execution engine drives and
// the registration table connectors are built from.
package connector

import (
	"context"
	"time"
)

// Document is one opaque item pulled from a source.
type Document struct {
	ID      string         `json:"id"`
	Content map[string]any `json:"content,omitempty"`
	// Deleted marks a document removed at the source since the previous run.
	Deleted bool `json:"deleted,omitempty"`
}

// Failure describes an item the connector could not turn into a Document.
type Failure struct {
	DocumentID string `json:"document_id,omitempty"`
	Reason     string `json:"reason"`
}

// Batch is one unit of work produced by a connector.
type Batch struct {
	Documents []Document
	Failures  []Failure
	// Checkpoint resumes the source right after this batch. Empty when the connector is not resumable.
	Checkpoint string
}

// Window bounds a run by source modification time. A nil Start means from the beginning.
type Window struct {
	Start *time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.Start != nil && t.Before(*w.Start) {
		return false
	}
	return !t.After(w.End)
}

// BatchIterator is a lazy, finite sequence of batches. Next returns io.EOF once the source is exhausted.
type BatchIterator interface {
	Next(ctx context.Context) (Batch, error)
	Close() error
}

// Connector pulls documents from one configured source.
type Connector interface {
	// LoadCredentials hands the decrypted credential payload to the connector.
	LoadCredentials(ctx context.Context, payload map[string]any) error
	// Run starts a pull over window. A non-nil checkpoint resumes after a previously returned Batch.Checkpoint.
	Run(ctx context.Context, window Window, checkpoint *string) (BatchIterator, error)
}
