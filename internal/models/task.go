package models

import "time"

// RunTask is the queue message asking a worker to execute one run of a pairing.
type RunTask struct {
	ID            string    `json:"id"`
	PairingID     string    `json:"pairing_id"`
	TenantID      string    `json:"tenant_id"`
	FromBeginning bool      `json:"from_beginning"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}
