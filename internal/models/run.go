package models

import (
	"time"
)

// RunStatus enumerates run lifecycle states persisted in Postgres.
type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunInProgress RunStatus = "in_progress"
	RunSuccess    RunStatus = "success"
	RunFailed     RunStatus = "failed"
	RunCanceled   RunStatus = "canceled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCanceled
}

// CanTransition reports whether moving from s to next respects the monotonic lifecycle.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunNotStarted:
		return next == RunInProgress || next.IsTerminal()
	case RunInProgress:
		return next.IsTerminal()
	default:
		return false
	}
}

// Run is one execution attempt of a pairing.
type Run struct {
	ID                    string     `json:"id"`
	PairingID             string     `json:"pairing_id"`
	TaskID                string     `json:"task_id"`
	Status                RunStatus  `json:"status"`
	FromBeginning         bool       `json:"from_beginning"`
	NewDocsIndexed        int64      `json:"new_docs_indexed"`
	TotalDocsIndexed      int64      `json:"total_docs_indexed"`
	DocsRemoved           int64      `json:"docs_removed"`
	CompletedBatches      int64      `json:"completed_batches"`
	TotalBatches          *int64     `json:"total_batches,omitempty"`
	HeartbeatCounter      int64      `json:"heartbeat_counter"`
	LastHeartbeatTime     *time.Time `json:"last_heartbeat_time,omitempty"`
	LastProgressTime      *time.Time `json:"last_progress_time,omitempty"`
	CheckpointPointer     *string    `json:"checkpoint_pointer,omitempty"`
	CancellationRequested bool       `json:"cancellation_requested"`
	ErrorMsg              *string    `json:"error_msg,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	TimeStarted           *time.Time `json:"time_started,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// RunProgress is the counter snapshot written after every batch.
type RunProgress struct {
	CompletedBatches int64
	NewDocsIndexed   int64
	TotalDocsIndexed int64
	DocsRemoved      int64
	At               time.Time
}

// RunFinish describes a terminal transition.
type RunFinish struct {
	Status   RunStatus
	ErrorMsg string
	At       time.Time
	// ExpectHeartbeat, when set, makes the transition conditional on the run's
	// heartbeat counter still being this value.
	ExpectHeartbeat *int64
}
