package models

import "time"

// PairingStatus enumerates pairing lifecycle states.
type PairingStatus string

const (
	PairingActive   PairingStatus = "active"
	PairingPaused   PairingStatus = "paused"
	PairingDeleting PairingStatus = "deleting"
)

// Pairing binds one source configuration to one credential and optionally one destination.
type Pairing struct {
	ID                      string         `json:"id"`
	TenantID                string         `json:"tenant_id"`
	SourceConfigID          string         `json:"source_config_id"`
	Source                  string         `json:"source"`
	SourceConfig            map[string]any `json:"source_config"`
	CredentialID            string         `json:"credential_id"`
	DestinationID           *string        `json:"destination_id,omitempty"`
	Status                  PairingStatus  `json:"status"`
	RefreshFreqSeconds      *int64         `json:"refresh_freq,omitempty"`
	PruneFreqSeconds        *int64         `json:"prune_freq,omitempty"`
	LastSuccessfulIndexTime *time.Time     `json:"last_successful_index_time,omitempty"`
	LastPruned              *time.Time     `json:"last_pruned,omitempty"`
	InRepeatedErrorState    bool           `json:"in_repeated_error_state"`
	TotalDocsIndexed        int64          `json:"total_docs_indexed"`
	CreatedAt               time.Time      `json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
}

// RefreshFreq returns the configured refresh frequency, or zero if the pairing is never auto-scheduled.
func (p Pairing) RefreshFreq() time.Duration {
	if p.RefreshFreqSeconds == nil {
		return 0
	}
	return time.Duration(*p.RefreshFreqSeconds) * time.Second
}

// IsDue reports whether the pairing should get a new run at now.
func (p Pairing) IsDue(now time.Time) bool {
	if p.Status != PairingActive || p.InRepeatedErrorState || p.RefreshFreqSeconds == nil {
		return false
	}
	if p.LastSuccessfulIndexTime == nil {
		return true
	}
	return !now.Before(p.LastSuccessfulIndexTime.Add(p.RefreshFreq()))
}

// IsPruneDue reports whether the prune cadence has elapsed.
func (p Pairing) IsPruneDue(now time.Time) bool {
	if p.Status != PairingActive || p.PruneFreqSeconds == nil {
		return false
	}
	if p.LastPruned == nil {
		return true
	}
	return !now.Before(p.LastPruned.Add(time.Duration(*p.PruneFreqSeconds) * time.Second))
}

// Destination is a tenant-scoped destination configuration.
type Destination struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config"`
}
