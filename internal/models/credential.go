package models

import "time"

// CredentialStatus enumerates credential health states.
type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialExpired  CredentialStatus = "expired"
	CredentialInvalid  CredentialStatus = "invalid"
	CredentialDisabled CredentialStatus = "disabled"
)

// MaxRefreshAttempts caps automatic refreshes before a credential is forced invalid.
const MaxRefreshAttempts = 3

// EncryptedPayload is the durable form of a credential's secret material.
type EncryptedPayload struct {
	Ciphertext  []byte    `json:"ciphertext"`
	KeyVersion  int       `json:"key_version"`
	EncryptedAt time.Time `json:"encrypted_at"`
}

// Credential is encrypted secret material scoped to tenant, source and provider key.
type Credential struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	OwnerID         *string          `json:"owner_id,omitempty"`
	Source          string           `json:"source"`
	ProviderKey     string           `json:"provider_key"`
	Payload         EncryptedPayload `json:"-"`
	Status          CredentialStatus `json:"status"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	LastUsedAt      *time.Time       `json:"last_used_at,omitempty"`
	LastRefreshedAt *time.Time       `json:"last_refreshed_at,omitempty"`
	RefreshAttempts int              `json:"refresh_attempts"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// AuditAction enumerates audited credential operations.
type AuditAction string

const (
	AuditRead    AuditAction = "read"
	AuditWrite   AuditAction = "write"
	AuditRefresh AuditAction = "refresh"
	AuditRotate  AuditAction = "rotate"
	AuditReveal  AuditAction = "reveal"
)

// AuditResult is the outcome recorded with an audit event.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
)

// AuditEvent is an append-only record of one credential access or mutation.
type AuditEvent struct {
	ID           string         `json:"id"`
	CredentialID string         `json:"credential_id"`
	TenantID     string         `json:"tenant_id"`
	ActorID      *string        `json:"actor_id,omitempty"`
	Action       AuditAction    `json:"action"`
	Result       AuditResult    `json:"result"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
