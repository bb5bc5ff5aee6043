// Package credentials brokers decrypted secret material to the execution engine
// under the pairing lock, refreshing, rotating and auditing it on the way.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"docsync/internal/cipher"
	"docsync/internal/lock"
	"docsync/internal/models"
	"docsync/internal/store"
	"docsync/internal/syncerr"
	"docsync/internal/telemetry"
)

// Broker is the single entry point for credential access during a run.
type Broker struct {
	creds       store.CredentialStore
	cipher      *cipher.Cipher
	locker      lock.Locker
	refresher   Refresher
	audit       *AuditRecorder
	lockTimeout time.Duration
	lockLease   time.Duration
	keepAlive   time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// Option customizes a Broker.
type Option func(*Broker)

// WithLockTimeout bounds how long WithExclusiveAccess waits for the pairing lock.
func WithLockTimeout(d time.Duration) Option {
	return func(b *Broker) { b.lockTimeout = d }
}

// WithLockLease sets the TTL the pairing lock is extended to while a scope is open.
// Extensions run every lease/3 unless WithKeepAliveInterval overrides it.
func WithLockLease(d time.Duration) Option {
	return func(b *Broker) { b.lockLease = d }
}

// WithKeepAliveInterval sets how often an open scope extends its pairing lock.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(b *Broker) { b.keepAlive = d }
}

// WithRefresher sets the connector-specific renewal capability.
func WithRefresher(r Refresher) Option {
	return func(b *Broker) { b.refresher = r }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker wires a broker.
func NewBroker(creds store.CredentialStore, audit *AuditRecorder, c *cipher.Cipher, locker lock.Locker, logger *zap.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		creds:       creds,
		cipher:      c,
		locker:      locker,
		audit:       audit,
		lockTimeout: lock.DefaultTimeout,
		lockLease:   lock.DefaultLease,
		logger:      logger.With(zap.String("component", "credential_broker")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.keepAlive <= 0 {
		b.keepAlive = b.lockLease / 3
	}
	return b
}

// WithExclusiveAccess holds the tenant:pairing lock while fn runs and releases it on every exit path.
// The lock is extended in the background for as long as fn runs. If an extension finds the lock
// taken over, fn's context is canceled and Session.LockErr reports the loss.
// fn receives a Session bound to credentialID.
func (b *Broker) WithExclusiveAccess(ctx context.Context, tenantID, pairingKey, credentialID string, fn func(ctx context.Context, s *Session) error) error {
	key := lock.PairingKey(tenantID, pairingKey)
	lease, err := b.locker.Acquire(ctx, key, b.lockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := b.locker.Release(releaseCtx, lease); rerr != nil {
			b.logger.Warn("release pairing lock", zap.String("lock", key), zap.Error(rerr))
		}
	}()

	s := &Session{broker: b, lease: lease, tenantID: tenantID, credentialID: credentialID}
	scopeCtx, cancel := context.WithCancelCause(ctx)
	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		b.keepLockAlive(scopeCtx, s, cancel)
	}()
	err = fn(scopeCtx, s)
	cancel(nil)
	<-keepAliveDone
	return err
}

// keepLockAlive extends the scope's lease until ctx ends. Transient Redis errors are retried on
// the next tick; only a lost lock ends the scope.
func (b *Broker) keepLockAlive(ctx context.Context, s *Session, cancel context.CancelCauseFunc) {
	if b.keepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.locker.Extend(ctx, s.lease, b.lockLease)
			switch {
			case err == nil:
			case errors.Is(err, lock.ErrNotHeld):
				lost := syncerr.Wrap(err, syncerr.KindInfrastructure, "pairing lock lost")
				s.setLockErr(lost)
				b.logger.Error("pairing lock lost while running", zap.String("lock", s.lease.Key), zap.Error(err))
				cancel(lost)
				return
			case ctx.Err() != nil:
				return
			default:
				b.logger.Warn("extend pairing lock", zap.String("lock", s.lease.Key), zap.Error(err))
			}
		}
	}
}

// Reveal decrypts a credential for an operator. It takes no lock, never refreshes or
// rotates, and is always audited as a reveal.
func (b *Broker) Reveal(ctx context.Context, tenantID, credentialID string) (payload map[string]any, err error) {
	s := &Session{broker: b, tenantID: tenantID, credentialID: credentialID}
	defer func() {
		s.record(ctx, models.AuditReveal, err, nil)
	}()
	cred, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return b.cipher.Decrypt(cred.Payload)
}

// Session is the scoped view of one credential inside WithExclusiveAccess.
type Session struct {
	broker       *Broker
	lease        lock.Lease
	tenantID     string
	credentialID string
	cached       *models.Credential

	mu      sync.Mutex
	lockErr error
}

// LockErr reports a pairing lock loss observed by the scope's keep-alive, or nil.
func (s *Session) LockErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockErr
}

func (s *Session) setLockErr(err error) {
	s.mu.Lock()
	s.lockErr = err
	s.mu.Unlock()
}

// GetCredentials returns the decrypted payload, refreshing and rotating as needed.
// Every call is audited with its outcome.
func (s *Session) GetCredentials(ctx context.Context) (payload map[string]any, err error) {
	b := s.broker
	detail := map[string]any{}
	defer func() {
		s.record(ctx, models.AuditRead, err, detail)
	}()

	cred, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	switch cred.Status {
	case models.CredentialInvalid, models.CredentialDisabled:
		return nil, syncerr.Newf(syncerr.KindCredentialsUnusable, "credentials %s are %s", cred.ID, cred.Status)
	}

	if s.isExpired(cred) {
		detail["refreshed"] = true
		cred, err = s.refresh(ctx, cred)
		if err != nil {
			return nil, err
		}
	}

	payload, err = b.cipher.Decrypt(cred.Payload)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	updated := cred
	updated.LastUsedAt = &now
	rotated := false
	if b.cipher.NeedsRotation(cred.Payload) {
		enc, encErr := b.cipher.Rotate(cred.Payload)
		if encErr != nil {
			s.record(ctx, models.AuditRotate, encErr, map[string]any{"from_version": cred.Payload.KeyVersion})
			return nil, fmt.Errorf("rotate credentials: %w", encErr)
		}
		updated.Payload = enc
		rotated = true
	}

	if err := b.creds.UpdateCredential(ctx, updated); err != nil {
		if rotated {
			s.record(ctx, models.AuditRotate, err, map[string]any{"from_version": cred.Payload.KeyVersion})
		}
		return nil, syncerr.Wrap(err, syncerr.KindInfrastructure, "persist credential usage")
	}
	if rotated {
		telemetry.CredentialRotations.Inc()
		s.record(ctx, models.AuditRotate, nil, map[string]any{
			"from_version": cred.Payload.KeyVersion,
			"to_version":   updated.Payload.KeyVersion,
		})
		detail["rotated"] = true
	}
	s.cached = &updated
	detail["key_version"] = updated.Payload.KeyVersion
	return payload, nil
}

// SetCredentials encrypts and stores payload, resetting the credential to active.
func (s *Session) SetCredentials(ctx context.Context, payload map[string]any) (err error) {
	b := s.broker
	defer func() {
		s.record(ctx, models.AuditWrite, err, nil)
	}()

	cred, err := s.load(ctx)
	if err != nil {
		return err
	}
	enc, err := b.cipher.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	updated := cred
	updated.Payload = enc
	updated.Status = models.CredentialActive
	updated.RefreshAttempts = 0
	if err := b.creds.UpdateCredential(ctx, updated); err != nil {
		return syncerr.Wrap(err, syncerr.KindInfrastructure, "persist credentials")
	}
	s.cached = &updated
	return nil
}

func (s *Session) load(ctx context.Context) (models.Credential, error) {
	if s.cached != nil {
		return *s.cached, nil
	}
	cred, err := s.broker.creds.GetCredential(ctx, s.credentialID)
	if err != nil {
		return models.Credential{}, err
	}
	if cred.TenantID != s.tenantID {
		return models.Credential{}, syncerr.Newf(syncerr.KindConfig, "credential %s does not belong to tenant %s", cred.ID, s.tenantID)
	}
	s.cached = &cred
	return cred, nil
}

func (s *Session) isExpired(cred models.Credential) bool {
	if cred.Status == models.CredentialExpired {
		return true
	}
	return cred.ExpiresAt != nil && !s.broker.now().Before(*cred.ExpiresAt)
}

// refresh runs the bounded renewal path and persists its outcome.
func (s *Session) refresh(ctx context.Context, cred models.Credential) (models.Credential, error) {
	b := s.broker
	logger := b.logger.With(zap.String("credential_id", cred.ID), zap.Int("refresh_attempts", cred.RefreshAttempts))

	if cred.RefreshAttempts >= models.MaxRefreshAttempts {
		cred.Status = models.CredentialInvalid
		exhausted := syncerr.Newf(syncerr.KindRefreshExhausted,
			"credentials unusable: refresh failed %d times; reconnect the source to continue", cred.RefreshAttempts)
		if err := b.creds.UpdateCredential(ctx, cred); err != nil {
			logger.Error("persist invalid credential status", zap.Error(err))
		} else {
			s.cached = &cred
		}
		s.record(ctx, models.AuditRefresh, exhausted, map[string]any{"status": string(cred.Status)})
		return cred, exhausted
	}

	payload, err := b.cipher.Decrypt(cred.Payload)
	if err != nil {
		return cred, err
	}
	if !HasRefreshToken(payload) || b.refresher == nil {
		logger.Debug("credential expired without a refresh capability")
		return cred, nil
	}

	next, expiry, rerr := b.refresher.Refresh(ctx, cred, payload)
	if rerr != nil {
		telemetry.CredentialRefreshFailures.Inc()
		cred.Status = models.CredentialExpired
		cred.RefreshAttempts++
		if err := b.creds.UpdateCredential(ctx, cred); err != nil {
			logger.Error("persist failed refresh attempt", zap.Error(err))
		} else {
			s.cached = &cred
		}
		failed := syncerr.Wrap(rerr, syncerr.KindRefreshFailed, fmt.Sprintf("refresh attempt %d failed", cred.RefreshAttempts))
		s.record(ctx, models.AuditRefresh, failed, map[string]any{"refresh_attempts": cred.RefreshAttempts})
		return cred, failed
	}

	enc, err := b.cipher.Encrypt(next)
	if err != nil {
		return cred, fmt.Errorf("encrypt refreshed credentials: %w", err)
	}
	now := b.now().UTC()
	cred.Payload = enc
	cred.Status = models.CredentialActive
	cred.RefreshAttempts = 0
	cred.LastRefreshedAt = &now
	cred.ExpiresAt = expiry
	if err := b.creds.UpdateCredential(ctx, cred); err != nil {
		perr := syncerr.Wrap(err, syncerr.KindInfrastructure, "persist refreshed credentials")
		s.record(ctx, models.AuditRefresh, perr, nil)
		return cred, perr
	}
	s.cached = &cred
	s.record(ctx, models.AuditRefresh, nil, nil)
	logger.Info("credential refreshed")
	return cred, nil
}

func (s *Session) record(ctx context.Context, action models.AuditAction, err error, detail map[string]any) {
	result := models.AuditSuccess
	if err != nil {
		result = models.AuditFailure
		if detail == nil {
			detail = map[string]any{}
		}
		detail["error"] = err.Error()
		if kind := syncerr.KindOf(err); kind != "" {
			detail["error_kind"] = string(kind)
		}
	}
	s.broker.audit.Record(ctx, models.AuditEvent{
		CredentialID: s.credentialID,
		TenantID:     s.tenantID,
		Action:       action,
		Result:       result,
		Detail:       detail,
	})
}
