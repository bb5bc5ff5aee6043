package credentials

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsync/internal/cipher"
	"docsync/internal/lock"
	"docsync/internal/models"
	"docsync/internal/store"
	"docsync/internal/syncerr"
)

type fixture struct {
	store  *store.Memory
	cipher *cipher.Cipher
	broker *Broker
	now    time.Time
}

func newCipher(t *testing.T, versions int, now time.Time) *cipher.Cipher {
	t.Helper()
	keys := map[int][]byte{}
	for v := 1; v <= versions; v++ {
		keys[v] = bytes.Repeat([]byte{byte(v)}, cipher.KeySize)
	}
	ring, err := cipher.NewKeyring(keys)
	require.NoError(t, err)
	return cipher.New(ring, cipher.WithClock(func() time.Time { return now }))
}

func newFixture(t *testing.T, refresher Refresher) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	c := newCipher(t, 2, now)
	logger := zaptest.NewLogger(t)
	opts := []Option{WithClock(func() time.Time { return now }), WithLockTimeout(0)}
	if refresher != nil {
		opts = append(opts, WithRefresher(refresher))
	}
	b := NewBroker(mem, NewAuditRecorder(mem, time.Second, logger), c,
		lock.NewRedisLocker(client, time.Minute), logger, opts...)
	return &fixture{store: mem, cipher: c, broker: b, now: now}
}

func (f *fixture) putCredential(t *testing.T, c *cipher.Cipher, payload map[string]any, mutate func(*models.Credential)) {
	t.Helper()
	enc, err := c.Encrypt(payload)
	require.NoError(t, err)
	cred := models.Credential{
		ID:       "cred-1",
		TenantID: "tenant-1",
		Source:   "s3",
		Payload:  enc,
		Status:   models.CredentialActive,
	}
	if mutate != nil {
		mutate(&cred)
	}
	f.store.PutCredential(cred)
}

func (f *fixture) get(t *testing.T) (map[string]any, error) {
	t.Helper()
	var payload map[string]any
	err := f.broker.WithExclusiveAccess(context.Background(), "tenant-1", "pairing-1", "cred-1",
		func(ctx context.Context, s *Session) error {
			var err error
			payload, err = s.GetCredentials(ctx)
			return err
		})
	return payload, err
}

func auditActions(events []models.AuditEvent, action models.AuditAction) []models.AuditEvent {
	var out []models.AuditEvent
	for _, e := range events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (r *countingRefresher) Refresh(_ context.Context, _ models.Credential, payload map[string]any) (map[string]any, *time.Time, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, nil, r.err
	}
	next := map[string]any{}
	for k, v := range payload {
		next[k] = v
	}
	next[KeyAccessToken] = "fresh"
	return next, nil, nil
}

func TestGetCredentialsDecryptsAndRecordsUse(t *testing.T) {
	f := newFixture(t, nil)
	f.putCredential(t, f.cipher, map[string]any{"access_key_id": "AKIA"}, nil)

	payload, err := f.get(t)
	require.NoError(t, err)
	assert.Equal(t, "AKIA", payload["access_key_id"])

	cred, err := f.store.GetCredential(context.Background(), "cred-1")
	require.NoError(t, err)
	require.NotNil(t, cred.LastUsedAt)
	assert.Equal(t, f.now, *cred.LastUsedAt)

	reads := auditActions(f.store.AuditEvents(), models.AuditRead)
	require.Len(t, reads, 1)
	assert.Equal(t, models.AuditSuccess, reads[0].Result)
	assert.Equal(t, "tenant-1", reads[0].TenantID)
}

func TestGetCredentialsRotatesOldKeyVersion(t *testing.T) {
	f := newFixture(t, nil)
	old := newCipher(t, 1, f.now)
	f.putCredential(t, old, map[string]any{"token": "x"}, nil)

	payload, err := f.get(t)
	require.NoError(t, err)
	assert.Equal(t, "x", payload["token"])

	cred, err := f.store.GetCredential(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cred.Payload.KeyVersion)

	rotations := auditActions(f.store.AuditEvents(), models.AuditRotate)
	require.Len(t, rotations, 1)
	assert.Equal(t, models.AuditSuccess, rotations[0].Result)
}

func TestGetCredentialsRefreshCapReached(t *testing.T) {
	refresher := &countingRefresher{}
	f := newFixture(t, refresher)
	expired := f.now.Add(-time.Minute)
	f.putCredential(t, f.cipher, map[string]any{KeyRefreshToken: "r1"}, func(c *models.Credential) {
		c.Status = models.CredentialExpired
		c.ExpiresAt = &expired
		c.RefreshAttempts = 3
	})

	_, err := f.get(t)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindRefreshExhausted))
	assert.True(t, syncerr.IsPermanent(err))
	assert.Zero(t, refresher.calls.Load(), "no network refresh once the cap is reached")

	cred, err := f.store.GetCredential(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Equal(t, models.CredentialInvalid, cred.Status)

	refreshes := auditActions(f.store.AuditEvents(), models.AuditRefresh)
	require.Len(t, refreshes, 1)
	assert.Equal(t, models.AuditFailure, refreshes[0].Result)
}

func TestGetCredentialsRefreshFailureIncrementsAttempts(t *testing.T) {
	refresher := &countingRefresher{err: errors.New("provider returned 400")}
	f := newFixture(t, refresher)
	f.putCredential(t, f.cipher, map[string]any{KeyRefreshToken: "r1"}, func(c *models.Credential) {
		c.Status = models.CredentialExpired
		c.RefreshAttempts = 1
	})

	_, err := f.get(t)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindRefreshFailed))
	assert.False(t, syncerr.IsPermanent(err))

	cred, err := f.store.GetCredential(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cred.RefreshAttempts)
	assert.Equal(t, models.CredentialExpired, cred.Status)
}

func TestGetCredentialsRefreshesOverOAuth2(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","token_type":"Bearer","refresh_token":"r2","expires_in":3600}`))
	}))
	defer srv.Close()

	f := newFixture(t, NewOAuth2Refresher(srv.Client()))
	expired := f.now.Add(-time.Hour)
	f.putCredential(t, f.cipher, map[string]any{
		KeyAccessToken:  "old-access",
		KeyRefreshToken: "r1",
		KeyTokenURL:     srv.URL,
		KeyClientID:     "client",
		KeyClientSecret: "secret",
	}, func(c *models.Credential) {
		c.ExpiresAt = &expired
		c.RefreshAttempts = 2
	})

	payload, err := f.get(t)
	require.NoError(t, err)
	assert.Equal(t, "new-access", payload[KeyAccessToken])
	assert.Equal(t, "r2", payload[KeyRefreshToken])
	assert.GreaterOrEqual(t, hits.Load(), int32(1))

	cred, err := f.store.GetCredential(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Equal(t, models.CredentialActive, cred.Status)
	assert.Zero(t, cred.RefreshAttempts)
	require.NotNil(t, cred.LastRefreshedAt)
	require.NotNil(t, cred.ExpiresAt)

	refreshes := auditActions(f.store.AuditEvents(), models.AuditRefresh)
	require.Len(t, refreshes, 1)
	assert.Equal(t, models.AuditSuccess, refreshes[0].Result)
}

func TestGetCredentialsExpiredWithoutRefreshTokenUsesStoredPayload(t *testing.T) {
	refresher := &countingRefresher{}
	f := newFixture(t, refresher)
	f.putCredential(t, f.cipher, map[string]any{"api_key": "k"}, func(c *models.Credential) {
		c.Status = models.CredentialExpired
	})

	payload, err := f.get(t)
	require.NoError(t, err)
	assert.Equal(t, "k", payload["api_key"])
	assert.Zero(t, refresher.calls.Load())
}

func TestGetCredentialsUnusableStatus(t *testing.T) {
	for _, status := range []models.CredentialStatus{models.CredentialInvalid, models.CredentialDisabled} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, nil)
			f.putCredential(t, f.cipher, map[string]any{}, func(c *models.Credential) { c.Status = status })

			_, err := f.get(t)
			require.Error(t, err)
			assert.True(t, syncerr.IsKind(err, syncerr.KindCredentialsUnusable))

			reads := auditActions(f.store.AuditEvents(), models.AuditRead)
			require.Len(t, reads, 1)
			assert.Equal(t, models.AuditFailure, reads[0].Result)
		})
	}
}

func TestGetCredentialsRejectsForeignTenant(t *testing.T) {
	f := newFixture(t, nil)
	f.putCredential(t, f.cipher, map[string]any{}, func(c *models.Credential) { c.TenantID = "tenant-2" })

	_, err := f.get(t)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindConfig))
}

func TestAuditFailureDoesNotFailPrimaryCall(t *testing.T) {
	f := newFixture(t, nil)
	f.putCredential(t, f.cipher, map[string]any{"k": "v"}, nil)
	f.store.AuditErr = errors.New("audit table unavailable")

	payload, err := f.get(t)
	require.NoError(t, err)
	assert.Equal(t, "v", payload["k"])
}

func TestSetCredentials(t *testing.T) {
	f := newFixture(t, nil)
	f.putCredential(t, f.cipher, map[string]any{"k": "old"}, func(c *models.Credential) {
		c.Status = models.CredentialExpired
		c.RefreshAttempts = 2
	})

	err := f.broker.WithExclusiveAccess(context.Background(), "tenant-1", "pairing-1", "cred-1",
		func(ctx context.Context, s *Session) error {
			if err := s.SetCredentials(ctx, map[string]any{"k": "new"}); err != nil {
				return err
			}
			payload, err := s.GetCredentials(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, "new", payload["k"])
			return nil
		})
	require.NoError(t, err)

	cred, err := f.store.GetCredential(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Equal(t, models.CredentialActive, cred.Status)
	assert.Zero(t, cred.RefreshAttempts)

	writes := auditActions(f.store.AuditEvents(), models.AuditWrite)
	require.Len(t, writes, 1)
	assert.Equal(t, models.AuditSuccess, writes[0].Result)
}

func TestSetCredentialsPersistFailureLeavesStoredValue(t *testing.T) {
	f := newFixture(t, nil)
	f.putCredential(t, f.cipher, map[string]any{"k": "old"}, nil)
	f.store.UpdateCredentialErr = errors.New("connection reset")

	err := f.broker.WithExclusiveAccess(context.Background(), "tenant-1", "pairing-1", "cred-1",
		func(ctx context.Context, s *Session) error {
			return s.SetCredentials(ctx, map[string]any{"k": "new"})
		})
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindInfrastructure))

	f.store.UpdateCredentialErr = nil
	payload, err := f.get(t)
	require.NoError(t, err)
	assert.Equal(t, "old", payload["k"])

	writes := auditActions(f.store.AuditEvents(), models.AuditWrite)
	require.Len(t, writes, 1)
	assert.Equal(t, models.AuditFailure, writes[0].Result)
}

func TestWithExclusiveAccessIsExclusivePerPairing(t *testing.T) {
	f := newFixture(t, nil)
	f.putCredential(t, f.cipher, map[string]any{}, nil)
	ctx := context.Background()

	err := f.broker.WithExclusiveAccess(ctx, "tenant-1", "pairing-1", "cred-1", func(ctx context.Context, _ *Session) error {
		inner := f.broker.WithExclusiveAccess(ctx, "tenant-1", "pairing-1", "cred-1", func(context.Context, *Session) error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.True(t, syncerr.IsKind(inner, syncerr.KindLockTimeout))

		other := f.broker.WithExclusiveAccess(ctx, "tenant-1", "pairing-2", "cred-1", func(context.Context, *Session) error {
			return nil
		})
		assert.NoError(t, other)
		return nil
	})
	require.NoError(t, err)

	// Released after fn returned, including on error.
	boom := errors.New("boom")
	err = f.broker.WithExclusiveAccess(ctx, "tenant-1", "pairing-1", "cred-1", func(context.Context, *Session) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, f.broker.WithExclusiveAccess(ctx, "tenant-1", "pairing-1", "cred-1", func(context.Context, *Session) error { return nil }))
}

func TestRevealIsAuditedWithActor(t *testing.T) {
	f := newFixture(t, nil)
	f.putCredential(t, f.cipher, map[string]any{"secret_access_key": "s3cr3t"}, nil)

	ctx := WithActor(context.Background(), "ops@example.com")
	payload, err := f.broker.Reveal(ctx, "tenant-1", "cred-1")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", payload["secret_access_key"])

	_, err = f.broker.Reveal(ctx, "tenant-2", "cred-1")
	require.Error(t, err)

	reveals := auditActions(f.store.AuditEvents(), models.AuditReveal)
	require.Len(t, reveals, 2)
	assert.Equal(t, models.AuditSuccess, reveals[0].Result)
	require.NotNil(t, reveals[0].ActorID)
	assert.Equal(t, "ops@example.com", *reveals[0].ActorID)
	assert.Equal(t, models.AuditFailure, reveals[1].Result)

	cred, err := f.store.GetCredential(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Nil(t, cred.LastUsedAt, "reveal does not count as use")
}
