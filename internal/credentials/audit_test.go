package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"docsync/internal/models"
	"docsync/internal/store"
)

func TestAuditWriteFailureLoggedAtErrorLevel(t *testing.T) {
	mem := store.NewMemory()
	mem.AuditErr = errors.New("audit table unavailable")
	core, logs := observer.New(zapcore.DebugLevel)
	rec := NewAuditRecorder(mem, time.Second, zap.New(core))

	rec.Record(WithActor(context.Background(), "ops@example.com"), models.AuditEvent{
		CredentialID: "cred-1",
		TenantID:     "tenant-1",
		Action:       models.AuditRead,
		Result:       models.AuditSuccess,
	})

	entries := logs.FilterMessage("audit write failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "cred-1", entries[0].ContextMap()["credential_id"])
}
