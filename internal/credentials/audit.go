package credentials

import (
	"context"
	"time"

	"go.uber.org/zap"

	"docsync/internal/models"
	"docsync/internal/store"
)

const defaultAuditTimeout = 2 * time.Second

type actorKey struct{}

// WithActor tags ctx with the id of the user or service acting on credentials.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) *string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return &v
	}
	return nil
}

// AuditRecorder writes audit events synchronously under a short timeout.
// Failures are logged and never returned.
type AuditRecorder struct {
	sink    store.AuditStore
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewAuditRecorder builds a recorder over sink. A zero timeout uses two seconds.
func NewAuditRecorder(sink store.AuditStore, timeout time.Duration, logger *zap.Logger) *AuditRecorder {
	if timeout <= 0 {
		timeout = defaultAuditTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditRecorder{sink: sink, timeout: timeout, logger: logger, now: time.Now}
}

// Record appends e. It detaches from ctx cancellation so failed primary calls are still audited.
func (r *AuditRecorder) Record(ctx context.Context, e models.AuditEvent) {
	if r == nil || r.sink == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.ActorID == nil {
		e.ActorID = actorFrom(ctx)
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("audit sink panicked", zap.Any("panic", rec), zap.String("credential_id", e.CredentialID))
		}
	}()
	if err := r.sink.AppendAudit(auditCtx, e); err != nil {
		r.logger.Error("audit write failed",
			zap.String("credential_id", e.CredentialID),
			zap.String("action", string(e.Action)),
			zap.String("result", string(e.Result)),
			zap.Error(err))
	}
}
