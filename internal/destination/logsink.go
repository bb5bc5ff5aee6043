package destination

import (
	"context"

	"go.uber.org/zap"

	"docsync/internal/connector"
)

// Log writes document ids to the structured log. Used for dry runs.
type Log struct {
	logger *zap.Logger
}

// NewLog builds a Log destination.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.With(zap.String("component", "log_destination"))}
}

// LogFactory returns a Factory that always yields a Log destination.
func LogFactory(logger *zap.Logger) Factory {
	return func(context.Context, map[string]any) (Destination, error) {
		return NewLog(logger), nil
	}
}

func (l *Log) Send(_ context.Context, doc connector.Document) error {
	l.logger.Info("document", zap.String("document_id", doc.ID), zap.Bool("deleted", doc.Deleted))
	return nil
}

func (l *Log) SendBatch(_ context.Context, docs []connector.Document) error {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	l.logger.Info("document batch", zap.Int("documents", len(docs)), zap.Strings("document_ids", ids))
	return nil
}

func (l *Log) HealthCheck(context.Context) error { return nil }
