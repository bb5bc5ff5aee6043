package destination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docsync/internal/connector"
	"docsync/internal/models"
	"docsync/internal/retry"
	"docsync/internal/syncerr"
	"docsync/internal/telemetry"
)

const (
	DefaultChunkSize   = 500
	DefaultMaxAttempts = 5
	DefaultBackoffBase = time.Second
)

// GatewayConfig tunes chunking and per-chunk retry.
type GatewayConfig struct {
	ChunkSize   int
	MaxAttempts int
	BackoffBase time.Duration
	// Sleep overrides the wait between attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway opens destinations and delivers documents with bounded per-chunk retry.
type Gateway struct {
	registry  *Registry
	chunkSize int
	policy    retry.Policy
	logger    *zap.Logger
}

// NewGateway builds a gateway over registry.
func NewGateway(registry *Registry, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry:  registry,
		chunkSize: cfg.ChunkSize,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Base:        cfg.BackoffBase,
			Factor:      2,
			Jitter:      true,
			Sleep:       cfg.Sleep,
		},
		logger: logger.With(zap.String("component", "destination_gateway")),
	}
}

// Open builds the adapter for d.
func (g *Gateway) Open(ctx context.Context, d models.Destination) (Destination, error) {
	return g.registry.Create(ctx, d.Type, d.Config)
}

// Deliver forwards docs, using the bulk entry point when more than one document is present.
func (g *Gateway) Deliver(ctx context.Context, name string, dest Destination, docs []connector.Document) error {
	switch len(docs) {
	case 0:
		return nil
	case 1:
		return g.Send(ctx, name, dest, docs[0])
	default:
		return g.SendBatch(ctx, name, dest, docs, g.chunkSize)
	}
}

// Send delivers one document with retry.
func (g *Gateway) Send(ctx context.Context, name string, dest Destination, doc connector.Document) error {
	err := g.policy.Do(ctx, func(ctx context.Context) error {
		return dest.Send(ctx, doc)
	}, retryable, g.onRetry(name, 1))
	if err != nil {
		return syncerr.Wrap(err, syncerr.KindDestination, fmt.Sprintf("send document %s to %s", doc.ID, name))
	}
	return nil
}

// SendBatch splits docs into chunks of chunkSize and retries each chunk independently.
// Destinations without a bulk entry point receive the chunk one document at a time.
func (g *Gateway) SendBatch(ctx context.Context, name string, dest Destination, docs []connector.Document, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = g.chunkSize
	}
	bulk, isBulk := dest.(BatchSender)
	for start := 0; start < len(docs); start += chunkSize {
		end := min(start+chunkSize, len(docs))
		chunk := docs[start:end]
		err := g.policy.Do(ctx, func(ctx context.Context) error {
			if isBulk {
				return bulk.SendBatch(ctx, chunk)
			}
			for _, doc := range chunk {
				if err := dest.Send(ctx, doc); err != nil {
					return err
				}
			}
			return nil
		}, retryable, g.onRetry(name, len(chunk)))
		if err != nil {
			return syncerr.Wrap(err, syncerr.KindDestination,
				fmt.Sprintf("send chunk [%d:%d] of %d documents to %s", start, end, len(docs), name))
		}
	}
	return nil
}

// HealthCheck opens d and probes it.
func (g *Gateway) HealthCheck(ctx context.Context, d models.Destination) (bool, error) {
	dest, err := g.Open(ctx, d)
	if err != nil {
		return false, err
	}
	defer Close(dest)
	if err := dest.HealthCheck(ctx); err != nil {
		g.logger.Warn("destination health check failed", zap.String("destination_id", d.ID), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (g *Gateway) onRetry(name string, size int) func(int, error) {
	return func(attempt int, err error) {
		telemetry.DestinationChunkRetries.WithLabelValues(name).Inc()
		g.logger.Warn("destination send failed, retrying",
			zap.String("destination", name),
			zap.Int("documents", size),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !syncerr.IsKind(err, syncerr.KindConfig)
}
