// Package bootstrap wires configuration into the shared dependencies of the binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"docsync/internal/awsclient"
	"docsync/internal/cipher"
	"docsync/internal/config"
	"docsync/internal/connector"
	"docsync/internal/connector/s3source"
	"docsync/internal/credentials"
	"docsync/internal/destination"
	"docsync/internal/engine"
	"docsync/internal/lock"
	"docsync/internal/logging"
	"docsync/internal/queue"
	"docsync/internal/store"
	"docsync/internal/telemetry"
)

// SignalContext is canceled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Logger initializes the global logger from cfg.
func Logger(cfg config.Config) (*zap.Logger, error) {
	if err := logging.Init(logging.Config{
		Level:       cfg.LogLevel,
		Encoding:    cfg.LogEncoding,
		Development: cfg.Env == "dev" && cfg.LogEncoding == "console",
	}); err != nil {
		return nil, err
	}
	return logging.Get().With(zap.String("env", cfg.Env)), nil
}

// Redis connects and pings the Redis server.
func Redis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// Store opens the configured store. Postgres stores are migrated before use.
func Store(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; state is lost on exit and not shared between processes")
		return store.NewMemory(), nil
	case "postgres":
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// S3Options maps the S3 settings.
func S3Options(cfg config.Config) awsclient.S3Options {
	return awsclient.S3Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	}
}

// Cipher loads the keyring and builds the credential cipher.
func Cipher(ctx context.Context, cfg config.Config, logger *zap.Logger) (*cipher.Cipher, error) {
	opts := cipher.LoadOptions{
		Production: cfg.IsProduction(),
		KeyList:    cfg.CipherKeys,
		SecretID:   cfg.CipherKeySecretID,
		DevKeyFile: cfg.CipherDevKeyFile,
		Logger:     logger,
	}
	if cfg.CipherKeySecretID != "" {
		awsCfg, err := awsclient.Load(ctx, awsclient.S3Options{Region: cfg.S3Region})
		if err != nil {
			return nil, fmt.Errorf("aws config for cipher keys: %w", err)
		}
		opts.Secrets = secretsmanager.NewFromConfig(awsCfg)
	}
	ring, err := cipher.LoadKeyring(ctx, opts)
	if err != nil {
		return nil, err
	}
	return cipher.New(ring, cipher.WithRotationWindow(cfg.RotationWindow)), nil
}

// Connectors registers the source connectors this build ships with.
func Connectors(cfg config.Config) *connector.Registry {
	r := connector.NewRegistry()
	r.MustRegister(s3source.Name, s3source.Factory(s3source.WithDefaults(S3Options(cfg))))
	return r
}

// Destinations registers the destination types this build ships with.
func Destinations(cfg config.Config, logger *zap.Logger) *destination.Registry {
	r := destination.NewRegistry()
	r.MustRegister("s3", destination.S3Factory(S3Options(cfg)))
	r.MustRegister("kafka", destination.KafkaFactory(cfg.KafkaBrokers))
	r.MustRegister("log", destination.LogFactory(logger))
	return r
}

// Gateway builds the destination gateway.
func Gateway(cfg config.Config, logger *zap.Logger) *destination.Gateway {
	return destination.NewGateway(Destinations(cfg, logger), destination.GatewayConfig{
		ChunkSize:   cfg.DestinationChunkSize,
		MaxAttempts: cfg.DestinationMaxAttempts,
		BackoffBase: cfg.DestinationBackoffBase,
	}, logger)
}

// Broker builds the credential broker over the Redis pairing lock.
func Broker(cfg config.Config, st store.Store, c *cipher.Cipher, client *redis.Client, logger *zap.Logger) *credentials.Broker {
	audit := credentials.NewAuditRecorder(st, 5*time.Second, logger)
	return credentials.NewBroker(st, audit, c, lock.NewRedisLocker(client, cfg.LockLease), logger,
		credentials.WithLockTimeout(cfg.LockTimeout),
		credentials.WithLockLease(cfg.LockLease),
		credentials.WithRefresher(credentials.NewOAuth2Refresher(nil)))
}

// Engine wires the run engine with every dependency it needs.
func Engine(ctx context.Context, cfg config.Config, st store.Store, client *redis.Client, logger *zap.Logger) (*engine.Engine, error) {
	c, err := Cipher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return engine.New(st, Broker(cfg, st, c, client, logger), Connectors(cfg), Gateway(cfg, logger),
		engine.Config{}, logger), nil
}

// Queue builds the run task queue.
func Queue(cfg config.Config, client *redis.Client) *queue.RedisQueue {
	return queue.NewRedisQueue(client, queue.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		PendingTTL:        cfg.PendingTTL,
		DLQName:           cfg.DLQName,
	})
}

// WorkerID prefers WORKER_ID, then the hostname, then the pid.
func WorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// ServeMetrics exposes /metrics on addr until ctx ends.
func ServeMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
}
