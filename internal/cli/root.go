// Package cli implements syncctl, the operator command line.
package cli

import (
	"context"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"docsync/internal/bootstrap"
	"docsync/internal/cipher"
	"docsync/internal/config"
	"docsync/internal/credentials"
	"docsync/internal/queue"
	"docsync/internal/store"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Backends opens the services a command needs. Each opener returns a release func.
type Backends struct {
	Store  func(ctx context.Context) (store.Store, func(), error)
	Queue  func(ctx context.Context) (*queue.RedisQueue, func(), error)
	Cipher func(ctx context.Context) (*cipher.Cipher, error)
	Broker func(ctx context.Context) (*credentials.Broker, func(), error)
}

// RootOptions holds global flags and backends for all commands.
type RootOptions struct {
	Format   string
	backends Backends
}

// NewRootCommand creates syncctl wired to the configured backends.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(configuredBackends())
}

// NewRootCommandWith creates syncctl over explicit backends.
func NewRootCommandWith(b Backends) *cobra.Command {
	opts := &RootOptions{backends: b}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate document sync pairings, runs and keys",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newGenKeyCommand(opts))
	cmd.AddCommand(newEncryptCommand(opts))
	cmd.AddCommand(newRevealCommand(opts))
	cmd.AddCommand(newTriggerCommand(opts))
	cmd.AddCommand(newCancelRunCommand(opts))
	cmd.AddCommand(newClearErrorCommand(opts))
	cmd.AddCommand(newGetRunCommand(opts))
	cmd.AddCommand(newDLQCommand(opts))
	return cmd
}

func configuredBackends() Backends {
	load := func() (config.Config, error) { return config.Load() }
	return Backends{
		Store: func(ctx context.Context) (store.Store, func(), error) {
			cfg, err := load()
			if err != nil {
				return nil, nil, err
			}
			logger, err := bootstrap.Logger(cfg)
			if err != nil {
				return nil, nil, err
			}
			st, err := bootstrap.Store(ctx, cfg, logger)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		Queue: func(ctx context.Context) (*queue.RedisQueue, func(), error) {
			cfg, err := load()
			if err != nil {
				return nil, nil, err
			}
			client, err := bootstrap.Redis(ctx, cfg)
			if err != nil {
				return nil, nil, err
			}
			return bootstrap.Queue(cfg, client), func() { _ = client.Close() }, nil
		},
		Cipher: func(ctx context.Context) (*cipher.Cipher, error) {
			cfg, err := load()
			if err != nil {
				return nil, err
			}
			logger, err := bootstrap.Logger(cfg)
			if err != nil {
				return nil, err
			}
			return bootstrap.Cipher(ctx, cfg, logger)
		},
		Broker: func(ctx context.Context) (*credentials.Broker, func(), error) {
			cfg, err := load()
			if err != nil {
				return nil, nil, err
			}
			logger, err := bootstrap.Logger(cfg)
			if err != nil {
				return nil, nil, err
			}
			st, err := bootstrap.Store(ctx, cfg, logger)
			if err != nil {
				return nil, nil, err
			}
			c, err := bootstrap.Cipher(ctx, cfg, logger)
			if err != nil {
				st.Close()
				return nil, nil, err
			}
			client, err := bootstrap.Redis(ctx, cfg)
			if err != nil {
				st.Close()
				return nil, nil, err
			}
			release := func() {
				_ = client.Close()
				st.Close()
			}
			return bootstrap.Broker(cfg, st, c, client, logger), release, nil
		},
	}
}

// emit writes v as JSON, or text via the fallback, depending on --format.
func (o *RootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
