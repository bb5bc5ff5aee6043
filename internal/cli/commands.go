package cli

import (
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"docsync/internal/cipher"
	"docsync/internal/credentials"
	"docsync/internal/models"
	"docsync/internal/queue"
	"docsync/internal/syncerr"
)

func newGenKeyCommand(opts *RootOptions) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Generate a cipher key entry for CIPHER_KEYS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if version <= 0 {
				return fmt.Errorf("--version must be positive")
			}
			key, err := cipher.GenerateKey()
			if err != nil {
				return err
			}
			entry := fmt.Sprintf("%d:%s", version, cipher.EncodeKey(key))
			return opts.emit(cmd.OutOrStdout(), map[string]any{"version": version, "entry": entry}, func(w io.Writer) {
				fmt.Fprintln(w, entry)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "key version")
	return cmd
}

func newEncryptCommand(opts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a JSON credential payload with the current key",
		Long: `Reads a JSON object from --file (or stdin) and prints the encrypted payload
to store on a credential row.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" {
				f, err := os.Open(file) //nolint:gosec // operator-supplied path
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var payload map[string]any
			if err := json.NewDecoder(in).Decode(&payload); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
			c, err := opts.backends.Cipher(cmd.Context())
			if err != nil {
				return err
			}
			enc, err := c.Encrypt(payload)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), enc, func(w io.Writer) {
				out, _ := json.Marshal(enc)
				fmt.Fprintln(w, string(out))
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "payload file (default stdin)")
	return cmd
}

func newRevealCommand(opts *RootOptions) *cobra.Command {
	var tenant, actor string
	cmd := &cobra.Command{
		Use:   "reveal <credential-id>",
		Short: "Print a decrypted credential payload (audited)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" || actor == "" {
				return fmt.Errorf("--tenant and --actor are required")
			}
			broker, release, err := opts.backends.Broker(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			payload, err := broker.Reveal(credentials.WithActor(cmd.Context(), actor), tenant, args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), payload, func(w io.Writer) {
				out, _ := json.Marshal(payload)
				fmt.Fprintln(w, string(out))
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant owning the credential")
	cmd.Flags().StringVar(&actor, "actor", "", "operator identity recorded in the audit log")
	return cmd
}

func newTriggerCommand(opts *RootOptions) *cobra.Command {
	var fromBeginning bool
	cmd := &cobra.Command{
		Use:   "trigger <pairing-id>",
		Short: "Queue a manual run of a pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, release, err := opts.backends.Store(ctx)
			if err != nil {
				return err
			}
			defer release()
			p, err := st.GetPairing(ctx, args[0])
			if err != nil {
				return err
			}
			if p.Status != models.PairingActive {
				return syncerr.Newf(syncerr.KindConfig, "pairing %s is %s", p.ID, p.Status)
			}

			q, releaseQ, err := opts.backends.Queue(ctx)
			if err != nil {
				return err
			}
			defer releaseQ()
			taskID, enqueued, err := q.EnqueueRun(ctx, models.RunTask{
				PairingID:     p.ID,
				TenantID:      p.TenantID,
				FromBeginning: fromBeginning,
			}, queue.PriorityManual)
			if err != nil {
				return err
			}
			res := map[string]any{"pairing_id": p.ID, "task_id": taskID, "enqueued": enqueued}
			return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				if enqueued {
					fmt.Fprintf(w, "queued task %s for pairing %s\n", taskID, p.ID)
					return
				}
				fmt.Fprintf(w, "pairing %s already has pending task %s\n", p.ID, taskID)
			})
		},
	}
	cmd.Flags().BoolVar(&fromBeginning, "from-beginning", false, "ignore the last success and any checkpoint")
	return cmd
}

func newCancelRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-run <run-id>",
		Short: "Request cancellation of a live run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, release, err := opts.backends.Store(ctx)
			if err != nil {
				return err
			}
			defer release()
			run, err := st.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run.Status.IsTerminal() {
				return fmt.Errorf("run %s already %s", run.ID, run.Status)
			}
			if err := st.RequestCancellation(ctx, run.ID); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"run_id": run.ID, "cancellation_requested": true}, func(w io.Writer) {
				fmt.Fprintf(w, "cancellation requested for run %s\n", run.ID)
			})
		},
	}
}

func newClearErrorCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-error <pairing-id>",
		Short: "Return a pairing from the repeated-error state to the schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, release, err := opts.backends.Store(ctx)
			if err != nil {
				return err
			}
			defer release()
			if err := st.SetRepeatedErrorState(ctx, args[0], false); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"pairing_id": args[0], "in_repeated_error_state": false}, func(w io.Writer) {
				fmt.Fprintf(w, "cleared error state of pairing %s\n", args[0])
			})
		},
	}
}

func newGetRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get-run <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, release, err := opts.backends.Store(ctx)
			if err != nil {
				return err
			}
			defer release()
			run, err := st.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), run, func(w io.Writer) {
				fmt.Fprintf(w, "run %s  pairing %s  status %s\n", run.ID, run.PairingID, run.Status)
				fmt.Fprintf(w, "batches %d  new %d  total %d  removed %d  heartbeats %d\n",
					run.CompletedBatches, run.NewDocsIndexed, run.TotalDocsIndexed, run.DocsRemoved, run.HeartbeatCounter)
				if run.ErrorMsg != nil {
					fmt.Fprintf(w, "error: %s\n", *run.ErrorMsg)
				}
			})
		},
	}
}

func newDLQCommand(opts *RootOptions) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered run tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q, release, err := opts.backends.Queue(ctx)
			if err != nil {
				return err
			}
			defer release()
			items, err := q.DLQPeek(ctx, limit)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), items, func(w io.Writer) {
				for _, it := range items {
					fmt.Fprintf(w, "%s  pairing %s  attempts %d  %s  %s\n",
						it.At.Format("2006-01-02T15:04:05Z"), it.Task.PairingID, it.Task.Attempts, it.Task.ID, it.Reason)
				}
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "maximum entries")
	return cmd
}
