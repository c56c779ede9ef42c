package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/storage"
)

// newPurgeCmd creates the purge command.
func newPurgeCmd() *cobra.Command {
	var (
		statuses  []string
		olderThan time.Duration
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove terminal work orders",
		Long: `Remove completed, failed, or canceled work orders from the store.

Non-terminal orders are never touched. Use --dry-run to preview which
records a purge would remove.

Example:
  agentgate purge --dry-run
  agentgate purge --status failed --older-than 168h
  agentgate purge --status completed --status canceled`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			opts := storage.PurgeOptions{
				OlderThan: olderThan,
				DryRun:    dryRun,
			}
			for _, raw := range statuses {
				st := order.Status(raw)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", raw)
				}
				if !st.IsTerminal() {
					return fmt.Errorf("status %q is not terminal; purge only removes terminal orders", raw)
				}
				opts.Statuses = append(opts.Statuses, st)
			}

			result, err := store.Purge(opts, time.Now())
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}

			out := cmd.OutOrStdout()
			if dryRun {
				if len(result.Candidates) == 0 {
					fmt.Fprintln(out, "Nothing to purge.")
					return nil
				}
				fmt.Fprintf(out, "Would remove %d work order(s):\n", len(result.Candidates))
				for _, id := range result.Candidates {
					fmt.Fprintf(out, "  %s\n", id)
				}
				return nil
			}

			fmt.Fprintf(out, "Removed %d work order(s)\n", result.Removed)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&statuses, "status", nil,
		"terminal status to purge (repeatable; default all terminal)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0,
		"only purge orders that reached their terminal state at least this long ago")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"list candidates without removing anything")

	return cmd
}
