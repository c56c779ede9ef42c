package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/storage"
)

// newOrdersCmd creates the orders command group.
func newOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect persisted work orders",
		Long: `Inspect work orders directly from the data directory.

These commands read the store without going through a running server,
so they work whether or not agentgate serve is up.`,
	}
	cmd.AddCommand(newOrdersListCmd())
	cmd.AddCommand(newOrdersShowCmd())
	return cmd
}

// newOrdersListCmd creates the orders list command.
func newOrdersListCmd() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List work orders",
		Long: `List work orders in the data directory, newest first.

Example:
  agentgate orders list
  agentgate orders list --status running`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			var filter storage.Filter
			if statusFilter != "" {
				st := order.Status(statusFilter)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", statusFilter)
				}
				filter.Statuses = []order.Status{st}
			}

			orders, total, err := store.List(filter)
			if err != nil {
				return fmt.Errorf("list work orders: %w", err)
			}
			if total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No work orders found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRI\tRETRIES\tAGE\tPROMPT")
			for _, wo := range orders {
				fmt.Fprintf(w, "%s\t%s %s\t%d\t%d\t%s\t%s\n",
					wo.ID,
					statusGlyph(wo.Status), wo.Status,
					wo.Priority,
					wo.RetryCount,
					age(wo.CreatedAt),
					truncate(wo.TaskPrompt, 48))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (e.g. pending, running)")

	return cmd
}

// newOrdersShowCmd creates the orders show command.
func newOrdersShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <work-order-id>",
		Short: "Show one work order",
		Long: `Show the full record of one work order.

Example:
  agentgate orders show 4f1c9f2a-...
  agentgate orders show 4f1c9f2a-... --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			wo, err := store.Load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(wo)
			}

			fmt.Fprintf(out, "ID:          %s\n", wo.ID)
			fmt.Fprintf(out, "Status:      %s %s\n", statusGlyph(wo.Status), wo.Status)
			fmt.Fprintf(out, "Agent:       %s\n", wo.AgentType)
			fmt.Fprintf(out, "Priority:    %d\n", wo.Priority)
			fmt.Fprintf(out, "Iterations:  max %d\n", wo.MaxIterations)
			fmt.Fprintf(out, "Wall clock:  %s\n", time.Duration(wo.MaxWallClockSeconds)*time.Second)
			fmt.Fprintf(out, "Source:      %s\n", describeSource(wo.WorkspaceSource))
			fmt.Fprintf(out, "Created:     %s (%s ago)\n", wo.CreatedAt.Format(time.RFC3339), age(wo.CreatedAt))
			fmt.Fprintf(out, "Activity:    %s\n", wo.LastActivityAt.Format(time.RFC3339))
			if wo.ParentID != "" {
				fmt.Fprintf(out, "Parent:      %s (depth %d)\n", wo.ParentID, wo.Depth)
			}
			if wo.RetryCount > 0 {
				fmt.Fprintf(out, "Retries:     %d\n", wo.RetryCount)
			}
			if wo.RunID != "" {
				fmt.Fprintf(out, "Run:         %s\n", wo.RunID)
			}
			if wo.CompletedAt != nil {
				fmt.Fprintf(out, "Completed:   %s\n", wo.CompletedAt.Format(time.RFC3339))
			}
			if wo.Error != nil {
				fmt.Fprintf(out, "Error:       [%s] %s\n", wo.Error.Code, wo.Error.Message)
			}
			fmt.Fprintf(out, "Prompt:      %s\n", wo.TaskPrompt)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON record")

	return cmd
}

// openStore opens the work-order store at the configured data dir.
func openStore() (*storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("data directory %s not found (is --data-dir right?)", cfg.DataDir)
	}
	return storage.NewStore(cfg.DataDir)
}

func statusGlyph(status order.Status) string {
	switch status {
	case order.StatusPending:
		return "○"
	case order.StatusPreparing:
		return "◔"
	case order.StatusRunning:
		return "◐"
	case order.StatusWaitingRetry:
		return "↻"
	case order.StatusCompleted:
		return "●"
	case order.StatusFailed:
		return "✗"
	case order.StatusCanceled:
		return "⊘"
	default:
		return "?"
	}
}

func describeSource(src order.WorkspaceSource) string {
	switch src.Type {
	case order.SourceLocal:
		return "local " + src.Path
	case order.SourceGitHub:
		ref := src.Ref
		if ref == "" {
			ref = "default branch"
		}
		return fmt.Sprintf("github %s/%s @ %s", src.Owner, src.Repo, ref)
	case order.SourceGitHubNew:
		if src.Template != "" {
			return fmt.Sprintf("new github repo %s/%s from template %s", src.Owner, src.RepoName, src.Template)
		}
		return fmt.Sprintf("new github repo %s/%s", src.Owner, src.RepoName)
	default:
		return string(src.Type)
	}
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
