package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newValidateCmd creates the validate command.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check stored work-order files for corruption",
		Long: `Scan every work-order file in the data directory and report files
that fail to parse or violate the record schema.

Files are never modified; the scan is read-only. The command exits
non-zero when any issue is found so it can gate maintenance scripts.

Example:
  agentgate validate
  agentgate validate --data-dir /var/lib/agentgate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			report, err := store.ValidateStorage()
			if err != nil {
				return fmt.Errorf("scan storage: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scanned %d work-order files: %d valid, %d with issues\n",
				report.Scanned, report.Valid, len(report.Issues))

			if report.OK() {
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tDETAIL")
			for _, issue := range report.Issues {
				fmt.Fprintf(w, "%s\t%s\t%s\n", issue.WorkOrderID, issue.Category, issue.Detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return fmt.Errorf("%d corrupt work-order file(s)", len(report.Issues))
		},
	}
}
