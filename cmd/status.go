package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/rxclaims/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent claim volume, error and denial rates, and DLQ depth",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since / time.Hour)
		if hours < 1 {
			hours = 1
		}

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		formatStatus(cmd.OutOrStdout(), snap)
		return nil
	},
}

func init() {
	statusCmd.Flags().Duration("since", 24*time.Hour, "lookback window (whole hours, e.g. 24h, 168h)")
	statusCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(statusCmd)
}

// formatStatus writes a metrics snapshot as a table.
func formatStatus(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", s.LookbackHours)
	_, _ = fmt.Fprintf(w, "Claims:\t%d\n", s.ClaimsTotal)
	_, _ = fmt.Fprintf(w, "  Approved:\t%d\n", s.ClaimsApproved)
	_, _ = fmt.Fprintf(w, "  Partial:\t%d\n", s.ClaimsPartial)
	_, _ = fmt.Fprintf(w, "  Denied:\t%d\n", s.ClaimsDenied)
	_, _ = fmt.Fprintf(w, "  Error:\t%d\n", s.ClaimsError)
	_, _ = fmt.Fprintf(w, "Error rate:\t%.2f%%\n", s.ErrorRate*100)
	_, _ = fmt.Fprintf(w, "Denial rate:\t%.2f%%\n", s.DenialRate*100)
	_, _ = fmt.Fprintf(w, "DLQ depth:\t%d\n", s.DLQDepth)
	_ = w.Flush()
}
