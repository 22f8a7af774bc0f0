package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and redeliver dead-lettered results",
	Long:  "Results whose write to the store failed after retries are kept in a dead-letter queue. These commands list entries that are due for redelivery and retry them.",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries due for redelivery",
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

		entries, err := st.DequeueDLQ(ctx, dlqFilterFromFlags(cmd))
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		depth, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d entries in queue, %d due\n", depth, len(entries))
		if len(entries) > 0 {
			formatDLQList(cmd.OutOrStdout(), entries)
		}
		return nil
	},
}

// -- dlq retry --

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Redeliver due dead-letter entries to the store",
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

		retry, _ := resilience.FromConfig(cfg.Resilience)
		stats, err := resilience.Redeliver(ctx, st, st, dlqFilterFromFlags(cmd), retry)
		if err != nil {
			return eris.Wrap(err, "dlq retry")
		}

		zap.L().Info("dlq redelivery finished",
			zap.Int("attempted", stats.Attempted),
			zap.Int("delivered", stats.Delivered),
			zap.Int("failed", stats.Failed),
		)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, delivered %d, failed %d\n",
			stats.Attempted, stats.Delivered, stats.Failed)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqRetryCmd} {
		c.Flags().String("error-type", "", "filter by error type (transient, permanent)")
		c.Flags().Int("limit", 100, "max entries to process")
	}
	dlqListCmd.Flags().Bool("json", false, "print as JSON")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}

func dlqFilterFromFlags(cmd *cobra.Command) resilience.DLQFilter {
	errType, _ := cmd.Flags().GetString("error-type")
	limit, _ := cmd.Flags().GetInt("limit")
	return resilience.DLQFilter{ErrorType: errType, Limit: limit}
}

// formatDLQList writes a tabular list of dead-letter entries to out.
func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCLAIM\tSTATUS\tTYPE\tRETRIES\tNEXT RETRY\tERROR")
	for _, e := range entries {
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID,
			e.ClaimNumber,
			e.Result.Status,
			e.ErrorType,
			e.RetryCount, e.MaxRetries,
			e.NextRetryAt.Format(time.RFC3339),
			msg,
		)
	}
	_ = w.Flush()
}
