package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/rxclaims/internal/claimfeed"
	"github.com/sells-group/rxclaims/internal/model"
	"github.com/sells-group/rxclaims/internal/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay <claims.csv>",
	Short: "Replay a recorded claim file at its original pace",
	Long: `Streams claims from a CSV claim file and adjudicates them at their
recorded arrival times, scaled by --speed, through a bounded worker pool.
Interrupting the replay stops dispatch, drains in-flight claims and prints
a partial summary.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyReplayFlags(cmd)

		env, err := initEngine(ctx, "replay")
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := replay.NewScheduler(env.Pipeline, replay.Config{
			Speed:            cfg.Replay.Speed,
			Workers:          cfg.Replay.Workers,
			MaxTPS:           cfg.Replay.MaxTPS,
			ProgressInterval: time.Duration(cfg.Replay.ProgressIntervalSecs) * time.Second,
		})
		if err != nil {
			return err
		}

		opts := claimfeed.Options{}
		opts.SkipInvalid, _ = cmd.Flags().GetBool("skip-invalid")
		if delim, _ := cmd.Flags().GetString("delimiter"); delim != "" {
			opts.Delimiter = []rune(delim)[0]
		}

		claims, feedErrs := claimfeed.StreamFile(ctx, args[0], opts)
		summary, err := sched.Run(ctx, claims)
		if err != nil {
			return eris.Wrap(err, "replay")
		}
		if ferr := <-feedErrs; ferr != nil && !summary.Stopped {
			return eris.Wrap(ferr, "replay: read claims")
		}

		zap.L().Info("replay complete",
			zap.Int64("processed", summary.Processed),
			zap.Bool("stopped", summary.Stopped),
			zap.Duration("wall_time", summary.WallTime),
		)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		formatSummary(cmd.OutOrStdout(), summary)
		return nil
	},
}

func init() {
	f := replayCmd.Flags()
	f.Float64("speed", 0, "replay speed multiplier (default from config)")
	f.Int("workers", 0, "concurrent adjudications (default from config)")
	f.Float64("max-tps", 0, "dispatch rate cap in claims/sec, 0 for none")
	f.Int("progress-interval", 0, "seconds between progress logs (default from config)")
	f.String("delimiter", "", "field delimiter (default ',')")
	f.Bool("skip-invalid", false, "skip rows that fail to decode")
	f.Bool("json", false, "print the summary as JSON")
	rootCmd.AddCommand(replayCmd)
}

// applyReplayFlags overrides replay config with explicitly set flags.
func applyReplayFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("speed") {
		cfg.Replay.Speed, _ = f.GetFloat64("speed")
	}
	if f.Changed("workers") {
		cfg.Replay.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("max-tps") {
		cfg.Replay.MaxTPS, _ = f.GetFloat64("max-tps")
	}
	if f.Changed("progress-interval") {
		cfg.Replay.ProgressIntervalSecs, _ = f.GetInt("progress-interval")
	}
}

// formatSummary writes a human-readable replay summary to out.
func formatSummary(out io.Writer, s *replay.Summary) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if s.Stopped {
		_, _ = p.Fprintln(w, "Replay interrupted; partial results:")
	}
	_, _ = p.Fprintf(w, "Dispatched:\t%d\n", s.Dispatched)
	_, _ = p.Fprintf(w, "Processed:\t%d\n", s.Processed)
	for _, status := range []model.ClaimStatus{
		model.ClaimStatusApproved,
		model.ClaimStatusPartial,
		model.ClaimStatusDenied,
		model.ClaimStatusError,
	} {
		_, _ = p.Fprintf(w, "  %s:\t%d\n", status, s.Count(status))
	}
	_, _ = p.Fprintf(w, "Persist failures:\t%d\n", s.PersistFailures)
	_, _ = p.Fprintf(w, "Duplicates skipped:\t%d\n", s.SkippedDuplicates)
	_, _ = p.Fprintf(w, "Out of order:\t%d\n", s.OutOfOrder)
	_, _ = p.Fprintf(w, "Wall time:\t%s\n", s.WallTime.Round(time.Millisecond))
	_, _ = p.Fprintf(w, "Simulated span:\t%s\n", s.SimulatedSpan.Round(time.Millisecond))
	_, _ = p.Fprintf(w, "Effective speed:\t%.2fx\n", s.EffectiveSpeed)
	_, _ = p.Fprintf(w, "Throughput:\t%.1f claims/sec\n", s.Throughput)
	_, _ = p.Fprintf(w, "Mean latency:\t%s\n", s.MeanLatency)
	_ = w.Flush()
}
