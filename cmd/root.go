package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "rxclaims",
	Short: "Pharmacy claim adjudication engine",
	Long:  "Adjudicates pharmacy claims against eligibility, formulary, plan rules and benefit terms, tracks member accumulators and replays recorded claim traffic.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
