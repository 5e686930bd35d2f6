package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/pipeline"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "prospect",
	Short: "Staged company discovery and enrichment pipeline",
	Long: "Discovers companies through web search, resolves their websites, scrapes them, " +
		"extracts structured profiles and filters them to a target region. Every stage " +
		"checkpoints to its own store so runs resume where they stopped.",
	SilenceUsage:  true,
	SilenceErrors: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

// formatError renders the error a failed command exits with.
func formatError(err error) string {
	var serr *pipeline.StageError
	if errors.As(err, &serr) {
		return fmt.Sprintf("error: stage %s failed\n  store: %s\n  cause: %v", serr.Stage, serr.Store, serr.Err)
	}
	return "error: " + err.Error()
}
