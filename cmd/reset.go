package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/pipeline"
)

var (
	resetFailed    bool
	resetThreshold int
)

var resetCmd = &cobra.Command{
	Use:   "reset <stage>",
	Short: "Mark records for reprocessing",
	Long: "Clears the marks of records whose extracted profile is incomplete for the stage " +
		"and every later stage, so the next run processes them again. With --failed only " +
		"the stage's terminal failures are cleared. Every rewritten store is backed up first. " +
		"Resetting discover forgets the consumed discovery queries.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: stageNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("reset"); err != nil {
			return err
		}

		name, err := model.ParseStage(args[0])
		if err != nil {
			return err
		}

		if name == model.StageDiscover {
			l, err := initLedger(ctx)
			if err != nil {
				return err
			}
			defer l.Close() //nolint:errcheck
			n, err := l.ResetQueries(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("discovery queries reset", zap.Int("queries", n))
			fmt.Fprintf(os.Stdout, "%d discovery queries will run again\n", n)
			return nil
		}

		res, err := pipeline.Reset(newStores(), name, pipeline.ResetOptions{
			Failed:    resetFailed,
			Threshold: resetThreshold,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetFailed, "failed", false, "clear terminal failures instead of incomplete records")
	resetCmd.Flags().IntVar(&resetThreshold, "threshold", pipeline.DefaultIncompleteThreshold, "missing key fields that make a record incomplete")
	rootCmd.AddCommand(resetCmd)
}
