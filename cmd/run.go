package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
)

var (
	runFrom  string
	runLimit int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full stage sequence",
	Long: "Runs discover, dedup, gapfill, enrich, extract and final-filter in order. " +
		"Completed work is skipped, so an interrupted run resumes where it stopped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var from model.StageName
		if runFrom != "" {
			s, err := model.ParseStage(runFrom)
			if err != nil {
				return err
			}
			from = s
		}
		if cmd.Flags().Changed("limit") {
			cfg.Runner.Limit = runLimit
		}
		selected, err := model.StagesFrom(from)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, selected)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Orchestrator.Run(ctx, from)
		if rep != nil {
			zap.L().Info("run finished",
				zap.String("run_id", rep.RunID),
				zap.Int("stages", len(rep.Stages)),
			)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(rep)
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runFrom, "from", "", "stage to start from (discover, dedup, gapfill, enrich, extract, final-filter)")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "max records per stage (0 = no limit)")
	rootCmd.AddCommand(runCmd)
}
