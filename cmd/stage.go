package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-cli/internal/model"
)

var stageLimit int

var stageCmd = &cobra.Command{
	Use:       "stage <name>",
	Short:     "Run a single stage",
	Long:      "Runs one stage against its predecessor's store. The predecessor must have run first.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: stageNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		name, err := model.ParseStage(args[0])
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("limit") {
			cfg.Runner.Limit = stageLimit
		}

		env, err := initPipeline(ctx, []model.StageName{name})
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.RunStage(ctx, name)
		if res != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
		}
		return err
	},
}

func stageNames() []string {
	stages := model.Stages()
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func init() {
	stageCmd.Flags().IntVar(&stageLimit, "limit", 0, "max records to process (0 = no limit)")
	rootCmd.AddCommand(stageCmd)
}
