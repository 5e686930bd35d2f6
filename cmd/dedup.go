package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/pipeline"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup [stage]",
	Short: "Merge duplicate records in a stage store",
	Long: "Runs the identity pass over a stage store in place (default: discover). " +
		"The store is backed up and rewritten only when duplicates are found.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("dedup"); err != nil {
			return err
		}

		name := model.StageDiscover
		if len(args) == 1 {
			s, err := model.ParseStage(args[0])
			if err != nil {
				return err
			}
			name = s
		}

		env := newEnv()
		st := env.Stores.For(name)
		if !st.Exists() {
			return eris.Errorf("dedup: store %s does not exist", st.Path())
		}

		// The standalone pass over the discover store is the dedup stage itself.
		var mark model.StageName
		if pipeline.StoreOf(name) == model.StageDiscover {
			mark = model.StageDedup
		}

		res, err := pipeline.DedupPass(st, env.Resolver, mark, time.Now())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(dedupCmd)
}
