package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/pipeline"
	"github.com/sells-group/prospect-cli/internal/store"
)

var (
	statusJSON bool
	statusRuns int
)

// statusReport is the JSON form of the status command.
type statusReport struct {
	Stages  []pipeline.StageStatus `json:"stages"`
	Runs    []model.Run            `json:"runs,omitempty"`
	Queries int                    `json:"queries_consumed"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-stage progress",
	Long:  "Reads the stage stores and the run ledger and prints progress. Nothing is written.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		stages, err := pipeline.Status(newStores())
		if err != nil {
			return err
		}
		rep := statusReport{Stages: stages}

		// Ledger history is optional; the snapshots are the source of truth.
		if l, err := initLedger(ctx); err != nil {
			zap.L().Warn("status: ledger unavailable", zap.Error(err))
		} else {
			defer l.Close() //nolint:errcheck
			if rep.Runs, err = l.ListRuns(ctx, store.RunFilter{Limit: statusRuns}); err != nil {
				zap.L().Warn("status: list runs failed", zap.Error(err))
			}
			if qs, err := l.ListQueries(ctx); err != nil {
				zap.L().Warn("status: list queries failed", zap.Error(err))
			} else {
				rep.Queries = len(qs)
			}
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		formatStatus(os.Stdout, rep.Stages)
		fmt.Fprintf(os.Stdout, "\nDiscovery queries consumed: %d\n", rep.Queries)
		if len(rep.Runs) > 0 {
			fmt.Fprintln(os.Stdout)
			formatRunsList(os.Stdout, rep.Runs)
		}
		return nil
	},
}

// formatStatus writes the per-stage table to w.
func formatStatus(out io.Writer, stages []pipeline.StageStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tSTORE\tRECORDS\tDONE\tFAILED\tRETRYING\tREJECTED\tUNKNOWN\tPENDING\tUPDATED")
	_, _ = fmt.Fprintln(w, "-----\t-----\t-------\t----\t------\t--------\t--------\t-------\t-------\t-------")

	for _, s := range stages {
		updated := "-"
		if s.UpdatedAt != nil {
			updated = s.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		storeName := string(s.Store)
		if !s.Exists {
			storeName += " (missing)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			s.Stage, storeName, s.Records, s.Done, s.Failed, s.Retrying, s.Rejected, s.Unknown, s.Pending, updated)
	}
	_ = w.Flush()
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON instead of a table")
	statusCmd.Flags().IntVar(&statusRuns, "runs", 5, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}
