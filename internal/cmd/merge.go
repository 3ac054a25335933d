package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/slotbatch/internal/observability"
	"github.com/3leaps/slotbatch/pkg/orchestrator"
)

var (
	mergeBatch string
	mergeRetry bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge slot result files into the merged file",
	Long: `Merge the per-slot result files of a batch without running anything,
e.g. after an interrupted run. With --retry the retry slot files are merged
into the retry file and overlaid onto the main merged file.`,
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)

	mergeCmd.Flags().StringVarP(&mergeBatch, "batch", "b", "", "Batch manifest (YAML or JSON)")
	mergeCmd.Flags().BoolVar(&mergeRetry, "retry", false, "Merge the retry slot files")
	_ = mergeCmd.MarkFlagRequired("batch")
}

func runMerge(cmd *cobra.Command, _ []string) error {
	m, err := loadBatch(mergeBatch, batchOverrides{})
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := openHistory(ctx, historyConfig(m))
	if err != nil {
		return exitError(exitUnavailable, "Failed to open cost history", err)
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	orch, err := orchestrator.New(orchestrator.Config{Manifest: m, History: db, Logger: observability.CLILogger})
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid batch", err)
	}
	rep, err := orch.Merge(ctx, mergeRetry)
	if err != nil {
		return exitError(exitFileWriteError, "Merge failed", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", rep.Path, rep.Summary)
	if mergeRetry {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "retry=%s replaced=%d\n", rep.RetryPath, rep.Replaced)
	}
	if rep.ReadErrors != nil {
		return exitError(exitFileReadError, "Some slot files could not be read", rep.ReadErrors)
	}
	return nil
}
