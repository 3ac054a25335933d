package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3leaps/slotbatch/pkg/resultstore"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect merged result files",
}

var resultsSummaryCmd = &cobra.Command{
	Use:   "summary <merged.json>",
	Short: "Count completed, timed-out and failed jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runResultsSummary,
}

var resultsTimeoutsCmd = &cobra.Command{
	Use:   "timeouts <merged.json>",
	Short: "List timed-out job ids, one per line",
	Long: `List the ids a retry pass would re-run: jobs flagged as timed out and,
with --threshold, jobs whose execution time exceeded it.`,
	Args: cobra.ExactArgs(1),
	RunE: runResultsTimeouts,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsSummaryCmd)
	resultsCmd.AddCommand(resultsTimeoutsCmd)

	resultsSummaryCmd.Flags().Bool("json", false, "Output as JSON")
	resultsTimeoutsCmd.Flags().Duration("threshold", 0, "Also list jobs that ran longer than this")
}

func loadResults(path string) (resultstore.Results, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, exitError(exitFileNotFound, "Results file not found", err)
	}
	results, err := resultstore.Load(path)
	if err != nil {
		return nil, exitError(exitFileReadError, "Failed to read results", err)
	}
	return results, nil
}

func runResultsSummary(cmd *cobra.Command, args []string) error {
	results, err := loadResults(args[0])
	if err != nil {
		return err
	}
	s := resultstore.Summarize(results)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]int{
			"total":       s.Total,
			"completed":   s.Completed,
			"timed_out":   s.TimedOut,
			"failed":      s.Failed,
			"incomplete":  s.Incomplete,
			"interrupted": s.Interrupted,
		})
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), s.String())
	return nil
}

func runResultsTimeouts(cmd *cobra.Command, args []string) error {
	results, err := loadResults(args[0])
	if err != nil {
		return err
	}
	threshold, _ := cmd.Flags().GetDuration("threshold")
	for _, id := range resultstore.TimedOut(results, threshold.Seconds()) {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}
