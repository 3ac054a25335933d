package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/internal/observability"
	"github.com/3leaps/slotbatch/pkg/history"
	"github.com/3leaps/slotbatch/pkg/manifest"
	"github.com/3leaps/slotbatch/pkg/resultstore"
)

var (
	historyPath  string
	historyURL   string
	historyBatch string
	historyRunID string
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage the cost history used for balancing",
	Long: `The cost history stores every job's processing time. Per-group means
drive slot balancing on later runs.

The store is taken from --path/--url, else the batch manifest given with
--batch, else the history section of the config.`,
}

var historyIngestCmd = &cobra.Command{
	Use:   "ingest <merged.json>...",
	Short: "Load merged result files into the history store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHistoryIngest,
}

var historyCostsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Show per-group job counts and mean processing time",
	RunE:  runHistoryCosts,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyIngestCmd)
	historyCmd.AddCommand(historyCostsCmd)

	pf := historyCmd.PersistentFlags()
	pf.StringVar(&historyPath, "path", "", "History database file")
	pf.StringVar(&historyURL, "url", "", "History database URL (libsql://...)")
	pf.StringVarP(&historyBatch, "batch", "b", "", "Take the store from this batch manifest")

	historyIngestCmd.Flags().StringVar(&historyRunID, "run-id", "", "Run id recorded with the rows (default: generated)")
	historyCostsCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
}

func resolveHistoryConfig() (history.Config, error) {
	if historyPath != "" || historyURL != "" {
		hc := historyConfig(nil)
		return history.Config{Path: historyPath, URL: historyURL, AuthToken: hc.AuthToken}, nil
	}
	var m *manifest.Manifest
	if historyBatch != "" {
		var err error
		if m, err = loadBatch(historyBatch, batchOverrides{}); err != nil {
			return history.Config{}, err
		}
	}
	hc := historyConfig(m)
	if !hc.Enabled() {
		return hc, exitError(exitInvalidArgument, "No history store configured", fmt.Errorf("use --path, --url, --batch or history.path in config"))
	}
	return hc, nil
}

func runHistoryIngest(cmd *cobra.Command, args []string) error {
	hc, err := resolveHistoryConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openHistory(ctx, hc)
	if err != nil {
		return exitError(exitUnavailable, "Failed to open cost history", err)
	}
	defer func() { _ = db.Close() }()

	runID := historyRunID
	if runID == "" {
		runID = uuid.New().String()
	}

	var errs error
	total := 0
	for _, path := range args {
		results, err := resultstore.Load(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n, err := history.Ingest(ctx, db, runID, results)
		total += n
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		observability.CLILogger.Info("Ingested results", zap.String("path", path), zap.Int("rows", n))
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s rows=%d\n", runID, total)
	if errs != nil {
		return exitError(exitFileReadError, "Some result files were not ingested", errs)
	}
	return nil
}

func runHistoryCosts(cmd *cobra.Command, _ []string) error {
	hc, err := resolveHistoryConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := openHistory(ctx, hc)
	if err != nil {
		return exitError(exitUnavailable, "Failed to open cost history", err)
	}
	defer func() { _ = db.Close() }()

	stats, err := history.Stats(ctx, db)
	if err != nil {
		return exitError(exitFileReadError, "Failed to read cost history", err)
	}

	w := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	if len(stats) == 0 {
		_, _ = fmt.Fprintln(w, "No history recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()
	_, _ = fmt.Fprintln(tw, "GROUP\tJOBS\tTIMED\tTIMEOUTS\tMEAN")
	for _, s := range stats {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", s.Group, s.Jobs, s.Timed, s.Timeouts, formatSeconds(s.MeanProcess))
	}
	return nil
}

func formatSeconds(sec float64) string {
	if sec <= 0 {
		return "-"
	}
	return strings.TrimSuffix(fmt.Sprintf("%.1f", sec), ".0") + "s"
}
