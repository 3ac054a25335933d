package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/slotbatch/internal/observability"
	"github.com/3leaps/slotbatch/pkg/manifest"
	"github.com/3leaps/slotbatch/pkg/orchestrator"
	"github.com/3leaps/slotbatch/pkg/output"
)

var (
	planBatch string
	planRetry bool
	planSlots int
	planJSON  bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show how a batch would be balanced across slots",
	Long: `Discover the batch's jobs, estimate each group's cost from history and
print the slot assignment without running anything.

With --json the plan is written as slotbatch.plan.v1 and
slotbatch.warning.v1 JSONL records.`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planBatch, "batch", "b", "", "Batch manifest (YAML or JSON)")
	planCmd.Flags().BoolVar(&planRetry, "retry-timeouts", false, "Plan only the timed-out jobs of the merged file")
	planCmd.Flags().IntVar(&planSlots, "slots", 0, "Override the number of slots")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output JSONL records")
	_ = planCmd.MarkFlagRequired("batch")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	m, err := loadBatch(planBatch, batchOverrides{Slots: planSlots})
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

	orch, err := orchestrator.New(orchestrator.Config{
		Manifest: m,
		Retry:    planRetry,
		History:  db,
		Logger:   observability.CLILogger,
	})
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid batch", err)
	}
	plan, err := orch.Plan(ctx)
	if err != nil {
		return exitError(exitFileReadError, "Failed to plan batch", err)
	}
	return printPlan(ctx, cmd.OutOrStdout(), m, plan, planJSON)
}

// printPlan renders a plan as a table, or as JSONL records.
func printPlan(ctx context.Context, w io.Writer, m *manifest.Manifest, plan *orchestrator.Plan, asJSON bool) error {
	records := plan.Records(m.Slots.Device)

	if asJSON {
		jw := output.NewJSONLWriter(w, "")
		for i := range records {
			if err := jw.WritePlan(ctx, &records[i]); err != nil {
				return err
			}
		}
		for i := range plan.Warnings {
			if err := jw.WriteWarning(ctx, &plan.Warnings[i]); err != nil {
				return err
			}
		}
		return nil
	}

	_, _ = fmt.Fprintf(w, "mode=%s cost_source=%s jobs=%d spread=%.1fs retry=%t\n\n",
		plan.Assignment.Mode, plan.CostSource, len(plan.Jobs), plan.Assignment.Spread(), plan.Retry)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SLOT\tDEVICE\tJOBS\tESTIMATED\tGROUPS")
	for _, r := range records {
		device := r.Device
		if device == "" {
			device = "-"
		}
		shares := make([]string, 0, len(r.Shares))
		for _, s := range r.Shares {
			shares = append(shares, fmt.Sprintf("%s:%d", s.Group, s.Jobs))
		}
		sort.Strings(shares)
		groups := strings.Join(shares, ",")
		if groups == "" {
			groups = "-"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%.1fs\t%s\n", r.Slot, device, r.Jobs, r.Total, groups)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, wr := range plan.Warnings {
		_, _ = fmt.Fprintf(w, "warning: %s: %s\n", wr.Code, wr.Message)
	}
	return nil
}
