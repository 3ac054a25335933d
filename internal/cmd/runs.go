package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/slotbatch/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and stop recorded runs",
	Long: `Every run writes a record under the runs directory (runs.dir in config,
or SLOTBATCH_RUNS_DIR). Ids may be abbreviated to any unique prefix.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run_id>",
	Short: "Stop a running run",
	Long: `Send SIGTERM to a run and wait for it to abort its jobs and merge what
finished; escalate to SIGKILL after --grace. --force sends SIGKILL at once.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsStop,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Show the captured output of a background run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStopCmd)
	runsCmd.AddCommand(runsLogsCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsStopCmd.Flags().Bool("force", false, "Send SIGKILL immediately")
	runsStopCmd.Flags().Duration("grace", 30*time.Second, "Wait this long after SIGTERM before SIGKILL")
	runsLogsCmd.Flags().String("stream", "stderr", "Log stream: stdout or stderr")
	runsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = all)")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	store := runStore()
	runs, err := store.List()
	if err != nil {
		return exitError(exitFileReadError, "Failed to list runs", err)
	}
	w := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()
	_, _ = fmt.Fprintln(tw, "RUN ID\tNAME\tSTATE\tSTARTED\tENDED\tSLOTS\tJOBS\tBATCH")
	for _, r := range runs {
		jobs := "-"
		if r.Counts != nil {
			jobs = fmt.Sprintf("%d/%d", r.Counts.Artifacts, r.Counts.Jobs)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortRunID(r.RunID),
			dash(r.Name),
			r.State,
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
			r.Slots,
			jobs,
			dash(r.BatchPath))
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	rec, err := resolveRun(runStore(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runRunsStop(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	grace, _ := cmd.Flags().GetDuration("grace")

	executor := runregistry.NewExecutor(runsDir())
	rec, err := resolveRun(executor.Store(), args[0])
	if err != nil {
		return err
	}
	forced, err := executor.Stop(rec.RunID, force, grace)
	if err != nil {
		return exitError(exitInvalidArgument, "Failed to stop run", err)
	}
	sent := "term"
	if force {
		sent = "kill"
	}
	if forced && !force {
		sent += ";forced=kill"
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent=%s\n", sent)
	return nil
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	tailN, _ := cmd.Flags().GetInt("tail")

	executor := runregistry.NewExecutor(runsDir())
	rec, err := resolveRun(executor.Store(), args[0])
	if err != nil {
		return err
	}

	var path string
	switch strings.ToLower(strings.TrimSpace(stream)) {
	case "stdout":
		path = rec.StdoutPath
		if path == "" {
			path = executor.StdoutPath(rec.RunID)
		}
	case "stderr", "":
		path = rec.StderrPath
		if path == "" {
			path = executor.StderrPath(rec.RunID)
		}
	default:
		return exitError(exitInvalidArgument, "Invalid --stream value", fmt.Errorf("stream must be stdout or stderr"))
	}

	f, err := os.Open(path)
	if err != nil {
		return exitError(exitFileNotFound, "No log for run", err)
	}
	defer func() { _ = f.Close() }()
	return printTail(cmd.OutOrStdout(), f, tailN)
}

func resolveRun(store *runregistry.Store, idOrPrefix string) (*runregistry.RunRecord, error) {
	id, err := store.Resolve(strings.TrimSpace(idOrPrefix))
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Unknown run", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		return nil, exitError(exitFileReadError, "Failed to read run", err)
	}
	return rec, nil
}

// printTail copies the last n lines of r to w; n <= 0 copies everything.
func printTail(w io.Writer, r io.Reader, n int) error {
	if n <= 0 {
		_, err := io.Copy(w, r)
		return err
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	for _, line := range ring {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
