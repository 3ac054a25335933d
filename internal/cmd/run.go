package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/internal/config"
	"github.com/3leaps/slotbatch/internal/observability"
	"github.com/3leaps/slotbatch/internal/server"
	"github.com/3leaps/slotbatch/internal/server/handlers"
	"github.com/3leaps/slotbatch/pkg/orchestrator"
	"github.com/3leaps/slotbatch/pkg/output"
	"github.com/3leaps/slotbatch/pkg/preflight"
	"github.com/3leaps/slotbatch/pkg/provider"
	"github.com/3leaps/slotbatch/pkg/runregistry"
)

const runHeartbeatInterval = 30 * time.Second

var (
	runBatch        string
	runRetry        bool
	runSlots        int
	runTimeout      time.Duration
	runStatusAddr   string
	runEvents       string
	runDryRun       bool
	runBackground   bool
	runName         string
	runManagedRunID string
	runNoPreflight  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch",
	Long: `Run every job of a batch across its slots and merge the results.

Individual job failures never fail the command: they are recorded in the
job's result. The command fails only when the batch cannot be planned or
the results cannot be written.

With --retry-timeouts only the jobs recorded as timed out in the merged
file are run; their results go to the retry files and replace the old
entries in the merged file.

With --background the run is detached; follow it with 'slotbatch runs'.`,
	Example: `  slotbatch run --batch batch.yaml
  slotbatch run --batch batch.yaml --slots 2 --timeout 15m --status-addr :8089
  slotbatch run --batch batch.yaml --retry-timeouts --timeout 30m
  slotbatch run --batch batch.yaml --background --name nightly`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVarP(&runBatch, "batch", "b", "", "Batch manifest (YAML or JSON)")
	f.BoolVar(&runRetry, "retry-timeouts", false, "Re-run only the timed-out jobs of the merged file")
	f.IntVar(&runSlots, "slots", 0, "Override the number of slots")
	f.DurationVar(&runTimeout, "timeout", 0, "Override the per-job timeout")
	f.StringVar(&runStatusAddr, "status-addr", "", "Serve health, slot state and metrics on this address")
	f.StringVar(&runEvents, "events", "", "Write JSONL events to stdout (\"-\") or a file")
	f.BoolVar(&runDryRun, "dry-run", false, "Plan and print the slot assignment without running")
	f.BoolVar(&runBackground, "background", false, "Detach and run in the background")
	f.StringVar(&runName, "name", "", "Name recorded for the run")
	f.BoolVar(&runNoPreflight, "skip-preflight", false, "Do not probe the artifact sink before running")
	f.StringVar(&runManagedRunID, "_managed-run-id", "", "internal")
	_ = f.MarkHidden("_managed-run-id")
	_ = runCmd.MarkFlagRequired("batch")
}

func runRun(cmd *cobra.Command, _ []string) error {
	if runBackground {
		return startBackgroundRun(cmd)
	}

	m, err := loadBatch(runBatch, batchOverrides{Slots: runSlots, Timeout: runTimeout, Events: runEvents})
	if err != nil {
		return err
	}
	log := observability.CLILogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openHistory(ctx, historyConfig(m))
	if err != nil {
		return exitError(exitUnavailable, "Failed to open cost history", err)
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	mounter, err := buildMounter(m)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid isolation config", err)
	}
	sink, err := buildSink(ctx, m.Output.Sink)
	if err != nil {
		return exitError(exitUnavailable, "Failed to open artifact sink", err)
	}
	if sink != nil {
		defer func() { _ = sink.Close() }()
	}

	runID := runManagedRunID
	if runID == "" {
		runID = uuid.New().String()
	}
	events, closer, err := openEvents(m.Output.Events, runID)
	if err != nil {
		return exitError(exitFileWriteError, "Failed to open event stream", err)
	}
	defer func() { _ = closer.Close() }()

	if sink != nil && !runDryRun {
		if err := checkSink(ctx, sink, events); err != nil {
			return err
		}
	}

	metrics := observability.NewMetrics()
	orch, err := orchestrator.New(orchestrator.Config{
		Manifest: m,
		Retry:    runRetry,
		RunID:    runID,
		History:  db,
		Mounter:  mounter,
		Sink:     sink,
		Events:   events,
		Observer: metrics,
		BaseEnv:  os.Environ(),
		Logger:   log,
	})
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid run", err)
	}

	plan, err := orch.Plan(ctx)
	if err != nil {
		return exitError(exitFileReadError, "Failed to plan batch", err)
	}
	if runDryRun {
		return printPlan(ctx, cmd.OutOrStdout(), m, plan, false)
	}
	if len(plan.Jobs) == 0 {
		log.Warn("Nothing to run", zap.Bool("retry", runRetry))
		return nil
	}
	for i, jobs := range plan.Realization.Slots {
		metrics.SetQueued(i, len(jobs))
	}

	store := runStore()
	rec := registerRun(store, orch.RunID(), m.Output.ResultsDir, m.MergedPath(false), m.Slots.Count)
	stopHeartbeat := startHeartbeat(ctx, store, rec)

	var srv *server.Server
	if runStatusAddr != "" {
		srv, err = startStatusServer(orch, metrics, rec != nil)
		if err != nil {
			stopHeartbeat()
			return exitError(exitUnavailable, "Failed to start status server", err)
		}
		if rec != nil {
			rec.StatusAddr = runStatusAddr
			_ = store.Write(rec)
		}
	}

	rep, runErr := orch.Run(ctx, plan)
	stopHeartbeat()
	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("Status server shutdown", zap.Error(err))
		}
	}

	state := runState(ctx, rep, runErr)
	metrics.RunFinished(string(state))
	if rec != nil {
		if err := store.Finish(rec.RunID, state, runCounts(rep)); err != nil {
			log.Warn("Failed to record run result", zap.Error(err))
		}
	}

	if runErr != nil {
		return exitError(exitFileWriteError, "Run failed", runErr)
	}
	if rep.Merge.ReadErrors != nil {
		log.Warn("Merged without some slot files", zap.Error(rep.Merge.ReadErrors))
	}
	log.Info("Batch finished",
		zap.String("run_id", rep.RunID),
		zap.String("state", string(state)),
		zap.String("summary", rep.Merge.Summary.String()),
		zap.String("merged", rep.Merge.Path),
		zap.Duration("duration", rep.Duration))
	if ctx.Err() != nil {
		return exitError(exitSignalInt, "Run interrupted", ctx.Err())
	}
	return nil
}

// startBackgroundRun re-executes this binary detached with the same flags.
func startBackgroundRun(cmd *cobra.Command) error {
	var args []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "batch", "background", "name", "_managed-run-id":
			return
		}
		args = append(args, "--"+f.Name+"="+f.Value.String())
	})
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	executor := runregistry.NewExecutor(runsDir())
	rec, err := executor.StartRunBackground(runBatch, runregistry.BackgroundOptions{Name: runName, Dedupe: true, Args: args})
	if err != nil {
		return exitError(exitInvalidArgument, "Failed to start background run", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s\npid=%d\nstdout=%s\nstderr=%s\n", rec.RunID, rec.PID, rec.StdoutPath, rec.StderrPath)
	return nil
}

// registerRun records a foreground run, or picks up the record written by
// the parent of a managed run. Registry failures never stop the run.
func registerRun(store *runregistry.Store, runID, resultsDir, merged string, slots int) *runregistry.RunRecord {
	log := observability.CLILogger
	now := time.Now().UTC()

	rec, err := store.Get(runID)
	if err != nil {
		rec = &runregistry.RunRecord{
			RunID:     runID,
			Name:      runName,
			BatchPath: runBatch,
			CreatedAt: now,
		}
	}
	rec.State = runregistry.RunStateRunning
	rec.PID = os.Getpid()
	rec.StartedAt = &now
	rec.LastHeartbeat = &now
	rec.ResultsDir = resultsDir
	rec.MergedFile = merged
	rec.Retry = runRetry
	rec.Slots = slots
	if err := store.Write(rec); err != nil {
		log.Warn("Failed to register run", zap.String("runs_dir", store.RootDir()), zap.Error(err))
		return nil
	}
	return rec
}

func startHeartbeat(ctx context.Context, store *runregistry.Store, rec *runregistry.RunRecord) func() {
	if rec == nil {
		return func() {}
	}
	t := time.NewTicker(runHeartbeatInterval)
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_ = store.Heartbeat(rec.RunID)
			}
		}
	}()
	return func() {
		t.Stop()
		select {
		case <-done:
		default:
			close(done)
		}
		<-stopped
	}
}

func startStatusServer(orch *orchestrator.Orchestrator, metrics *observability.Metrics, registered bool) (*server.Server, error) {
	cfg := config.GetConfig()
	opts := server.Options{
		Addr:    runStatusAddr,
		Version: versionInfo.Version,
		Source:  orch,
		Logger:  observability.CLILogger.Named("status"),
	}
	if cfg != nil {
		opts.ReadTimeout = cfg.Server.ReadTimeout
		opts.WriteTimeout = cfg.Server.WriteTimeout
		opts.IdleTimeout = cfg.Server.IdleTimeout
		opts.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	if cfg == nil || cfg.Metrics.Enabled {
		opts.Metrics = metrics.Handler()
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterReadiness("slots", handlers.CheckerFunc(func(context.Context) error {
		if len(orch.Slots()) == 0 {
			return errors.New("slots not started")
		}
		return nil
	}))
	health.RegisterChecker("registry", handlers.CheckerFunc(func(context.Context) error {
		if !registered {
			return errors.New("run not registered")
		}
		return nil
	}))
	opts.Health = health

	srv := server.New(opts)
	if _, err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

// checkSink probes the artifact sink so a run with an unwritable sink
// fails before any job starts.
func checkSink(ctx context.Context, sink provider.Sink, events output.Writer) error {
	mode := preflight.ModeWriteProbe
	if runNoPreflight {
		mode = preflight.ModeSkip
	}
	rep, err := preflight.Sink(ctx, sink, preflight.Spec{Mode: mode})
	for _, c := range rep.Checks {
		observability.CLILogger.Debug("Sink preflight",
			zap.String("capability", c.Capability),
			zap.Bool("allowed", c.Allowed),
			zap.String("method", c.Method))
	}
	if err == nil {
		return nil
	}
	for _, c := range rep.Denied() {
		_ = events.WriteError(ctx, &output.ErrorRecord{Code: c.ErrorCode, Message: c.Capability + ": " + c.Detail})
	}
	return exitError(exitUnavailable, "Artifact sink preflight failed", err)
}

// runState classifies a finished run for the registry.
func runState(ctx context.Context, rep *orchestrator.RunReport, err error) runregistry.RunState {
	switch {
	case err != nil || rep == nil || rep.Merge == nil:
		return runregistry.RunStateFailed
	case ctx.Err() != nil:
		return runregistry.RunStateStopped
	}
	s := rep.Merge.Summary
	if s.Failed > 0 || s.TimedOut > 0 || len(rep.Skipped) > 0 || len(rep.Panicked) > 0 || rep.Merge.ReadErrors != nil {
		return runregistry.RunStatePartial
	}
	return runregistry.RunStateSuccess
}

func runCounts(rep *orchestrator.RunReport) *runregistry.Counts {
	if rep == nil || rep.Merge == nil {
		return nil
	}
	s := rep.Merge.Summary
	return &runregistry.Counts{
		Jobs:      s.Total,
		Artifacts: s.Completed,
		Timeouts:  s.TimedOut,
		Errors:    s.Failed,
		Skipped:   len(rep.Skipped),
	}
}
