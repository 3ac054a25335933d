// Package orchestrator plans a batch, runs one worker per slot and merges
// their results.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/slotbatch/pkg/artifact"
	"github.com/3leaps/slotbatch/pkg/isolate"
	"github.com/3leaps/slotbatch/pkg/manifest"
	"github.com/3leaps/slotbatch/pkg/notebook"
	"github.com/3leaps/slotbatch/pkg/output"
	"github.com/3leaps/slotbatch/pkg/provider"
	"github.com/3leaps/slotbatch/pkg/slot"
	"github.com/3leaps/slotbatch/pkg/supervise"
	"github.com/3leaps/slotbatch/pkg/throttle"
)

// DefaultAbortGrace is how long tracked processes get after an abort.
const DefaultAbortGrace = 5 * time.Second

// Config wires an Orchestrator.
type Config struct {
	Manifest *manifest.Manifest

	// Retry re-runs the timed-out jobs of the main merged file.
	Retry bool

	// RunID correlates events; generated when empty.
	RunID string

	// History, when set, supplies group means and receives merged results.
	History *sql.DB

	// Mounter builds job views. Required for Run.
	Mounter isolate.Mounter

	// Sink, when set, mirrors artifacts.
	Sink provider.Sink

	// Events receives run records; output.Discard when nil.
	Events output.Writer

	// Observer is told about every job boundary in addition to Events.
	Observer slot.Observer

	// BaseEnv is the environment every command starts from.
	BaseEnv []string

	Logger *zap.Logger
}

// Orchestrator runs one batch.
type Orchestrator struct {
	cfg Config
	log *zap.Logger

	tracker *supervise.Tracker

	mu      sync.RWMutex
	workers []*slot.Worker
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if cfg.Manifest.Slots.Count < 1 {
		return nil, errors.New("at least one slot is required")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.Events == nil {
		cfg.Events = output.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("run_id", cfg.RunID)),
		tracker: supervise.NewTracker(),
	}, nil
}

// RunID returns the run's correlation id.
func (o *Orchestrator) RunID() string { return o.cfg.RunID }

// Slots returns a snapshot of every slot worker. It is empty before Run.
func (o *Orchestrator) Slots() []slot.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]slot.State, len(o.workers))
	for i, w := range o.workers {
		out[i] = w.Snapshot()
	}
	return out
}

// RunReport is the outcome of a run.
type RunReport struct {
	RunID    string
	Retry    bool
	Slots    []slot.Report
	Skipped  []string
	Panicked []int
	Merge    *MergeReport
	Duration time.Duration
}

// Run executes the plan and merges the results. Job failures never make
// Run fail; only an inability to start or to merge does.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (*RunReport, error) {
	if plan == nil || plan.Realization == nil {
		return nil, errors.New("plan is required")
	}
	if o.cfg.Mounter == nil {
		return nil, errors.New("mounter is required")
	}
	m := o.cfg.Manifest
	start := time.Now()

	for _, rec := range plan.Records(m.Slots.Device) {
		_ = o.cfg.Events.WritePlan(ctx, &rec)
	}
	for _, w := range plan.Warnings {
		_ = o.cfg.Events.WriteWarning(ctx, &w)
	}

	workers, err := o.build(plan)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.workers = workers
	o.mu.Unlock()

	rep := &RunReport{RunID: o.cfg.RunID, Retry: plan.Retry, Slots: make([]slot.Report, len(workers))}

	done := make(chan struct{})
	abortDone := make(chan struct{})
	go func() {
		defer close(abortDone)
		select {
		case <-done:
		case <-ctx.Done():
			o.abort(m.Execution.AbortGrace.D())
		}
	}()

	var (
		g       errgroup.Group
		panicMu sync.Mutex
	)
	for i, w := range workers {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("Slot worker panicked",
						zap.Int("slot", i), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
					panicMu.Lock()
					rep.Panicked = append(rep.Panicked, i)
					panicMu.Unlock()
					s := i
					_ = o.cfg.Events.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
						Code:    output.ErrCodeWorkerPanic,
						Message: fmt.Sprint(r),
						Slot:    &s,
					})
				}
			}()
			rep.Slots[i] = w.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	close(done)
	<-abortDone

	for _, sr := range rep.Slots {
		rep.Skipped = append(rep.Skipped, sr.Skipped...)
	}
	if n := len(rep.Skipped); n > 0 {
		_ = o.cfg.Events.WriteWarning(context.WithoutCancel(ctx), &output.WarningRecord{
			Code:    output.WarnJobsSkipped,
			Message: fmt.Sprintf("%d jobs never started because the run was cancelled", n),
			Count:   n,
		})
	}

	o.finalCleanup(ctx)

	merge, err := o.Merge(context.WithoutCancel(ctx), plan.Retry)
	rep.Merge = merge
	rep.Duration = time.Since(start)
	if merge != nil {
		o.writeSummary(context.WithoutCancel(ctx), rep)
	}
	if err != nil {
		return rep, err
	}

	o.log.Info("Run finished",
		zap.Duration("duration", rep.Duration),
		zap.String("summary", merge.Summary.String()),
		zap.Int("skipped", len(rep.Skipped)))
	return rep, nil
}

// build creates the shared run components and one worker per slot.
func (o *Orchestrator) build(plan *Plan) ([]*slot.Worker, error) {
	m := o.cfg.Manifest

	iso, err := isolate.New(isolate.Config{
		ScratchRoot:   o.scratchRoot(),
		ReadyPath:     m.Datasets.ReadyPath,
		ReadyTimeout:  m.Isolation.ReadyTimeout.D(),
		PollInterval:  m.Execution.PollInterval.D(),
		MountAttempts: uint(max(m.Isolation.MountAttempts, 1)),
	}, o.cfg.Mounter, o.log.Named("isolate"))
	if err != nil {
		return nil, fmt.Errorf("create isolator: %w", err)
	}

	collector, err := artifact.New(artifact.Config{
		Pattern:      m.Output.Artifacts,
		ArtifactsDir: m.Output.ArtifactsDir,
		ProgramsDir:  m.Output.AllProgramsDir,
		Sink:         o.cfg.Sink,
	}, o.log.Named("artifact"))
	if err != nil {
		return nil, fmt.Errorf("create collector: %w", err)
	}

	if err := os.MkdirAll(m.Output.ResultsDir, 0755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	// Slot files accumulate with WriteShared; start each run from empty.
	for _, p := range m.SlotFilePaths(plan.Retry) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reset slot file: %w", err)
		}
	}

	var preparer slot.Preparer
	if m.Programs.ShouldClearOutputs() {
		preparer = notebook.Clearer{InstallStub: m.Programs.InstallStub}
	}
	var limiter *throttle.Limiter
	if d := m.Execution.LaunchInterval.D(); d > 0 {
		limiter = throttle.Every(d)
	}

	sup := &supervise.Supervisor{
		Timeout:       m.Execution.Timeout.D(),
		PollInterval:  m.Execution.PollInterval.D(),
		Grace:         m.Execution.Grace.D(),
		Markers:       m.Execution.Markers,
		MonitorStdout: m.Execution.MonitorStdout(),
		Tracker:       o.tracker,
	}

	observer := &eventObserver{runID: o.cfg.RunID, events: o.cfg.Events, next: o.cfg.Observer}
	workers := make([]*slot.Worker, m.Slots.Count)
	for i := range workers {
		workers[i] = &slot.Worker{
			Slot:           i,
			Device:         m.Slots.Device(i),
			Jobs:           plan.Realization.Slots[i],
			Isolator:       iso,
			Supervisor:     sup,
			Command:        m.Execution.Template(),
			Cleanup:        manifest.OptionalTemplate(m.Execution.CleanupCommand),
			CleanupTimeout: m.Execution.CleanupTimeout.D(),
			BaseEnv:        o.cfg.BaseEnv,
			Collector:      collector,
			Preparer:       preparer,
			Limiter:        limiter,
			SlotFile:       m.SlotFilePath(i, plan.Retry),
			Observer:       observer,
			Logger:         o.log.Named("slot"),
		}
	}
	return workers, nil
}

func (o *Orchestrator) scratchRoot() string {
	if r := o.cfg.Manifest.Isolation.ScratchRoot; r != "" {
		return r
	}
	return filepath.Join(os.TempDir(), "slotbatch-"+o.cfg.RunID)
}

// abort terminates every tracked process group, escalating after grace.
func (o *Orchestrator) abort(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultAbortGrace
	}
	live := o.tracker.Live()
	o.log.Warn("Run aborted, terminating tracked processes",
		zap.Int("groups", len(live)), zap.Duration("grace", grace))
	if killed := o.tracker.KillAll(context.Background(), grace); len(killed) > 0 {
		o.log.Warn("Force-killed process groups", zap.Ints("pgids", killed))
	}
}

// finalCleanup runs the once-per-run cleanup command.
func (o *Orchestrator) finalCleanup(ctx context.Context) {
	tmpl := manifest.OptionalTemplate(o.cfg.Manifest.Execution.FinalCleanupCommand)
	if tmpl == nil {
		return
	}
	vars := make(supervise.Vars, len(supervise.Placeholders))
	for _, p := range supervise.Placeholders {
		vars[p] = ""
	}
	vars["timeout"] = strconv.Itoa(int(o.cfg.Manifest.Execution.Timeout.D().Seconds()))

	cmd, err := tmpl.Build(vars, o.cfg.BaseEnv)
	if err == nil {
		var out string
		out, err = supervise.Exec(context.WithoutCancel(ctx), cmd, o.cfg.Manifest.Execution.CleanupTimeout.D())
		o.log.Debug("Final cleanup", zap.String("command", cmd.String()), zap.String("output", out))
	}
	if err != nil {
		o.log.Warn("Final cleanup failed", zap.Error(err))
		_ = o.cfg.Events.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
			Code:    output.ErrCodeCleanup,
			Message: err.Error(),
		})
	}
}

func (o *Orchestrator) writeSummary(ctx context.Context, rep *RunReport) {
	s := rep.Merge.Summary
	_ = o.cfg.Events.WriteSummary(ctx, &output.SummaryRecord{
		Jobs:          s.Total,
		Artifacts:     s.Completed,
		Timeouts:      s.TimedOut,
		Incomplete:    s.Incomplete,
		Interrupted:   s.Interrupted,
		Errors:        s.Failed,
		Skipped:       len(rep.Skipped),
		Duration:      rep.Duration,
		DurationHuman: rep.Duration.Round(time.Millisecond).String(),
		MergedFile:    rep.Merge.Path,
		Retry:         rep.Retry,
	})
}

