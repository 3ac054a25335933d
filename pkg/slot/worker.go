// Package slot runs one execution slot's job queue, strictly in order.
package slot

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/pkg/artifact"
	"github.com/3leaps/slotbatch/pkg/isolate"
	"github.com/3leaps/slotbatch/pkg/job"
	"github.com/3leaps/slotbatch/pkg/notebook"
	"github.com/3leaps/slotbatch/pkg/resultstore"
	"github.com/3leaps/slotbatch/pkg/supervise"
	"github.com/3leaps/slotbatch/pkg/throttle"
)

// Isolator is the part of isolate.Isolator a worker needs.
type Isolator interface {
	Prepare(ctx context.Context, slot int, j job.Job) (*isolate.View, error)
	Teardown(ctx context.Context, v *isolate.View) error
}

// Preparer readies a program copy before launch.
type Preparer interface {
	ClearOutputs(path string) (notebook.Report, error)
}

// Observer is told about job boundaries. Calls come from the worker's
// goroutine.
type Observer interface {
	JobStarted(slot int, j job.Job)
	JobFinished(slot int, j job.Job, res *resultstore.Result, elapsed time.Duration)
}

// Worker owns one slot.
type Worker struct {
	Slot int
	// Device is the accelerator id exposed to the command as {device};
	// defaults to the slot index.
	Device string
	Jobs   []job.Job

	Isolator   Isolator
	Supervisor *supervise.Supervisor
	Command    supervise.Template
	// Cleanup, when set, runs after every job (e.g. docker kill {container}).
	Cleanup        *supervise.Template
	CleanupTimeout time.Duration
	BaseEnv        []string

	Collector *artifact.Collector
	Preparer  Preparer
	Limiter   *throttle.Limiter

	// SlotFile accumulates this slot's results.
	SlotFile string

	Observer Observer
	Logger   *zap.Logger

	mu    sync.RWMutex
	state State
}

// State is a point-in-time view of a worker.
type State struct {
	Slot         int             `json:"slot"`
	Device       string          `json:"device"`
	Queue        []string        `json:"queue"`
	Current      string          `json:"current,omitempty"`
	ProcessState supervise.State `json:"process_state,omitempty"`
	Completed    int             `json:"completed"`
	Elapsed      time.Duration   `json:"elapsed"`
	Done         bool            `json:"done"`
}

// Report is what a worker returns once its queue is exhausted or the run
// is cancelled.
type Report struct {
	Slot      int
	Results   resultstore.Results
	Completed int
	Skipped   []string
	Elapsed   time.Duration
}

// Snapshot returns an immutable copy of the worker's state.
func (w *Worker) Snapshot() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := w.state
	s.Queue = append([]string(nil), w.state.Queue...)
	return s
}

func (w *Worker) update(fn func(*State)) {
	w.mu.Lock()
	fn(&w.state)
	w.mu.Unlock()
}

func (w *Worker) device() string {
	if w.Device != "" {
		return w.Device
	}
	return strconv.Itoa(w.Slot)
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return zap.NewNop()
}

// Run executes the queue in order. It never returns an error: every job
// outcome, including panics, lands in that job's Result.
func (w *Worker) Run(ctx context.Context) Report {
	start := time.Now()
	log := w.logger().With(zap.Int("slot", w.Slot))

	queue := make([]string, len(w.Jobs))
	for i, j := range w.Jobs {
		queue[i] = j.ID
	}
	w.update(func(s *State) {
		*s = State{Slot: w.Slot, Device: w.device(), Queue: queue}
	})

	sup := supervise.Supervisor{}
	if w.Supervisor != nil {
		sup = *w.Supervisor
	}
	sup.Logger = log
	sup.OnState = func(st supervise.State) {
		w.update(func(s *State) { s.ProcessState = st })
	}

	rep := Report{Slot: w.Slot, Results: make(resultstore.Results, len(w.Jobs))}
	for i, j := range w.Jobs {
		if ctx.Err() != nil {
			for _, rest := range w.Jobs[i:] {
				rep.Skipped = append(rep.Skipped, rest.ID)
			}
			log.Warn("Run cancelled, leaving remaining jobs", zap.Int("remaining", len(w.Jobs)-i))
			break
		}

		w.update(func(s *State) {
			s.Current = j.ID
			s.Queue = s.Queue[1:]
			s.ProcessState = supervise.StateNotStarted
		})
		if w.Observer != nil {
			w.Observer.JobStarted(w.Slot, j)
		}

		jobStart := time.Now()
		res := w.runJob(ctx, &sup, j, log.With(zap.String("job_id", j.ID), zap.String("group", j.Group)))
		rep.Results[j.ID] = res
		rep.Completed++

		if err := resultstore.WriteShared(w.SlotFile, resultstore.Results{j.ID: res}); err != nil {
			log.Error("Failed to write slot results", zap.String("path", w.SlotFile), zap.Error(err))
		}

		elapsed := time.Since(jobStart)
		if w.Observer != nil {
			w.Observer.JobFinished(w.Slot, j, res, elapsed)
		}
		w.update(func(s *State) {
			s.Current = ""
			s.Completed++
			s.Elapsed = time.Since(start)
		})
	}

	rep.Elapsed = time.Since(start)
	w.update(func(s *State) {
		s.Done = true
		s.Elapsed = rep.Elapsed
	})
	log.Info("Slot finished",
		zap.Int("completed", rep.Completed),
		zap.Int("skipped", len(rep.Skipped)),
		zap.Duration("elapsed", rep.Elapsed))
	return rep
}

// runJob executes one job end to end and persists its per-job result.
func (w *Worker) runJob(ctx context.Context, sup *supervise.Supervisor, j job.Job, log *zap.Logger) *resultstore.Result {
	start := time.Now()
	res := &resultstore.Result{}
	res.SetSlot(w.Slot)

	vars := w.execute(ctx, sup, j, res, log)

	if w.Cleanup != nil && vars != nil {
		cmd, err := w.Cleanup.Build(vars, w.BaseEnv)
		if err == nil {
			_, err = supervise.Exec(context.WithoutCancel(ctx), cmd, w.CleanupTimeout)
		}
		if err != nil {
			log.Debug("Post-job cleanup", zap.Error(err))
		}
	}

	res.SetProcessTime(time.Since(start).Seconds())
	if err := resultstore.WritePerJob(j.ResultPath(), res); err != nil {
		log.Error("Failed to write job result", zap.String("path", j.ResultPath()), zap.Error(err))
	}

	fields := []zap.Field{zap.Float64("process_time", *res.ProcessTime)}
	if res.ExecutionTime != nil {
		fields = append(fields, zap.Float64("execution_time", *res.ExecutionTime))
	}
	switch {
	case res.IsTimedOut():
		log.Warn("Job timed out", fields...)
	case res.HasArtifact():
		log.Info("Job completed", fields...)
	default:
		log.Warn("Job produced no artifact", fields...)
	}
	return res
}

// execute runs isolation, supervision and collection. It returns the
// template variables used for the launch, or nil when nothing was
// launched.
func (w *Worker) execute(ctx context.Context, sup *supervise.Supervisor, j job.Job, res *resultstore.Result, log *zap.Logger) (vars supervise.Vars) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res.AddError(fmt.Sprintf("panic: %v", r))
		}
	}()

	view, err := w.Isolator.Prepare(ctx, w.Slot, j)
	if err != nil {
		log.Error("Isolation failed", zap.Error(err))
		res.AddError(err.Error())
		return nil
	}
	defer func() {
		cleanupStart := time.Now()
		if err := w.Isolator.Teardown(context.WithoutCancel(ctx), view); err != nil {
			log.Warn("Teardown incomplete", zap.Error(err))
		}
		res.SetCleanupTime(time.Since(cleanupStart).Seconds())
	}()

	if w.Preparer != nil && view.Program != "" {
		if rep, err := w.Preparer.ClearOutputs(view.Program); err != nil {
			log.Warn("Failed to clear program outputs", zap.Error(err))
		} else {
			log.Debug("Program outputs cleared", zap.Int("cells", rep.CellsCleared), zap.Bool("stub_removed", rep.StubRemoved))
		}
	}

	var before artifact.Snapshot
	if w.Collector != nil {
		if before, err = w.Collector.Snapshot(view.Work); err != nil {
			log.Warn("Artifact snapshot", zap.Error(err))
		}
	}

	if err := w.Limiter.Acquire(ctx); err != nil {
		res.SetInterrupted()
		return nil
	}

	vars = w.vars(j, view, sup)
	cmd, err := w.Command.Build(vars, w.BaseEnv)
	if err != nil {
		res.AddError(fmt.Sprintf("build command: %v", err))
		return nil
	}

	log.Info("Launching job", zap.String("command", cmd.String()))
	out, runErr := sup.Run(ctx, cmd)
	record(res, out, runErr)

	if w.Collector != nil && out != nil && out.State != supervise.StateFailed {
		if _, err := w.Collector.Collect(context.WithoutCancel(ctx), j, view.Work, before, res); err != nil {
			log.Warn("Artifact collection failed", zap.Error(err))
			res.AddError(fmt.Sprintf("collect artifacts: %v", err))
		}
	}
	return vars
}

// record copies a supervised outcome into res.
func record(res *resultstore.Result, out *supervise.Outcome, runErr error) {
	if out == nil {
		if runErr != nil {
			res.AddError(runErr.Error())
		}
		return
	}
	if out.PID > 0 {
		res.SetExitCode(out.ExitCode)
	}
	if out.Stdout != "" {
		res.SetDetail(out.Stdout)
	}
	res.AddError(out.Stderr)

	switch out.State {
	case supervise.StateTimedOut:
		res.SetTimedOut(out.ExecutionTime.Seconds())
	case supervise.StateCompleted:
		res.SetExecutionTime(out.ExecutionTime.Seconds())
	case supervise.StateIncomplete:
		res.SetIncomplete()
		res.AddError(runErr.Error())
	case supervise.StateInterrupted:
		if out.Started {
			res.SetExecutionTime(out.ExecutionTime.Seconds())
		}
		res.SetInterrupted()
	case supervise.StateFailed:
		if runErr != nil {
			res.AddError(runErr.Error())
		}
	}
}

func (w *Worker) vars(j job.Job, v *isolate.View, sup *supervise.Supervisor) supervise.Vars {
	timeout := sup.Timeout
	if timeout <= 0 {
		timeout = supervise.DefaultTimeout
	}
	return supervise.Vars{
		"slot":         strconv.Itoa(w.Slot),
		"device":       w.device(),
		"job_id":       j.ID,
		"job_name":     j.ProgramName(),
		"group":        j.Group,
		"program":      v.Program,
		"program_name": j.ProgramName(),
		"workdir":      v.Work,
		"dataset":      v.Target,
		"timeout":      strconv.Itoa(int(timeout.Seconds())),
		"container":    ContainerName(w.Slot, j.ID),
	}
}

// ContainerName is the name a job's container runs under, unique per
// slot and job.
func ContainerName(slot int, id string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, id)
	return "slotbatch_" + strconv.Itoa(slot) + "_" + name
}
