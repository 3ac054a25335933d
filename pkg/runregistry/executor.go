package runregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Executor spawns and manages background runs.
//
// A background run is a child process executing `slotbatch run` in managed
// mode, with stdout/stderr captured to per-run log files.
type Executor struct {
	store *Store

	// Exe overrides the executable; defaults to os.Executable.
	Exe string
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stdout.log")
}

func (e *Executor) StderrPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stderr.log")
}

type BackgroundOptions struct {
	Name   string
	Dedupe bool
	// Args are appended after the managed run arguments.
	Args []string
}

// StartRunBackground spawns a managed child process running:
//
//	slotbatch run --batch <batch> --_managed-run-id <run_id> [args...]
//
// It returns after the child successfully starts. The child lives in its
// own session so it survives the parent's terminal.
func (e *Executor) StartRunBackground(batchPath string, opts BackgroundOptions) (*RunRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}

	absBatch, err := filepath.Abs(strings.TrimSpace(batchPath))
	if err != nil {
		return nil, fmt.Errorf("resolve batch path: %w", err)
	}
	if _, err := os.Stat(absBatch); err != nil {
		return nil, fmt.Errorf("batch manifest not found: %s", absBatch)
	}

	if opts.Dedupe {
		existing, _ := e.store.List()
		for _, r := range existing {
			if strings.TrimSpace(r.BatchPath) == absBatch && r.State == RunStateRunning {
				return nil, fmt.Errorf("duplicate running run exists: %s", r.RunID)
			}
		}
	}

	exe := e.Exe
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	runID := uuid.New().String()
	if err := os.MkdirAll(e.store.RunDir(runID), 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	stdoutFile, err := os.Create(e.StdoutPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	args := append([]string{"run", "--batch", absBatch, "--_managed-run-id", runID}, opts.Args...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start managed run: %w", err)
	}
	// Reap in the background; the record tracks the pid from here on.
	go func() { _ = cmd.Wait() }()

	now := time.Now().UTC()
	rec := &RunRecord{
		RunID:         runID,
		Name:          strings.TrimSpace(opts.Name),
		State:         RunStateRunning,
		BatchPath:     absBatch,
		PID:           cmd.Process.Pid,
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: func() *time.Time { t := now; return &t }(),
		StdoutPath:    e.StdoutPath(runID),
		StderrPath:    e.StderrPath(runID),
	}
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Stop signals a running run and waits up to grace for it to exit,
// escalating to SIGKILL. It returns true when SIGKILL was needed.
func (e *Executor) Stop(runID string, force bool, grace time.Duration) (bool, error) {
	rec, err := e.store.Get(runID)
	if err != nil {
		return false, err
	}
	if rec.PID <= 0 {
		return false, fmt.Errorf("run has no pid recorded")
	}
	if rec.State != RunStateRunning && rec.State != RunStateStopping {
		return false, fmt.Errorf("run is not running (state=%s)", rec.State)
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return false, fmt.Errorf("find process: %w", err)
	}

	now := time.Now().UTC()
	rec.State = RunStateStopping
	rec.LastHeartbeat = &now
	_ = e.store.Write(rec)

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := proc.Signal(sig); err != nil {
		return false, fmt.Errorf("signal %s: %w", sig, err)
	}

	forced := force
	if !force {
		deadline := time.Now().Add(grace)
		for IsProcessAlive(rec.PID) && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if IsProcessAlive(rec.PID) {
			_ = proc.Signal(syscall.SIGKILL)
			forced = true
		}
	}

	// The run may have written its own terminal state on SIGTERM.
	if cur, err := e.store.Get(runID); err == nil && cur.State.Terminal() {
		return forced, nil
	}
	return forced, e.store.Finish(runID, RunStateStopped, nil)
}
