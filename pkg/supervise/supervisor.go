package supervise

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Defaults applied when the corresponding Supervisor field is zero.
const (
	DefaultTimeout      = 600 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultGrace        = 500 * time.Millisecond
	DefaultPipeDrain    = 2 * time.Second
)

// DefaultMarkers are the lines a notebook runner prints once real work
// begins. Matching is case-insensitive.
var DefaultMarkers = []string{
	"executing notebook",
	"executing cell",
	"executing:",
	"running cell",
	"debugging will proceed",
}

// Outcome is what a supervised run produced.
type Outcome struct {
	State         State
	Started       bool
	StartedAt     time.Time
	ExecutionTime time.Duration
	ExitCode      int
	PID           int
	Stdout        string
	Stderr        string
}

// Err maps a terminal state to its error value. Completed runs return nil.
func (o *Outcome) Err() error {
	switch o.State {
	case StateTimedOut:
		return ErrTimeout
	case StateIncomplete:
		return &IncompleteRunError{ExitCode: o.ExitCode}
	case StateInterrupted:
		return ErrInterrupted
	case StateFailed:
		return ErrLaunch
	}
	return nil
}

// Supervisor runs one command at a time as its own process group, starts
// the execution clock on the first marker line and enforces Timeout from
// there.
type Supervisor struct {
	Timeout       time.Duration
	PollInterval  time.Duration
	Grace         time.Duration
	PipeDrain     time.Duration
	Markers       []string
	MonitorStdout bool
	Tracker       *Tracker
	Logger        *zap.Logger

	// OnState, when set, observes every state transition.
	OnState func(State)
}

func (s *Supervisor) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

func (s *Supervisor) poll() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return DefaultPollInterval
}

func (s *Supervisor) grace() time.Duration {
	if s.Grace > 0 {
		return s.Grace
	}
	return DefaultGrace
}

func (s *Supervisor) pipeDrain() time.Duration {
	if s.PipeDrain > 0 {
		return s.PipeDrain
	}
	return DefaultPipeDrain
}

func (s *Supervisor) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s *Supervisor) markers() []string {
	src := s.Markers
	if len(src) == 0 {
		src = DefaultMarkers
	}
	out := make([]string, 0, len(src))
	for _, m := range src {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func (s *Supervisor) transition(o *Outcome, st State) {
	o.State = st
	if s.OnState != nil {
		s.OnState(st)
	}
}

// Run launches cmd and blocks until it exits, times out or ctx is done.
// The returned error is nil only for Completed outcomes.
func (s *Supervisor) Run(ctx context.Context, cmd Command) (*Outcome, error) {
	out := &Outcome{State: StateNotStarted}
	log := s.logger().With(zap.String("command", cmd.Path))

	markers := s.markers()
	started := make(chan time.Time, 1)
	var once sync.Once
	onLine := func(line string) {
		lower := strings.ToLower(line)
		for _, m := range markers {
			if strings.Contains(lower, m) {
				once.Do(func() { started <- time.Now() })
				return
			}
		}
	}

	stdout := &lineWriter{}
	stderr := &lineWriter{}
	if s.MonitorStdout {
		stdout.onLine = onLine
	} else {
		stderr.onLine = onLine
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = s.pipeDrain()
	setProcessGroup(c)

	if err := c.Start(); err != nil {
		s.transition(out, StateFailed)
		return out, &LaunchError{Path: cmd.Path, Err: err}
	}
	pgid := c.Process.Pid
	out.PID = pgid
	s.Tracker.add(pgid, cmd.String())
	defer s.Tracker.remove(pgid)
	s.transition(out, StateLaunched)
	log.Debug("Process launched", zap.Int("pid", pgid))

	waitCh := make(chan error, 1)
	go func() { waitCh <- c.Wait() }()

	s.transition(out, StateAwaitingStart)

	limit := s.timeout()
	tick := time.NewTicker(s.poll())
	defer tick.Stop()

	for {
		select {
		case waitErr := <-waitCh:
			exitAt := time.Now()
			if !out.Started {
				select {
				case t := <-started:
					out.Started, out.StartedAt = true, t
				default:
				}
			}
			out.ExitCode = exitCode(c, waitErr)
			if groupAlive(pgid) {
				log.Warn("Process group outlived its leader, terminating", zap.Int("pgid", pgid))
				s.terminate(pgid, nil)
			}
			s.collect(out, stdout, stderr)
			if !out.Started {
				s.transition(out, StateIncomplete)
				log.Warn("Process exited before start marker", zap.Int("exit_code", out.ExitCode))
				return out, &IncompleteRunError{ExitCode: out.ExitCode}
			}
			out.ExecutionTime = exitAt.Sub(out.StartedAt)
			s.transition(out, StateCompleted)
			log.Debug("Process exited",
				zap.Int("exit_code", out.ExitCode),
				zap.Duration("execution_time", out.ExecutionTime))
			return out, nil

		case t := <-started:
			out.Started, out.StartedAt = true, t
			s.transition(out, StateRunning)
			log.Debug("Start marker seen", zap.Time("started_at", t))

		case <-tick.C:
			if !out.Started {
				continue
			}
			elapsed := time.Since(out.StartedAt)
			if elapsed <= limit {
				continue
			}
			log.Warn("Execution timed out, terminating process group",
				zap.Int("pgid", pgid),
				zap.Duration("elapsed", elapsed),
				zap.Duration("limit", limit))
			s.terminate(pgid, waitCh)
			out.ExecutionTime = elapsed
			out.ExitCode = exitCode(c, nil)
			s.collect(out, stdout, stderr)
			s.transition(out, StateTimedOut)
			return out, &TimeoutError{Elapsed: elapsed, Limit: limit}

		case <-ctx.Done():
			log.Warn("Run cancelled, terminating process group", zap.Int("pgid", pgid))
			s.terminate(pgid, waitCh)
			if out.Started {
				out.ExecutionTime = time.Since(out.StartedAt)
			}
			out.ExitCode = exitCode(c, nil)
			s.collect(out, stdout, stderr)
			s.transition(out, StateInterrupted)
			return out, fmt.Errorf("%w: %v", ErrInterrupted, context.Cause(ctx))
		}
	}
}

// terminate sends SIGTERM to the group, waits up to Grace for the leader
// to be reaped and every member to disappear, then SIGKILLs whatever is
// left. It returns once the leader has been reaped. A nil waitCh means the
// leader is already gone and only the rest of the group is left.
func (s *Supervisor) terminate(pgid int, waitCh <-chan error) {
	_ = signalGroup(pgid, syscall.SIGTERM)

	reaped := waitCh == nil
	deadline := time.NewTimer(s.grace())
	defer deadline.Stop()
	tick := time.NewTicker(max(s.poll()/2, time.Millisecond))
	defer tick.Stop()

wait:
	for {
		select {
		case <-waitCh:
			reaped = true
			if !groupAlive(pgid) {
				return
			}
		case <-tick.C:
			if reaped && !groupAlive(pgid) {
				return
			}
		case <-deadline.C:
			break wait
		}
	}

	if groupAlive(pgid) {
		s.logger().Debug("Process group survived SIGTERM, sending SIGKILL", zap.Int("pgid", pgid))
		_ = signalGroup(pgid, syscall.SIGKILL)
	}
	if !reaped {
		<-waitCh
	}
}

func (s *Supervisor) collect(o *Outcome, stdout, stderr *lineWriter) {
	o.Stdout = StripANSI(stdout.String())
	o.Stderr = StripANSI(stderr.String())
}

func exitCode(c *exec.Cmd, waitErr error) int {
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	return -1
}

// lineWriter keeps everything written to it and hands each complete line,
// cleaned, to onLine.
type lineWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	partial []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := cleanLine(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
		if line != "" {
			w.onLine(line)
		}
	}
	// A progress bar that rewrites itself with \r never sends \n; scan it
	// anyway so a marker on such a line is not missed.
	if j := bytes.LastIndexByte(w.partial, '\r'); j >= 0 {
		if line := cleanLine(string(w.partial[:j])); line != "" {
			w.onLine(line)
		}
		w.partial = w.partial[j+1:]
	}
	return len(p), nil
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
