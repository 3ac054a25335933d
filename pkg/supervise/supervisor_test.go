//go:build unix

package supervise

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

func shCommand(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

// pidGone treats zombies as gone: a killed orphan may sit unreaped under a
// container init for a while.
func pidGone(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		return true
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data[strings.LastIndexByte(string(data), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 5*time.Second, 10*time.Millisecond)
	return pid
}

func TestSupervisor_Completed(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	s := &Supervisor{
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
		OnState: func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	}

	out, err := s.Run(context.Background(), shCommand(`echo "setup" >&2; echo "Executing cell 1" >&2; sleep 0.2; printf '\033[32mdone\033[0m\n'`))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.True(t, out.Started)
	assert.Equal(t, 0, out.ExitCode)
	assert.GreaterOrEqual(t, out.ExecutionTime, 150*time.Millisecond)
	assert.Less(t, out.ExecutionTime, 3*time.Second)
	assert.Equal(t, "done\n", out.Stdout)
	assert.Contains(t, out.Stderr, "Executing cell 1")
	assert.NoError(t, out.Err())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateLaunched, StateAwaitingStart, StateRunning, StateCompleted}, states)
}

func TestSupervisor_NonZeroExitAfterStartIsCompleted(t *testing.T) {
	s := &Supervisor{Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond}

	out, err := s.Run(context.Background(), shCommand(`echo "[NbClientApp] Executing notebook with kernel" >&2; echo "boom" >&2; exit 3`))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 3, out.ExitCode)
	assert.Contains(t, out.Stderr, "boom")
}

func TestSupervisor_Incomplete(t *testing.T) {
	s := &Supervisor{Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond}

	out, err := s.Run(context.Background(), shCommand(`echo "image not found" >&2; exit 125`))
	require.Error(t, err)
	assert.True(t, IsIncomplete(err))
	assert.Equal(t, StateIncomplete, out.State)
	assert.False(t, out.Started)
	assert.Zero(t, out.ExecutionTime)
	assert.Equal(t, 125, out.ExitCode)

	var ire *IncompleteRunError
	require.ErrorAs(t, err, &ire)
	assert.Equal(t, 125, ire.ExitCode)
}

func TestSupervisor_MarkerMatchingIsCaseInsensitiveAndCleaned(t *testing.T) {
	s := &Supervisor{Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond}

	out, err := s.Run(context.Background(), shCommand(`printf 'progress\r\033[KRUNNING CELL 3\r\n' >&2`))
	require.NoError(t, err)
	assert.True(t, out.Started)
}

func TestSupervisor_MonitorStdout(t *testing.T) {
	s := &Supervisor{
		Timeout:       5 * time.Second,
		PollInterval:  10 * time.Millisecond,
		MonitorStdout: true,
		Markers:       []string{"GO"},
	}

	out, err := s.Run(context.Background(), shCommand(`echo go >&2`))
	require.Error(t, err)
	assert.Equal(t, StateIncomplete, out.State)

	out, err = s.Run(context.Background(), shCommand(`echo go`))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
}

func TestSupervisor_TimeoutKillsWholeGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	tracker := NewTracker()
	s := &Supervisor{
		Timeout:      300 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Grace:        200 * time.Millisecond,
		Tracker:      tracker,
		Logger:       zaptest.NewLogger(t),
	}

	script := `sleep 30 & echo $! > "` + pidFile + `"; echo "Executing cell 1" >&2; wait`
	start := time.Now()
	out, err := s.Run(context.Background(), shCommand(script))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, StateTimedOut, out.State)
	assert.GreaterOrEqual(t, out.ExecutionTime, 300*time.Millisecond)
	assert.Less(t, out.ExecutionTime, s.Timeout+2*s.PollInterval)
	assert.Less(t, time.Since(start), 5*time.Second)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 300*time.Millisecond, te.Limit)

	child := readPID(t, pidFile)
	assert.Eventually(t, func() bool { return pidGone(child) }, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, tracker.Live())
}

func TestSupervisor_LeaderExitKillsSurvivingGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	s := &Supervisor{
		PollInterval: 20 * time.Millisecond,
		Grace:        200 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	}

	script := `echo "executing cell" >&2; sleep 30 >/dev/null 2>&1 & echo $! > "` + pidFile + `"; exit 3`
	start := time.Now()
	out, err := s.Run(context.Background(), shCommand(script))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 3, out.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)

	child := readPID(t, pidFile)
	assert.Eventually(t, func() bool { return pidGone(child) }, time.Second, 10*time.Millisecond)
}

func TestSupervisor_TimeoutEscalatesToKill(t *testing.T) {
	s := &Supervisor{
		Timeout:      100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Grace:        100 * time.Millisecond,
	}

	start := time.Now()
	out, err := s.Run(context.Background(), shCommand(`trap '' TERM; echo "executing: main" >&2; while :; do sleep 0.05; done`))
	require.Error(t, err)
	assert.Equal(t, StateTimedOut, out.State)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSupervisor_NoTimeoutBeforeStartMarker(t *testing.T) {
	s := &Supervisor{Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}

	out, err := s.Run(context.Background(), shCommand(`sleep 0.3; echo "executing cell" >&2`))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
}

func TestSupervisor_Cancel(t *testing.T) {
	tracker := NewTracker()
	s := &Supervisor{
		Timeout:      time.Minute,
		PollInterval: 10 * time.Millisecond,
		Grace:        100 * time.Millisecond,
		Tracker:      tracker,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return len(tracker.Live()) == 1 }, 2*time.Second, 5*time.Millisecond)
		cancel()
	}()

	out, err := s.Run(ctx, shCommand(`echo "executing cell" >&2; sleep 30`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, StateInterrupted, out.State)
	assert.Empty(t, tracker.Live())
}

func TestSupervisor_LaunchError(t *testing.T) {
	s := &Supervisor{}

	out, err := s.Run(context.Background(), Command{Path: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	assert.True(t, IsLaunchError(err))
	assert.Equal(t, StateFailed, out.State)
}

func TestTracker_KillAll(t *testing.T) {
	tracker := NewTracker()
	s := &Supervisor{Timeout: time.Minute, PollInterval: 10 * time.Millisecond, Tracker: tracker}

	done := make(chan *Outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			out, _ := s.Run(context.Background(), shCommand(`trap '' TERM; echo "executing cell" >&2; while :; do sleep 0.05; done`))
			done <- out
		}()
	}
	require.Eventually(t, func() bool { return len(tracker.Live()) == 2 }, 2*time.Second, 5*time.Millisecond)

	killed := tracker.KillAll(context.Background(), 100*time.Millisecond)
	assert.Len(t, killed, 2)

	for i := 0; i < 2; i++ {
		select {
		case out := <-done:
			assert.True(t, out.State.Terminal())
			assert.Equal(t, -1, out.ExitCode)
		case <-time.After(5 * time.Second):
			t.Fatal("supervised process did not exit after KillAll")
		}
	}
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, (&Outcome{State: StateCompleted}).Err())
	assert.ErrorIs(t, (&Outcome{State: StateTimedOut}).Err(), ErrTimeout)
	assert.ErrorIs(t, (&Outcome{State: StateInterrupted}).Err(), ErrInterrupted)
	assert.True(t, IsIncomplete((&Outcome{State: StateIncomplete, ExitCode: 1}).Err()))
	assert.True(t, IsLaunchError((&Outcome{State: StateFailed}).Err()))
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "plain", StripANSI("plain"))
	assert.Equal(t, "red text", StripANSI("\x1b[31mred\x1b[0m text"))
	assert.Equal(t, "Executing cell 1", cleanLine("\r\x1b[KExecuting cell 1\r\n"))
}
