package supervise

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks.
var (
	ErrLaunch      = errors.New("launch failed")
	ErrTimeout     = errors.New("execution timed out")
	ErrIncomplete  = errors.New("exited before start marker")
	ErrInterrupted = errors.New("interrupted")
)

// LaunchError means the child process could not be started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() []error { return []error{ErrLaunch, e.Err} }

// TimeoutError means execution exceeded the budget measured from the start
// marker.
type TimeoutError struct {
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %.1fs (limit %s)", e.Elapsed.Seconds(), e.Limit)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// IncompleteRunError means the process exited without ever emitting a
// start marker, which usually points at an environment or bootstrap
// failure rather than a slow job.
type IncompleteRunError struct {
	ExitCode int
}

func (e *IncompleteRunError) Error() string {
	return fmt.Sprintf("process exited with code %d before emitting a start marker", e.ExitCode)
}

func (e *IncompleteRunError) Unwrap() error { return ErrIncomplete }

// IsLaunchError reports whether err is a launch failure.
func IsLaunchError(err error) bool { return errors.Is(err, ErrLaunch) }

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsIncomplete reports whether err is an incomplete run.
func IsIncomplete(err error) bool { return errors.Is(err, ErrIncomplete) }
