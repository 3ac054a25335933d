package isolate

import (
	"errors"
	"fmt"
)

// ErrIsolation is matched by every IsolationError.
var ErrIsolation = errors.New("isolation failed")

// IsolationError reports a failed isolation step.
type IsolationError struct {
	Op   string
	Path string
	Err  error
}

func (e *IsolationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("isolate %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("isolate %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IsolationError) Unwrap() []error { return []error{ErrIsolation, e.Err} }

// IsIsolationError reports whether err came from the isolator.
func IsIsolationError(err error) bool { return errors.Is(err, ErrIsolation) }

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IsolationError{Op: op, Path: path, Err: err}
}
