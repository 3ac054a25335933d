package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/internal/observability"
)

// Exit codes used by the commands.
var (
	exitInvalidArgument = int(foundry.ExitInvalidArgument)
	exitFileNotFound    = int(foundry.ExitFileNotFound)
	exitFileReadError   = int(foundry.ExitFileReadError)
	exitFileWriteError  = int(foundry.ExitFileWriteError)
	exitUnavailable     = int(foundry.ExitExternalServiceUnavailable)
	exitSignalInt       = int(foundry.ExitSignalInt)
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError logs msg and returns an ExitError with code.
func exitError(code int, msg string, err error) error {
	observability.CLILogger.Error(msg, zap.Int("exit_code", code), zap.Error(err))
	return &ExitError{Code: code, Message: msg, Err: err}
}
