//go:build !unix

package supervise

import (
	"errors"
	"os/exec"
	"syscall"
)

var errUnsupported = errors.New("process groups are not supported on this platform")

func setProcessGroup(*exec.Cmd) {}

func signalGroup(int, syscall.Signal) error { return errUnsupported }

func groupAlive(int) bool { return false }
