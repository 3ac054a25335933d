//go:build !linux

package isolate

import (
	"context"
	"errors"
)

var errNoOverlay = errors.New("overlayfs requires linux")

// SyscallMounter is only functional on linux.
type SyscallMounter struct{}

func (SyscallMounter) Mount(context.Context, string, string, string, string) error {
	return errNoOverlay
}

func (SyscallMounter) Unmount(context.Context, string, bool) error { return nil }
