//go:build linux

package isolate

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
)

// SyscallMounter mounts overlayfs with mount(2) directly. It needs
// CAP_SYS_ADMIN; use CommandMounter with a privilege prefix otherwise.
type SyscallMounter struct{}

func (SyscallMounter) Mount(_ context.Context, lower, upper, work, target string) error {
	return unix.Mount("overlay", target, "overlay", 0, OverlayOptions(lower, upper, work))
}

func (SyscallMounter) Unmount(_ context.Context, target string, force bool) error {
	flags := 0
	if force {
		flags = unix.MNT_FORCE | unix.MNT_DETACH
	}
	err := unix.Unmount(target, flags)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}
