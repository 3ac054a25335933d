package isolate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/3leaps/slotbatch/internal/fsutil"
)

// Mounter places a copy-on-write view of lower at target.
type Mounter interface {
	Mount(ctx context.Context, lower, upper, work, target string) error
	Unmount(ctx context.Context, target string, force bool) error
}

// Remover is implemented by mounters whose upper and work dirs may not be
// removable by the calling user.
type Remover interface {
	Remove(ctx context.Context, dir string) error
}

// OverlayOptions renders the overlayfs option string.
func OverlayOptions(lower, upper, work string) string {
	return "lowerdir=" + lower + ",upperdir=" + upper + ",workdir=" + work
}

// CommandMounter runs the mount(8) and umount(8) binaries, optionally
// behind a privilege prefix such as ["sudo", "-n"].
type CommandMounter struct {
	Prefix    []string
	MountBin  string
	UmountBin string
}

func (m CommandMounter) argv(bin string, args ...string) []string {
	out := append([]string(nil), m.Prefix...)
	out = append(out, bin)
	return append(out, args...)
}

// MountArgv is the command Mount runs.
func (m CommandMounter) MountArgv(lower, upper, work, target string) []string {
	bin := m.MountBin
	if bin == "" {
		bin = "mount"
	}
	return m.argv(bin, "-t", "overlay", "overlay", "-o", OverlayOptions(lower, upper, work), target)
}

// UnmountArgv is the command Unmount runs.
func (m CommandMounter) UnmountArgv(target string, force bool) []string {
	bin := m.UmountBin
	if bin == "" {
		bin = "umount"
	}
	if force {
		return m.argv(bin, "-f", "-l", target)
	}
	return m.argv(bin, target)
}

// RemoveArgv is the command Remove runs when a Prefix is set.
func (m CommandMounter) RemoveArgv(dir string) []string {
	return m.argv("rm", "-rf", "--", dir)
}

func (m CommandMounter) Mount(ctx context.Context, lower, upper, work, target string) error {
	return run(ctx, m.MountArgv(lower, upper, work, target))
}

func (m CommandMounter) Unmount(ctx context.Context, target string, force bool) error {
	err := run(ctx, m.UnmountArgv(target, force))
	if err != nil && isNotMounted(err.Error()) {
		return nil
	}
	return err
}

// Remove deletes dir with the same privileges as Mount.
func (m CommandMounter) Remove(ctx context.Context, dir string) error {
	if len(m.Prefix) == 0 {
		return os.RemoveAll(dir)
	}
	if _, err := os.Lstat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return run(ctx, m.RemoveArgv(dir))
}

func run(ctx context.Context, argv []string) error {
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	if err := c.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
	}
	return nil
}

func isNotMounted(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not mounted") ||
		strings.Contains(msg, "no mount point") ||
		strings.Contains(msg, "no such file or directory")
}

// CopyMounter stands in for overlayfs where it is unavailable: the dataset
// is copied into the target, so writes never reach the shared tree but
// nothing is shared either.
type CopyMounter struct{}

func (CopyMounter) Mount(_ context.Context, lower, _, _, target string) error {
	info, err := os.Stat(lower)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("dataset %s is not a directory", lower)
	}
	return fsutil.CopyTree(lower, target)
}

func (CopyMounter) Unmount(context.Context, string, bool) error { return nil }
