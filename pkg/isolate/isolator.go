// Package isolate gives each job a private copy-on-write view of its
// dataset plus a scratch working directory holding only the program.
package isolate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/internal/fsutil"
	"github.com/3leaps/slotbatch/pkg/job"
)

const (
	DefaultReadyTimeout  = 30 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultMountAttempts = 2

	openMode = 0o777
)

// Config controls where views live and how readiness is judged.
type Config struct {
	ScratchRoot string
	// ReadyPath, relative to the mount target, must exist as a directory
	// before the view counts as ready. Empty means "target is non-empty".
	ReadyPath     string
	ReadyTimeout  time.Duration
	PollInterval  time.Duration
	MountAttempts uint
}

// Isolator prepares and tears down per-job views.
type Isolator struct {
	cfg     Config
	mounter Mounter
	logger  *zap.Logger
}

// New returns an Isolator. A nil logger disables logging.
func New(cfg Config, mounter Mounter, logger *zap.Logger) (*Isolator, error) {
	if strings.TrimSpace(cfg.ScratchRoot) == "" {
		return nil, fmt.Errorf("scratch root is required")
	}
	if mounter == nil {
		return nil, fmt.Errorf("mounter is required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MountAttempts == 0 {
		cfg.MountAttempts = DefaultMountAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Isolator{cfg: cfg, mounter: mounter, logger: logger}, nil
}

// View is one job's isolated filesystem.
type View struct {
	Root    string
	Work    string
	Upper   string
	OvlWork string
	Target  string
	// Program is the program's path inside Work.
	Program string

	iso     *Isolator
	mu      sync.Mutex
	mounted bool
	closed  bool
}

// Close tears the view down. Safe to call more than once.
func (v *View) Close() error {
	if v == nil || v.iso == nil {
		return nil
	}
	return v.iso.Teardown(context.Background(), v)
}

// Prepare builds the view for j on slot. On error everything created so
// far is removed again.
func (i *Isolator) Prepare(ctx context.Context, slot int, j job.Job) (*View, error) {
	name := fmt.Sprintf("slot%d_%s_%s", slot, safeName(j.ID), uuid.NewString()[:8])
	root := filepath.Join(i.cfg.ScratchRoot, name)
	v := &View{
		Root:    root,
		Work:    filepath.Join(root, "work"),
		Upper:   filepath.Join(root, "upper"),
		OvlWork: filepath.Join(root, "ovlwork"),
		Target:  filepath.Join(root, "mnt"),
		iso:     i,
	}

	if err := i.prepare(ctx, v, j); err != nil {
		if terr := i.Teardown(context.WithoutCancel(ctx), v); terr != nil {
			i.logger.Warn("Cleanup after failed prepare", zap.String("root", root), zap.Error(terr))
		}
		return nil, err
	}
	return v, nil
}

func (i *Isolator) prepare(ctx context.Context, v *View, j job.Job) error {
	for _, dir := range []string{v.Root, v.Work, v.Upper, v.OvlWork, v.Target} {
		if err := fsutil.MkdirOpen(dir, openMode); err != nil {
			return wrap("mkdir", dir, err)
		}
	}

	if j.ProgramPath != "" {
		v.Program = filepath.Join(v.Work, filepath.Base(j.ProgramPath))
		if err := fsutil.CopyFile(j.ProgramPath, v.Program); err != nil {
			return wrap("copy program", j.ProgramPath, err)
		}
		// The job runs as another user and rewrites the program in place.
		info, err := os.Stat(v.Program)
		if err != nil {
			return wrap("stat program", v.Program, err)
		}
		if err := os.Chmod(v.Program, info.Mode().Perm()|0o666); err != nil {
			return wrap("chmod program", v.Program, err)
		}
	}

	if err := i.mount(ctx, j.DatasetPath, v); err != nil {
		return err
	}
	return i.waitReady(ctx, v)
}

func (i *Isolator) mount(ctx context.Context, lower string, v *View) error {
	if _, err := os.Stat(lower); err != nil {
		return wrap("dataset", lower, err)
	}

	err := retry.Do(
		func() error {
			return i.mounter.Mount(ctx, lower, v.Upper, v.OvlWork, v.Target)
		},
		retry.Attempts(i.cfg.MountAttempts),
		retry.Delay(i.cfg.PollInterval),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			i.logger.Warn("Mount failed, forcing unmount before retry",
				zap.String("target", v.Target),
				zap.Uint("attempt", n+1),
				zap.Error(err))
			if uerr := i.mounter.Unmount(ctx, v.Target, true); uerr != nil {
				i.logger.Debug("Forced unmount before retry", zap.Error(uerr))
			}
		}),
	)
	if err != nil {
		return wrap("mount", v.Target, err)
	}

	v.mu.Lock()
	v.mounted = true
	v.mu.Unlock()
	return nil
}

func (i *Isolator) waitReady(ctx context.Context, v *View) error {
	ready := func() bool {
		if i.cfg.ReadyPath != "" {
			info, err := os.Stat(filepath.Join(v.Target, i.cfg.ReadyPath))
			return err == nil && info.IsDir()
		}
		empty, err := fsutil.IsEmptyDir(v.Target)
		return err == nil && !empty
	}
	if ready() {
		return nil
	}

	deadline := time.NewTimer(i.cfg.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(i.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return wrap("wait ready", v.Target, ctx.Err())
		case <-deadline.C:
			return wrap("wait ready", v.Target, fmt.Errorf("not populated after %s", i.cfg.ReadyTimeout))
		case <-tick.C:
			if ready() {
				return nil
			}
		}
	}
}

// Teardown unmounts the view and removes its directories. Missing paths
// and already-unmounted targets are not errors. A second call is a no-op.
func (i *Isolator) Teardown(ctx context.Context, v *View) error {
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true

	var errs error
	if v.mounted {
		if err := i.mounter.Unmount(ctx, v.Target, false); err != nil {
			i.logger.Debug("Unmount failed, forcing", zap.String("target", v.Target), zap.Error(err))
			if ferr := i.mounter.Unmount(ctx, v.Target, true); ferr != nil {
				errs = multierr.Append(errs, wrap("unmount", v.Target, ferr))
			}
		}
		if errs == nil {
			v.mounted = false
		}
	}

	for _, dir := range []string{v.Work, v.Upper, v.OvlWork, v.Target} {
		if dir == v.Target && v.mounted {
			// Still mounted: removing would descend into the overlay.
			continue
		}
		if err := i.remove(ctx, v, dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, wrap("remove", dir, err))
		}
	}
	if !v.mounted {
		if err := os.Remove(v.Root); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, wrap("remove", v.Root, err))
		}
	}
	return errs
}

// remove deletes dir. upper and ovlwork hold files owned by whoever did the
// mount, so they go through the mounter when it can remove them.
func (i *Isolator) remove(ctx context.Context, v *View, dir string) error {
	if r, ok := i.mounter.(Remover); ok && (dir == v.Upper || dir == v.OvlWork) {
		return r.Remove(ctx, dir)
	}
	return os.RemoveAll(dir)
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
