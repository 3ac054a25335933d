// Package artifact moves what a job produced into its output tree and
// mirrors it to an optional sink.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/internal/fsutil"
	"github.com/3leaps/slotbatch/pkg/job"
	"github.com/3leaps/slotbatch/pkg/provider"
	"github.com/3leaps/slotbatch/pkg/resultstore"
)

// DefaultPattern selects submission files.
const DefaultPattern = "*.csv"

const (
	sinkAttempts = 3
	sinkDelay    = 500 * time.Millisecond
)

// Config controls collection.
type Config struct {
	// Pattern is a doublestar pattern relative to the scanned directory.
	Pattern string

	// ArtifactsDir, when set, receives a flat copy of every artifact.
	ArtifactsDir string

	// ProgramsDir, when set, receives a copy of every executed program.
	ProgramsDir string

	// Sink, when set, receives every artifact under <group>/<name>.
	Sink provider.Sink
}

// Collector gathers artifacts for finished jobs. It is safe for
// concurrent use by multiple slot workers.
type Collector struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a Collector.
func New(cfg Config, logger *zap.Logger) (*Collector, error) {
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(cfg.Pattern) {
		return nil, fmt.Errorf("invalid artifact pattern %q", cfg.Pattern)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{cfg: cfg, logger: logger}, nil
}

// Snapshot is the set of matching files present before a run.
type Snapshot map[string]struct{}

// Snapshot lists files in dir matching the pattern.
func (c *Collector) Snapshot(dir string) (Snapshot, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), c.cfg.Pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	snap := make(Snapshot, len(matches))
	for _, m := range matches {
		snap[m] = struct{}{}
	}
	return snap, nil
}

// Collection reports where things went.
type Collection struct {
	Program   string
	Artifacts []string
	Mirrored  []string
}

// Collect copies the executed program back next to the job's result,
// moves every artifact that appeared in workDir since before into the
// output dir renamed after the job, and mirrors it. Failures after the
// first successful move are recorded in res rather than returned.
func (c *Collector) Collect(ctx context.Context, j job.Job, workDir string, before Snapshot, res *resultstore.Result) (*Collection, error) {
	out := &Collection{}
	log := c.logger.With(zap.String("job_id", j.ID))

	if err := os.MkdirAll(j.OutputDir, 0o755); err != nil {
		return out, fmt.Errorf("create output dir: %w", err)
	}

	program := filepath.Join(workDir, j.ProgramName())
	if _, err := os.Stat(program); err == nil {
		dest := filepath.Join(j.OutputDir, j.ProgramName())
		if err := fsutil.CopyFile(program, dest); err != nil {
			res.AddError(fmt.Sprintf("copy program back: %v", err))
		} else {
			out.Program = dest
		}
		if c.cfg.ProgramsDir != "" {
			if err := fsutil.CopyFile(program, filepath.Join(c.cfg.ProgramsDir, j.ProgramName())); err != nil {
				log.Warn("Copy program to programs dir", zap.Error(err))
			}
		}
	}

	after, err := c.Snapshot(workDir)
	if err != nil {
		return out, err
	}
	var fresh []string
	for m := range after {
		if _, seen := before[m]; !seen {
			fresh = append(fresh, m)
		}
	}
	sort.Strings(fresh)

	exts := make(map[string]int)
	for _, rel := range fresh {
		ext := filepath.Ext(rel)
		name := j.ID + ext
		if n := exts[ext]; n > 0 {
			name = j.ID + "_" + strconv.Itoa(n) + ext
		}
		exts[ext]++

		dest := filepath.Join(j.OutputDir, name)
		if err := fsutil.Move(filepath.Join(workDir, filepath.FromSlash(rel)), dest); err != nil {
			res.AddError(fmt.Sprintf("move artifact %s: %v", rel, err))
			continue
		}
		out.Artifacts = append(out.Artifacts, dest)
		log.Info("Artifact collected", zap.String("artifact", dest))

		if c.cfg.ArtifactsDir != "" {
			if err := fsutil.CopyFile(dest, filepath.Join(c.cfg.ArtifactsDir, name)); err != nil {
				res.AddError(fmt.Sprintf("copy artifact to %s: %v", c.cfg.ArtifactsDir, err))
			}
		}
		if c.cfg.Sink != nil {
			key := path.Join(j.Group, name)
			if err := c.mirror(ctx, dest, key); err != nil {
				log.Warn("Artifact mirror failed", zap.String("key", key), zap.Error(err))
				res.AddError(fmt.Sprintf("mirror artifact: %v", err))
			} else {
				out.Mirrored = append(out.Mirrored, c.cfg.Sink.Location(key))
			}
		}
	}

	if len(out.Artifacts) > 0 {
		res.SetArtifact(out.Artifacts[0])
	}
	return out, nil
}

// mirror uploads src and confirms the stored size.
func (c *Collector) mirror(ctx context.Context, src, key string) error {
	return retry.Do(
		func() error {
			f, err := os.Open(src)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			if err := c.cfg.Sink.PutObject(ctx, key, f, info.Size()); err != nil {
				return err
			}
			meta, err := c.cfg.Sink.Head(ctx, key)
			if err != nil {
				return err
			}
			if meta.Size != info.Size() {
				return fmt.Errorf("%w: %s has %d bytes, sent %d", provider.ErrSizeMismatch, key, meta.Size, info.Size())
			}
			return nil
		},
		retry.Attempts(sinkAttempts),
		retry.Delay(sinkDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(provider.IsRetryable),
	)
}
