package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/internal/config"
	"github.com/3leaps/slotbatch/internal/observability"
	"github.com/3leaps/slotbatch/pkg/history"
	"github.com/3leaps/slotbatch/pkg/isolate"
	"github.com/3leaps/slotbatch/pkg/manifest"
	"github.com/3leaps/slotbatch/pkg/output"
	"github.com/3leaps/slotbatch/pkg/provider"
	"github.com/3leaps/slotbatch/pkg/provider/file"
	"github.com/3leaps/slotbatch/pkg/provider/s3"
	"github.com/3leaps/slotbatch/pkg/runregistry"
)

// batchOverrides are command-line adjustments applied after loading.
type batchOverrides struct {
	Slots   int
	Timeout time.Duration
	Events  string
}

// loadBatch loads, overrides and re-checks a batch manifest.
func loadBatch(path string, o batchOverrides) (*manifest.Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return nil, exitError(exitInvalidArgument, "Missing --batch", fmt.Errorf("a batch manifest is required"))
	}
	m, err := manifest.Load(path)
	if err != nil {
		code := exitInvalidArgument
		if errors.Is(err, fs.ErrNotExist) {
			code = exitFileNotFound
		}
		return nil, exitError(code, "Invalid batch manifest", err)
	}

	if o.Slots > 0 {
		m.Slots.Count = o.Slots
	}
	if o.Timeout > 0 {
		m.Execution.Timeout = manifest.Duration(o.Timeout)
	}
	if o.Events != "" {
		m.Output.Events = o.Events
	}
	if err := m.Check(); err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid batch manifest", err)
	}

	observability.CLILogger.Debug("Loaded batch manifest",
		zap.String("path", path),
		zap.Int("slots", m.Slots.Count),
		zap.String("programs", m.Programs.Dir))
	return m, nil
}

// buildMounter maps the manifest's mounter kind to an implementation.
func buildMounter(m *manifest.Manifest) (isolate.Mounter, error) {
	switch m.Isolation.Mounter {
	case manifest.MounterOverlay:
		return isolate.CommandMounter{Prefix: m.Isolation.PrivilegePrefix}, nil
	case manifest.MounterSyscall:
		return isolate.SyscallMounter{}, nil
	case manifest.MounterCopy:
		return isolate.CopyMounter{}, nil
	}
	return nil, fmt.Errorf("unknown mounter %q", m.Isolation.Mounter)
}

// buildSink opens the artifact sink, if one is configured.
func buildSink(ctx context.Context, cfg *manifest.SinkConfig) (provider.Sink, error) {
	if cfg == nil {
		return nil, nil
	}
	switch provider.ProviderType(cfg.Provider) {
	case provider.ProviderS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:         cfg.Bucket,
			Prefix:         cfg.Prefix,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			ForcePathStyle: cfg.ForcePathStyle,
			DiscoverRegion: cfg.DiscoverRegion,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case provider.ProviderFile:
		p, err := file.New(file.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown sink provider %q", cfg.Provider)
}

// historyConfig prefers the manifest's store, then the process config.
func historyConfig(m *manifest.Manifest) history.Config {
	var hc history.Config
	if cfg := config.GetConfig(); cfg != nil {
		hc = history.Config{Path: cfg.History.Path, URL: cfg.History.URL, AuthToken: cfg.History.AuthToken}
	}
	if m != nil && (m.History.Path != "" || m.History.URL != "") {
		token := hc.AuthToken
		hc = history.Config{Path: m.History.Path, URL: m.History.URL, AuthToken: token}
	}
	return hc
}

// openHistory opens and migrates the history store. It returns nil when
// none is configured.
func openHistory(ctx context.Context, hc history.Config) (*sql.DB, error) {
	if !hc.Enabled() {
		return nil, nil
	}
	db, err := history.Open(ctx, hc)
	if err != nil {
		return nil, err
	}
	if err := history.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// openEvents opens the event stream named by dest: "stdout", a file path,
// or empty for none.
func openEvents(dest, runID string) (output.Writer, io.Closer, error) {
	switch strings.TrimSpace(dest) {
	case "":
		return output.Discard, nopCloser{}, nil
	case "-", "stdout":
		return output.NewJSONLWriter(os.Stdout, runID), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return output.NewJSONLWriter(f, runID), f, nil
}

// runStore is the registry of foreground and background runs.
func runStore() *runregistry.Store {
	return runregistry.NewStore(runsDir())
}

func runsDir() string {
	if cfg := config.GetConfig(); cfg != nil && cfg.Runs.Dir != "" {
		return cfg.Runs.Dir
	}
	return filepath.Join(config.DataDir(), "runs")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
