package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/slotbatch/pkg/job"
	"github.com/3leaps/slotbatch/pkg/provider"
	"github.com/3leaps/slotbatch/pkg/provider/file"
	"github.com/3leaps/slotbatch/pkg/resultstore"
)

func setup(t *testing.T) (job.Job, string) {
	t.Helper()
	base := t.TempDir()
	work := filepath.Join(base, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "titanic_00_v1_x.ipynb"), []byte(`{"cells":[]}`), 0o644))

	return job.Job{
		ID:          "titanic_00_v1_x",
		Group:       "titanic",
		ProgramPath: filepath.Join(base, "programs", "titanic_00_v1_x.ipynb"),
		OutputDir:   filepath.Join(base, "results", "titanic", "00", "v1"),
	}, work
}

func TestCollect_MovesNewArtifacts(t *testing.T) {
	j, work := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(work, "old.csv"), []byte("stale"), 0o644))

	base := filepath.Dir(work)
	sink, err := file.New(file.Config{BaseDir: filepath.Join(base, "mirror")})
	require.NoError(t, err)

	c, err := New(Config{
		ArtifactsDir: filepath.Join(base, "all_csv"),
		ProgramsDir:  filepath.Join(base, "all_programs"),
		Sink:         sink,
	}, nil)
	require.NoError(t, err)

	before, err := c.Snapshot(work)
	require.NoError(t, err)
	assert.Len(t, before, 1)

	// The program writes its submission.
	require.NoError(t, os.WriteFile(filepath.Join(work, "submission.csv"), []byte("id,y\n1,1\n"), 0o644))

	res := &resultstore.Result{}
	got, err := c.Collect(context.Background(), j, work, before, res)
	require.NoError(t, err)

	dest := filepath.Join(j.OutputDir, "titanic_00_v1_x.csv")
	assert.Equal(t, []string{dest}, got.Artifacts)
	assert.True(t, res.HasArtifact())
	assert.Equal(t, dest, *res.Output)
	assert.Nil(t, res.Error)

	assert.NoFileExists(t, filepath.Join(work, "submission.csv"))
	assert.FileExists(t, filepath.Join(work, "old.csv"))
	assert.FileExists(t, filepath.Join(base, "all_csv", "titanic_00_v1_x.csv"))
	assert.FileExists(t, filepath.Join(base, "mirror", "titanic", "titanic_00_v1_x.csv"))
	assert.Equal(t, []string{filepath.Join(base, "mirror", "titanic", "titanic_00_v1_x.csv")}, got.Mirrored)

	assert.Equal(t, filepath.Join(j.OutputDir, "titanic_00_v1_x.ipynb"), got.Program)
	assert.FileExists(t, filepath.Join(base, "all_programs", "titanic_00_v1_x.ipynb"))
}

func TestCollect_NoArtifact(t *testing.T) {
	j, work := setup(t)
	c, err := New(Config{}, nil)
	require.NoError(t, err)

	before, err := c.Snapshot(work)
	require.NoError(t, err)

	res := &resultstore.Result{}
	got, err := c.Collect(context.Background(), j, work, before, res)
	require.NoError(t, err)
	assert.Empty(t, got.Artifacts)
	assert.False(t, res.HasArtifact())
	assert.FileExists(t, filepath.Join(j.OutputDir, "titanic_00_v1_x.ipynb"))
}

func TestCollect_SeveralArtifactsKeepDistinctNames(t *testing.T) {
	j, work := setup(t)
	c, err := New(Config{Pattern: "**/*.csv"}, nil)
	require.NoError(t, err)

	before, err := c.Snapshot(work)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(work, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "a.csv"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "sub", "b.csv"), []byte("b"), 0o644))

	res := &resultstore.Result{}
	got, err := c.Collect(context.Background(), j, work, before, res)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(j.OutputDir, "titanic_00_v1_x.csv"),
		filepath.Join(j.OutputDir, "titanic_00_v1_x_1.csv"),
	}, got.Artifacts)
}

type flakySink struct {
	mu    sync.Mutex
	fails int
	puts  int
	err   error
	data  map[string][]byte
}

func (f *flakySink) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.puts <= f.fails {
		return f.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	f.data[key] = b
	return nil
}

func (f *flakySink) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &provider.ObjectMeta{Key: key, Size: int64(len(b))}, nil
}

func (f *flakySink) Location(key string) string { return "mem://" + key }
func (f *flakySink) Close() error               { return nil }

func TestCollect_SinkRetriesThrottling(t *testing.T) {
	j, work := setup(t)
	sink := &flakySink{fails: 1, err: &provider.ProviderError{Op: "PutObject", Err: provider.ErrThrottled}}
	c, err := New(Config{Sink: sink}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(work, "s.csv"), []byte("x"), 0o644))
	res := &resultstore.Result{}
	got, err := c.Collect(context.Background(), j, work, Snapshot{}, res)
	require.NoError(t, err)
	assert.Equal(t, 2, sink.puts)
	assert.Equal(t, []string{"mem://titanic/titanic_00_v1_x.csv"}, got.Mirrored)
	assert.Nil(t, res.Error)
}

func TestCollect_SinkFailureRecordedNotFatal(t *testing.T) {
	j, work := setup(t)
	sink := &flakySink{fails: 10, err: &provider.ProviderError{Op: "PutObject", Err: provider.ErrAccessDenied}}
	c, err := New(Config{Sink: sink}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(work, "s.csv"), []byte("x"), 0o644))
	res := &resultstore.Result{}
	_, err = c.Collect(context.Background(), j, work, Snapshot{}, res)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.puts)
	assert.True(t, res.HasArtifact())
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, "access denied")
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(Config{Pattern: "[unclosed"}, nil)
	assert.Error(t, err)
}

func TestSnapshot_MissingDir(t *testing.T) {
	c, err := New(Config{}, nil)
	require.NoError(t, err)
	_, err = c.Snapshot(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, err == nil || errors.Is(err, os.ErrNotExist))
}
