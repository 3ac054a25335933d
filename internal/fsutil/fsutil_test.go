package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFile_PreservesMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Chmod(src, 0o751))

	dst := filepath.Join(dir, "out", "nested", "run.sh")
	require.NoError(t, CopyFile(src, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o751), info.Mode().Perm())

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.csv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "b", "deep.csv"), []byte("y"), 0o600))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, CopyTree(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "a", "b", "deep.csv"))
	require.NoError(t, err)
	assert.Equal(t, "y", string(data))
	assert.FileExists(t, filepath.Join(dst, "top.csv"))
}

func TestCopyTree_KeepsExistingDestinationMode(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.Chmod(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "train.csv"), []byte("x"), 0o644))

	dst := filepath.Join(t.TempDir(), "mnt")
	require.NoError(t, MkdirOpen(dst, 0o777))
	require.NoError(t, CopyTree(src, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())
	assert.FileExists(t, filepath.Join(dst, "train.csv"))
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(src, []byte("1"), 0o644))

	dst := filepath.Join(dir, "x", "b.csv")
	require.NoError(t, Move(src, dst))
	assert.NoFileExists(t, src)
	assert.FileExists(t, dst)
}

func TestMkdirOpenIgnoresUmask(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "open")
	require.NoError(t, MkdirOpen(dir, 0o777))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())
}

func TestIsEmptyDir(t *testing.T) {
	dir := t.TempDir()
	empty, err := IsEmptyDir(dir)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0o644))
	empty, err = IsEmptyDir(dir)
	require.NoError(t, err)
	assert.False(t, empty)

	_, err = IsEmptyDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
