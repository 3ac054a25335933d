package runregistry

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	rec := &RunRecord{
		RunID:     "run-1",
		Name:      "nightly",
		State:     RunStateSuccess,
		BatchPath: "/tmp/batch.yaml",
		Slots:     4,
		CreatedAt: now,
		StartedAt: &now,
		Counts:    &Counts{Jobs: 10, Artifacts: 8, Timeouts: 2},
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, RunStateSuccess, got.State)
	require.NotNil(t, got.Counts)
	assert.Equal(t, 8, got.Counts.Artifacts)
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write(&RunRecord{RunID: "run-1", State: RunStateSuccess, CreatedAt: t1, StartedAt: &t1}))
	require.NoError(t, s.Write(&RunRecord{RunID: "run-2", State: RunStateSuccess, CreatedAt: t2, StartedAt: &t2}))

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-2", got[0].RunID)
}

func TestStore_DeadPIDBecomesUnknown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal 0 probing is unix-only")
	}
	s := NewStore(t.TempDir())

	c := exec.Command("true")
	require.NoError(t, c.Run())

	require.NoError(t, s.Write(&RunRecord{RunID: "run-1", State: RunStateRunning, PID: c.Process.Pid, CreatedAt: time.Now()}))
	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, got.State)
	assert.NotNil(t, got.LastHeartbeat)
}

func TestStore_Resolve(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now()
	require.NoError(t, s.Write(&RunRecord{RunID: "abc123", State: RunStateSuccess, CreatedAt: now}))
	require.NoError(t, s.Write(&RunRecord{RunID: "abd456", State: RunStateSuccess, CreatedAt: now}))

	id, err := s.Resolve("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	id, err = s.Resolve("abd456")
	require.NoError(t, err)
	assert.Equal(t, "abd456", id)

	_, err = s.Resolve("ab")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = s.Resolve("zzz")
	assert.ErrorContains(t, err, "not found")
}

func TestStore_Finish(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(&RunRecord{RunID: "run-1", State: RunStateSuccess, CreatedAt: time.Now()}))

	require.NoError(t, s.Finish("run-1", RunStatePartial, &Counts{Jobs: 3, Timeouts: 1}))
	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatePartial, got.State)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, 1, got.Counts.Timeouts)
}

func TestExecutor_StartAndStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	batch := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(batch, []byte("version: 1\n"), 0o644))

	// A stand-in executable that ignores its arguments and stays alive.
	exe := filepath.Join(dir, "fake-slotbatch")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	e := NewExecutor(filepath.Join(dir, "runs"))
	e.Exe = exe

	rec, err := e.StartRunBackground(batch, BackgroundOptions{Name: "demo", Dedupe: true})
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, rec.State)
	assert.Greater(t, rec.PID, 0)
	assert.FileExists(t, e.StdoutPath(rec.RunID))

	_, err = e.StartRunBackground(batch, BackgroundOptions{Dedupe: true})
	assert.ErrorContains(t, err, "duplicate running run")

	forced, err := e.Stop(rec.RunID, false, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, forced)

	got, err := e.Store().Get(rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStateStopped, got.State)
	assert.NotNil(t, got.EndedAt)

	_, err = e.Stop(rec.RunID, false, time.Second)
	assert.ErrorContains(t, err, "not running")
}
