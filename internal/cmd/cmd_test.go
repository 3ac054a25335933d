package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/slotbatch/pkg/isolate"
	"github.com/3leaps/slotbatch/pkg/manifest"
	"github.com/3leaps/slotbatch/pkg/orchestrator"
	"github.com/3leaps/slotbatch/pkg/output"
	"github.com/3leaps/slotbatch/pkg/provider"
	"github.com/3leaps/slotbatch/pkg/provider/file"
	"github.com/3leaps/slotbatch/pkg/resultstore"
	"github.com/3leaps/slotbatch/pkg/runregistry"
)

// batchDir lays out programs and datasets for ids and writes a manifest
// that runs script for every job. It returns the manifest path.
func batchDir(t *testing.T, ids []string, script string) string {
	t.Helper()
	dir := t.TempDir()
	programs := filepath.Join(dir, "programs")
	datasets := filepath.Join(dir, "datasets")
	require.NoError(t, os.MkdirAll(programs, 0o755))
	for _, id := range ids {
		require.NoError(t, os.WriteFile(filepath.Join(programs, id+".ipynb"), []byte(`{"cells":[]}`), 0o644))
		group := strings.SplitN(id, "_", 2)[0]
		require.NoError(t, os.MkdirAll(filepath.Join(datasets, group), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(datasets, group, "train.csv"), []byte("x\n"), 0o644))
	}
	if script == "" {
		script = `echo "Executing notebook" >&2; echo id > {workdir}/submission.csv`
	}
	cmdJSON, err := json.Marshal([]string{"/bin/sh", "-c", script})
	require.NoError(t, err)

	body := `version: "1.0"
slots:
  count: 2
programs:
  dir: ` + programs + `
datasets:
  root: ` + datasets + `
execution:
  command: ` + string(cmdJSON) + `
  timeout: 10s
  poll_interval: 10ms
  grace: 100ms
isolation:
  mounter: copy
  scratch_root: ` + filepath.Join(dir, "scratch") + `
output:
  results_dir: ` + filepath.Join(dir, "results") + `
`
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func writeMerged(t *testing.T, results resultstore.Results) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.json")
	data, err := json.Marshal(results)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func sampleResults() resultstore.Results {
	done := &resultstore.Result{}
	done.SetArtifact("/out/titanic_00_v1_a.csv")
	done.SetExecutionTime(12)
	done.SetProcessTime(14)

	slow := &resultstore.Result{}
	slow.SetArtifact("/out/house_00_v1_a.csv")
	slow.SetExecutionTime(90)
	slow.SetProcessTime(95)

	timedOut := &resultstore.Result{}
	timedOut.SetTimedOut(600)
	timedOut.SetProcessTime(610)

	failed := &resultstore.Result{}
	failed.AddError("Traceback: boom")
	failed.SetProcessTime(3)

	return resultstore.Results{
		"titanic_00_v1_a": done,
		"house_00_v1_a":   slow,
		"house_01_v1_b":   timedOut,
		"digits_00_v1_a":  failed,
	}
}

func TestResultsSummary(t *testing.T) {
	path := writeMerged(t, sampleResults())

	out, err := execute(t, "results", "summary", path)
	require.NoError(t, err)
	assert.Contains(t, out, "total=4 completed=2 timed_out=1 failed=1")

	out, err = execute(t, "results", "summary", path, "--json")
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 4, got["total"])
	assert.Equal(t, 1, got["timed_out"])
}

func TestResultsSummary_Missing(t *testing.T) {
	_, err := execute(t, "results", "summary", filepath.Join(t.TempDir(), "nope.json"))
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitFileNotFound, ee.Code)
}

func TestResultsTimeouts(t *testing.T) {
	path := writeMerged(t, sampleResults())

	out, err := execute(t, "results", "timeouts", path)
	require.NoError(t, err)
	assert.Equal(t, "house_01_v1_b\n", out)

	out, err = execute(t, "results", "timeouts", path, "--threshold", "1m")
	require.NoError(t, err)
	assert.Equal(t, "house_00_v1_a\nhouse_01_v1_b\n", out)
}

func TestPlanCommand(t *testing.T) {
	batch := batchDir(t, []string{"titanic_00_v1_a", "titanic_01_v1_b", "house_00_v1_a"}, "")

	out, err := execute(t, "plan", "--batch", batch)
	require.NoError(t, err)
	assert.Contains(t, out, "SLOT")
	assert.Contains(t, out, "cost_source=")
	assert.Contains(t, out, "jobs=3")
	assert.Contains(t, out, "warning: NO_HISTORY")

	out, err = execute(t, "plan", "--batch", batch, "--json", "--slots", "3")
	require.NoError(t, err)
	plans := 0
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var r output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		if r.Type == output.TypePlan {
			plans++
		}
	}
	assert.Equal(t, 3, plans)
}

func TestPlanCommand_BadBatch(t *testing.T) {
	_, err := execute(t, "plan", "--batch", filepath.Join(t.TempDir(), "missing.yaml"))
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitFileNotFound, ee.Code)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"1.0\"\nbogus: true\n"), 0o644))
	_, err = execute(t, "plan", "--batch", bad)
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitInvalidArgument, ee.Code)
}

func TestHistoryIngestAndCosts(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	merged := writeMerged(t, sampleResults())

	out, err := execute(t, "history", "ingest", merged, "--path", db, "--run-id", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "run_id=r1 rows=4")

	out, err = execute(t, "history", "costs", "--path", db)
	require.NoError(t, err)
	assert.Contains(t, out, "GROUP")
	assert.Contains(t, out, "titanic")
	assert.Contains(t, out, "14s")

	out, err = execute(t, "history", "costs", "--path", db, "--json")
	require.NoError(t, err)
	var stats []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Len(t, stats, 3)
}

func TestHistory_NoStore(t *testing.T) {
	_, err := execute(t, "history", "costs")
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitInvalidArgument, ee.Code)
}

func TestRunsCommands_Empty(t *testing.T) {
	t.Setenv("SLOTBATCH_RUNS_DIR", t.TempDir())

	out, err := execute(t, "runs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found")

	_, err = execute(t, "runs", "show", "nope")
	require.Error(t, err)
}

func TestRunsShowAndLogs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SLOTBATCH_RUNS_DIR", dir)

	executor := runregistry.NewExecutor(dir)
	store := executor.Store()
	now := time.Now().UTC()
	rec := &runregistry.RunRecord{
		RunID:     "4f1c2d3e-0000-0000-0000-000000000000",
		Name:      "nightly",
		State:     runregistry.RunStateSuccess,
		CreatedAt: now,
		StartedAt: &now,
		Slots:     2,
	}
	require.NoError(t, store.Write(rec))
	require.NoError(t, os.MkdirAll(store.RunDir(rec.RunID), 0o755))
	require.NoError(t, os.WriteFile(executor.StderrPath(rec.RunID), []byte("one\ntwo\nthree\n"), 0o644))

	out, err := execute(t, "runs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "4f1c2d3e")
	assert.Contains(t, out, "nightly")

	out, err = execute(t, "runs", "show", "4f1c")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "nightly"`)

	out, err = execute(t, "runs", "logs", "4f1c", "--tail", "2")
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", out)
}

func TestPrintTail(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printTail(&buf, strings.NewReader("a\nb\nc\nd\n"), 2))
	assert.Equal(t, "c\nd\n", buf.String())

	buf.Reset()
	require.NoError(t, printTail(&buf, strings.NewReader("a\nb\n"), 0))
	assert.Equal(t, "a\nb\n", buf.String())
}

func TestRunState(t *testing.T) {
	ctx := context.Background()
	ok := &orchestrator.RunReport{Merge: &orchestrator.MergeReport{Summary: resultstore.Summary{Total: 2, Completed: 2}}}
	partial := &orchestrator.RunReport{Merge: &orchestrator.MergeReport{Summary: resultstore.Summary{Total: 2, Completed: 1, TimedOut: 1}}}
	skipped := &orchestrator.RunReport{Merge: &orchestrator.MergeReport{}, Skipped: []string{"x"}}

	assert.Equal(t, runregistry.RunStateSuccess, runState(ctx, ok, nil))
	assert.Equal(t, runregistry.RunStatePartial, runState(ctx, partial, nil))
	assert.Equal(t, runregistry.RunStatePartial, runState(ctx, skipped, nil))
	unreadable := &orchestrator.RunReport{Merge: &orchestrator.MergeReport{
		Summary:    resultstore.Summary{Total: 1, Completed: 1},
		ReadErrors: errors.New("parse slot_1.json"),
	}}
	assert.Equal(t, runregistry.RunStatePartial, runState(ctx, unreadable, nil))
	assert.Equal(t, runregistry.RunStateFailed, runState(ctx, ok, errors.New("merge failed")))
	assert.Equal(t, runregistry.RunStateFailed, runState(ctx, nil, nil))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, runregistry.RunStateStopped, runState(cancelled, ok, nil))

	counts := runCounts(partial)
	require.NotNil(t, counts)
	assert.Equal(t, 2, counts.Jobs)
	assert.Equal(t, 1, counts.Timeouts)
	assert.Nil(t, runCounts(nil))
}

func TestBuildMounter(t *testing.T) {
	m := &manifest.Manifest{}
	m.Isolation.Mounter = manifest.MounterCopy
	got, err := buildMounter(m)
	require.NoError(t, err)
	assert.IsType(t, isolate.CopyMounter{}, got)

	m.Isolation.Mounter = manifest.MounterOverlay
	m.Isolation.PrivilegePrefix = []string{"sudo", "-n"}
	got, err = buildMounter(m)
	require.NoError(t, err)
	assert.Equal(t, isolate.CommandMounter{Prefix: []string{"sudo", "-n"}}, got)

	m.Isolation.Mounter = "bind"
	_, err = buildMounter(m)
	require.Error(t, err)
}

func TestOpenEvents(t *testing.T) {
	w, c, err := openEvents("", "run-1")
	require.NoError(t, err)
	assert.Equal(t, output.Discard, w)
	require.NoError(t, c.Close())

	path := filepath.Join(t.TempDir(), "sub", "events.jsonl")
	w, c, err = openEvents(path, "run-1")
	require.NoError(t, err)
	require.NoError(t, w.WriteWarning(context.Background(), &output.WarningRecord{Code: "TEST", Message: "hello"}))
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run-1"`)
	assert.Contains(t, string(data), "TEST")
}

func TestLoadBatch_Overrides(t *testing.T) {
	batch := batchDir(t, []string{"titanic_00_v1_a"}, "")

	m, err := loadBatch(batch, batchOverrides{Slots: 4, Timeout: time.Minute, Events: "-"})
	require.NoError(t, err)
	assert.Equal(t, 4, m.Slots.Count)
	assert.Equal(t, time.Minute, m.Execution.Timeout.D())
	assert.Equal(t, "-", m.Output.Events)

	_, err = loadBatch("", batchOverrides{})
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitInvalidArgument, ee.Code)
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "-", formatSeconds(0))
	assert.Equal(t, "14s", formatSeconds(14))
	assert.Equal(t, "2.5s", formatSeconds(2.5))
}

type readOnlySink struct{}

func (readOnlySink) PutObject(context.Context, string, io.Reader, int64) error {
	return provider.ErrAccessDenied
}
func (readOnlySink) Head(context.Context, string) (*provider.ObjectMeta, error) {
	return nil, provider.ErrNotFound
}
func (readOnlySink) Location(key string) string { return "ro://" + key }
func (readOnlySink) Close() error               { return nil }

func TestCheckSink(t *testing.T) {
	ctx := context.Background()
	sink, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, checkSink(ctx, sink, output.Discard))

	var buf bytes.Buffer
	err = checkSink(ctx, readOnlySink{}, output.NewJSONLWriter(&buf, "run-1"))
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitUnavailable, ee.Code)
	assert.Contains(t, buf.String(), "ACCESS_DENIED")
}
