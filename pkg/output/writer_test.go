package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	exec := 41.5
	code := 0
	err := w.WriteJob(context.Background(), &JobRecord{
		JobID:         "titanic_00_v1_a",
		Group:         "titanic",
		Slot:          2,
		Outcome:       OutcomeArtifact,
		ExecutionTime: &exec,
		ExitCode:      &code,
		Output:        "/results/titanic/00/v1/titanic_00_v1_a.csv",
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeJob, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.False(t, record.TS.IsZero())

	var data JobRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, "titanic_00_v1_a", data.JobID)
	assert.Equal(t, 2, data.Slot)
	assert.Equal(t, 41.5, *data.ExecutionTime)
	assert.Equal(t, 0, *data.ExitCode)
}

func TestJSONLWriter_WritePlanAndWarning(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.WritePlan(context.Background(), &PlanRecord{
		Slot:   0,
		Total:  120,
		Jobs:   3,
		Shares: []PlanShare{{Group: "titanic", Jobs: 3, Cost: 120}},
	}))
	require.NoError(t, w.WriteWarning(context.Background(), &WarningRecord{
		Code:    WarnShortfall,
		Message: "planned 5 jobs, pool has 3",
		Group:   "house",
		Count:   2,
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var plan, warn Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &plan))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &warn))
	assert.Equal(t, TypePlan, plan.Type)
	assert.Equal(t, TypeWarning, warn.Type)
	assert.Contains(t, string(plan.Data), `"estimated_seconds":120`)
	assert.Contains(t, string(warn.Data), `"code":"SHORTFALL"`)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{
		Jobs:          10,
		Artifacts:     7,
		Timeouts:      2,
		Errors:        1,
		Duration:      90 * time.Second,
		DurationHuman: "1m30s",
	}))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeSummary, record.Type)

	var sum SummaryRecord
	require.NoError(t, json.Unmarshal(record.Data, &sum))
	assert.Equal(t, 7, sum.Artifacts)
	assert.Equal(t, 90*time.Second, sum.Duration)
	assert.NotContains(t, string(record.Data), "merged_file")
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")
	require.NoError(t, w.Close())

	err := w.WriteJob(context.Background(), &JobRecord{JobID: "a_b"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	const numWriters = 8
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(slot int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteJob(context.Background(), &JobRecord{JobID: "g_x_v1_a", Slot: slot})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{JobID: "a_b"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123")

	err := w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeInternal, Message: "x"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "run-123")

	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{JobID: "titanic_00_v1_a", Outcome: OutcomeTimeout}))

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)
	var record Record
	assert.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, TypeJob, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(zeroWriteWriter{}, "run-123")

	err := w.WriteJob(context.Background(), &JobRecord{JobID: "a_b"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	return sw.buf.Write(p[:min(len(p), sw.bytesPerWrite)])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.WriteJob(context.Background(), &JobRecord{}))
	assert.NoError(t, Discard.Close())
}
