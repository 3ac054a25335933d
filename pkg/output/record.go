// Package output provides JSONL run events.
//
// Output is structured as typed record envelopes containing job outcomes,
// plan shares, warnings, errors and the final summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: slotbatch.<type>.v<version>
const (
	// TypeJob identifies a finished job.
	TypeJob = "slotbatch.job.v1"

	// TypePlan identifies one slot's planned queue.
	TypePlan = "slotbatch.plan.v1"

	// TypeWarning identifies non-fatal planning or run warnings.
	TypeWarning = "slotbatch.warning.v1"

	// TypeError identifies error records.
	TypeError = "slotbatch.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "slotbatch.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "slotbatch.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates every record of one run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Job outcomes.
const (
	OutcomeArtifact    = "artifact"
	OutcomeNoArtifact  = "no_artifact"
	OutcomeTimeout     = "timeout"
	OutcomeIncomplete  = "incomplete"
	OutcomeInterrupted = "interrupted"
	OutcomeError       = "error"
)

// JobRecord is the data payload for a finished job.
type JobRecord struct {
	JobID         string   `json:"job_id"`
	Group         string   `json:"group"`
	Slot          int      `json:"slot"`
	Outcome       string   `json:"outcome"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
	ProcessTime   *float64 `json:"process_time,omitempty"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	Output        string   `json:"output,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// PlanShare is one group's portion of a slot's queue.
type PlanShare struct {
	Group string  `json:"group"`
	Jobs  int     `json:"jobs"`
	Cost  float64 `json:"cost"`
}

// PlanRecord is the data payload describing one slot's queue.
type PlanRecord struct {
	Slot   int         `json:"slot"`
	Device string      `json:"device,omitempty"`
	Total  float64     `json:"estimated_seconds"`
	Jobs   int         `json:"jobs"`
	JobIDs []string    `json:"job_ids"`
	Shares []PlanShare `json:"shares"`
}

// Warning codes.
const (
	WarnShortfall    = "SHORTFALL"
	WarnUnplanned    = "UNPLANNED"
	WarnSkippedInput = "SKIPPED_INPUT"
	WarnNoHistory    = "NO_HISTORY"
	WarnJobsSkipped  = "JOBS_SKIPPED"
)

// WarningRecord is the data payload for warnings.
type WarningRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Group   string `json:"group,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the whole run.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Slot is the slot related to this error, if applicable.
	Slot *int `json:"slot,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeWorkerPanic = "WORKER_PANIC"
	ErrCodeMerge       = "MERGE"
	ErrCodeCleanup     = "CLEANUP"
	ErrCodeInternal    = "INTERNAL"

	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeThrottled    = "THROTTLED"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Jobs        int `json:"jobs"`
	Artifacts   int `json:"artifacts"`
	Timeouts    int `json:"timeouts"`
	Incomplete  int `json:"incomplete"`
	Interrupted int `json:"interrupted"`
	Errors      int `json:"errors"`
	Skipped     int `json:"skipped"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	MergedFile string `json:"merged_file,omitempty"`
	Retry      bool   `json:"retry,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
