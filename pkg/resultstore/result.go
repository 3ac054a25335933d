// Package resultstore persists job outcomes.
//
// Three on-disk shapes exist:
//
//	<output>/<group>/<subgroup>/<version>/result.json   one Result per job
//	<results>/<slot file>.json                          map of id -> Result per slot
//	<results>/<merged file>.json                        merged map, keys sorted
//
// Field names are part of the on-disk contract and stay compatible with
// result files produced by earlier runs.
package resultstore

import (
	"strings"
)

// StatusArtifactCreated marks a job that produced at least one artifact.
const StatusArtifactCreated = "csv_created"

// ErrorInterrupted is recorded when the run was cancelled mid-job.
const ErrorInterrupted = "interrupted"

// Result is the outcome of one job. Nil fields were never reached.
type Result struct {
	TimedOut      *bool    `json:"timeout,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
	Error         *string  `json:"error,omitempty"`
	Detail        *string  `json:"detail,omitempty"`
	Status        *string  `json:"status,omitempty"`
	Output        *string  `json:"output,omitempty"`
	CleanupTime   *float64 `json:"cleanup_time,omitempty"`
	ProcessTime   *float64 `json:"process_time,omitempty"`

	// Incomplete is set when the program exited before any start marker.
	Incomplete *bool `json:"incomplete,omitempty"`

	// Interrupted is set when the run was cancelled while the job ran.
	Interrupted *bool `json:"interrupted,omitempty"`

	ExitCode *int `json:"exit_code,omitempty"`
	Slot     *int `json:"slot,omitempty"`
}

func ptr[T any](v T) *T { return &v }

// SetTimedOut records a timeout and the elapsed execution time.
func (r *Result) SetTimedOut(elapsed float64) {
	r.TimedOut = ptr(true)
	r.ExecutionTime = ptr(elapsed)
}

// SetExecutionTime records seconds from detected start to completion.
func (r *Result) SetExecutionTime(sec float64) { r.ExecutionTime = ptr(sec) }

// SetCleanupTime records teardown duration in seconds.
func (r *Result) SetCleanupTime(sec float64) { r.CleanupTime = ptr(sec) }

// SetProcessTime records whole-job wall time in seconds.
func (r *Result) SetProcessTime(sec float64) { r.ProcessTime = ptr(sec) }

// SetDetail records captured program output.
func (r *Result) SetDetail(s string) { r.Detail = ptr(s) }

// SetExitCode records the program's exit status.
func (r *Result) SetExitCode(code int) { r.ExitCode = ptr(code) }

// SetSlot records which slot ran the job.
func (r *Result) SetSlot(slot int) { r.Slot = ptr(slot) }

// SetArtifact marks the job as having produced output at path.
func (r *Result) SetArtifact(path string) {
	r.Status = ptr(StatusArtifactCreated)
	r.Output = ptr(path)
}

// SetIncomplete marks a run that never reached observable execution.
func (r *Result) SetIncomplete() { r.Incomplete = ptr(true) }

// SetInterrupted marks a cancelled run.
func (r *Result) SetInterrupted() {
	r.Interrupted = ptr(true)
	r.AddError(ErrorInterrupted)
}

// AddError appends msg to the recorded error text.
func (r *Result) AddError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	if r.Error == nil || *r.Error == "" {
		r.Error = ptr(msg)
		return
	}
	r.Error = ptr(*r.Error + "\n" + msg)
}

// IsTimedOut reports whether the timeout flag is set.
func (r *Result) IsTimedOut() bool { return r != nil && r.TimedOut != nil && *r.TimedOut }

// HasArtifact reports whether the artifact marker is set.
func (r *Result) HasArtifact() bool {
	return r != nil && r.Status != nil && *r.Status == StatusArtifactCreated
}

// IsIncomplete reports whether the start marker was never seen.
func (r *Result) IsIncomplete() bool { return r != nil && r.Incomplete != nil && *r.Incomplete }

// IsInterrupted reports whether the job was cancelled.
func (r *Result) IsInterrupted() bool { return r != nil && r.Interrupted != nil && *r.Interrupted }

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.TimedOut = clonePtr(r.TimedOut)
	c.ExecutionTime = clonePtr(r.ExecutionTime)
	c.Error = clonePtr(r.Error)
	c.Detail = clonePtr(r.Detail)
	c.Status = clonePtr(r.Status)
	c.Output = clonePtr(r.Output)
	c.CleanupTime = clonePtr(r.CleanupTime)
	c.ProcessTime = clonePtr(r.ProcessTime)
	c.Incomplete = clonePtr(r.Incomplete)
	c.Interrupted = clonePtr(r.Interrupted)
	c.ExitCode = clonePtr(r.ExitCode)
	c.Slot = clonePtr(r.Slot)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
