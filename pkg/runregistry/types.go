package runregistry

import "time"

// RunState is the lifecycle state of a batch run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning  RunState = "running"
	RunStateStopping RunState = "stopping"
	RunStateStopped  RunState = "stopped"
	RunStateSuccess  RunState = "success"
	RunStatePartial  RunState = "partial"
	RunStateFailed   RunState = "failed"
	RunStateUnknown  RunState = "unknown"
)

// Terminal reports whether s is a final state.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateStopped, RunStateSuccess, RunStatePartial, RunStateFailed:
		return true
	}
	return false
}

// Counts is the outcome tally written when a run ends.
type Counts struct {
	Jobs      int `json:"jobs"`
	Artifacts int `json:"artifacts"`
	Timeouts  int `json:"timeouts"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Name       string    `json:"name,omitempty"`
	State      RunState  `json:"state"`
	BatchPath  string    `json:"batch_path"`
	ResultsDir string    `json:"results_dir,omitempty"`
	MergedFile string    `json:"merged_file,omitempty"`
	Retry      bool      `json:"retry,omitempty"`
	Slots      int       `json:"slots,omitempty"`
	PID        int       `json:"pid,omitempty"`
	StatusAddr string    `json:"status_addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Counts        *Counts    `json:"counts,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}
