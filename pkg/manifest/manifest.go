// Package manifest provides loading and validation of slotbatch batch
// manifests.
//
// A batch manifest is a YAML or JSON file describing one batch: the slot
// pool, where programs and datasets live, the command template each job
// runs, how job views are isolated, and where results go.
//
// Manifests are validated against a JSON Schema before parsing. The schema
// enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	slots:
//	  count: 4
//	  max_copies: 2
//	programs:
//	  dir: ./programs
//	datasets:
//	  root: /data/competitions
//	execution:
//	  command: [docker, run, --rm, --name, "{container}", --gpus, "device={device}",
//	            -v, "{workdir}:/work", -v, "{dataset}:/data", runner, "/work/{program_name}"]
//	  cleanup_command: [docker, kill, "{container}"]
//	  timeout: 600s
//	output:
//	  results_dir: ./results
package manifest

import (
	"strings"

	"github.com/3leaps/slotbatch/pkg/balance"
	"github.com/3leaps/slotbatch/pkg/isolate"
	"github.com/3leaps/slotbatch/pkg/job"
	"github.com/3leaps/slotbatch/pkg/notebook"
	"github.com/3leaps/slotbatch/pkg/supervise"
)

// Manifest represents a validated batch manifest. Programs, Datasets and
// Execution are required; everything else has defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels the batch in run records.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Slots     SlotsConfig     `json:"slots,omitempty" yaml:"slots,omitempty"`
	Programs  ProgramsConfig  `json:"programs" yaml:"programs"`
	Datasets  DatasetsConfig  `json:"datasets" yaml:"datasets"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Isolation IsolationConfig `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	Output    OutputConfig    `json:"output,omitempty" yaml:"output,omitempty"`
	History   HistoryConfig   `json:"history,omitempty" yaml:"history,omitempty"`
}

// SlotsConfig sizes the slot pool and tunes balancing.
type SlotsConfig struct {
	// Count is the number of slots. Defaults to len(Devices), else 1.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`

	// Devices are the accelerator ids exposed to slot i as {device}.
	// Defaults to the slot index.
	Devices []string `json:"devices,omitempty" yaml:"devices,omitempty"`

	// MaxCopies > 1 lets a group be split across that many slots.
	MaxCopies int `json:"max_copies,omitempty" yaml:"max_copies,omitempty"`

	// LargeGroupFactor marks a group as large when its total cost exceeds
	// this multiple of the mean group total.
	LargeGroupFactor float64 `json:"large_group_factor,omitempty" yaml:"large_group_factor,omitempty"`

	// Pinned places whole groups in fixed slots.
	Pinned map[string]int `json:"pinned,omitempty" yaml:"pinned,omitempty"`
}

// ProgramsConfig locates the programs that become jobs.
type ProgramsConfig struct {
	Dir     string `json:"dir" yaml:"dir"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Jobs restricts the batch to these ids.
	Jobs []string `json:"jobs,omitempty" yaml:"jobs,omitempty"`

	// ClearOutputs clears notebook outputs in each job's copy before launch.
	// Default: true.
	ClearOutputs *bool `json:"clear_outputs,omitempty" yaml:"clear_outputs,omitempty"`

	// InstallStub is the first-cell text removed during clearing.
	InstallStub string `json:"install_stub,omitempty" yaml:"install_stub,omitempty"`
}

// DatasetsConfig locates the read-only per-group datasets.
type DatasetsConfig struct {
	Root string `json:"root" yaml:"root"`

	// ReadyPath, relative to the mounted dataset, must exist before launch.
	ReadyPath string `json:"ready_path,omitempty" yaml:"ready_path,omitempty"`
}

// Monitored streams.
const (
	StreamStderr = "stderr"
	StreamStdout = "stdout"
)

// ExecutionConfig describes how each job is launched.
type ExecutionConfig struct {
	// Command is the argv template. Placeholders such as {workdir} are
	// substituted per argument; no shell is involved.
	Command []string          `json:"command" yaml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Timeout bounds a job from its first start marker.
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PollInterval Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	Grace        Duration `json:"grace,omitempty" yaml:"grace,omitempty"`

	Markers       []string `json:"markers,omitempty" yaml:"markers,omitempty"`
	MonitorStream string   `json:"monitor_stream,omitempty" yaml:"monitor_stream,omitempty"`

	// CleanupCommand runs after every job; FinalCleanupCommand once per run.
	CleanupCommand      []string `json:"cleanup_command,omitempty" yaml:"cleanup_command,omitempty"`
	CleanupTimeout      Duration `json:"cleanup_timeout,omitempty" yaml:"cleanup_timeout,omitempty"`
	FinalCleanupCommand []string `json:"final_cleanup_command,omitempty" yaml:"final_cleanup_command,omitempty"`

	// LaunchInterval spaces out launches across all slots.
	LaunchInterval Duration `json:"launch_interval,omitempty" yaml:"launch_interval,omitempty"`

	// AbortGrace is how long tracked processes get after an abort before
	// they are killed.
	AbortGrace Duration `json:"abort_grace,omitempty" yaml:"abort_grace,omitempty"`
}

// Mounter kinds.
const (
	MounterOverlay = "overlay"
	MounterSyscall = "syscall"
	MounterCopy    = "copy"
)

// IsolationConfig controls per-job dataset views.
type IsolationConfig struct {
	ScratchRoot string `json:"scratch_root,omitempty" yaml:"scratch_root,omitempty"`

	// Mounter selects overlay (mount binary), syscall (mount(2)) or copy.
	Mounter string `json:"mounter,omitempty" yaml:"mounter,omitempty"`

	// PrivilegePrefix is prepended to mount/umount, e.g. [sudo, -n].
	PrivilegePrefix []string `json:"privilege_prefix,omitempty" yaml:"privilege_prefix,omitempty"`

	ReadyTimeout  Duration `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
	MountAttempts int      `json:"mount_attempts,omitempty" yaml:"mount_attempts,omitempty"`
}

// OutputConfig controls where results land.
type OutputConfig struct {
	ResultsDir string `json:"results_dir,omitempty" yaml:"results_dir,omitempty"`

	// SlotFile names per-slot files; {slot} and {suffix} are substituted.
	SlotFile string `json:"slot_file,omitempty" yaml:"slot_file,omitempty"`

	// MergedFile is the merged result file name under ResultsDir.
	MergedFile  string `json:"merged_file,omitempty" yaml:"merged_file,omitempty"`
	RetrySuffix string `json:"retry_suffix,omitempty" yaml:"retry_suffix,omitempty"`

	// Artifacts is the doublestar pattern of files a job produces.
	Artifacts      string `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	ArtifactsDir   string `json:"artifacts_dir,omitempty" yaml:"artifacts_dir,omitempty"`
	AllProgramsDir string `json:"all_programs_dir,omitempty" yaml:"all_programs_dir,omitempty"`

	// Events is "stdout", a file path, or empty for no event stream.
	Events string `json:"events,omitempty" yaml:"events,omitempty"`

	Sink *SinkConfig `json:"sink,omitempty" yaml:"sink,omitempty"`
}

// SinkConfig configures artifact mirroring.
type SinkConfig struct {
	// Provider is "s3" or "file".
	Provider string `json:"provider" yaml:"provider"`

	Bucket         string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix         string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
	DiscoverRegion bool   `json:"discover_region,omitempty" yaml:"discover_region,omitempty"`

	// BaseDir is the root for the file provider.
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`
}

// HistoryConfig points at the cost history database.
type HistoryConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`

	// MergedFiles are earlier merged result files used for cost means when
	// no database is configured.
	MergedFiles []string `json:"merged_files,omitempty" yaml:"merged_files,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	DefaultSlotFile    = "slot_{slot}{suffix}.json"
	DefaultMergedFile  = "results.json"
	DefaultRetrySuffix = "_retry"
	DefaultResultsDir  = "results"
	DefaultMounter     = MounterOverlay
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}

	if m.Slots.Count == 0 {
		m.Slots.Count = max(len(m.Slots.Devices), 1)
	}
	if m.Slots.MaxCopies == 0 {
		m.Slots.MaxCopies = 1
	}
	if m.Slots.LargeGroupFactor == 0 {
		m.Slots.LargeGroupFactor = balance.DefaultLargeGroupFactor
	}

	if m.Programs.Pattern == "" {
		m.Programs.Pattern = job.DefaultPattern
	}
	if m.Programs.ClearOutputs == nil {
		v := true
		m.Programs.ClearOutputs = &v
	}
	if m.Programs.InstallStub == "" {
		m.Programs.InstallStub = notebook.DefaultInstallStub
	}

	if m.Execution.Timeout == 0 {
		m.Execution.Timeout = Duration(supervise.DefaultTimeout)
	}
	if m.Execution.PollInterval == 0 {
		m.Execution.PollInterval = Duration(supervise.DefaultPollInterval)
	}
	if m.Execution.Grace == 0 {
		m.Execution.Grace = Duration(supervise.DefaultGrace)
	}
	if m.Execution.MonitorStream == "" {
		m.Execution.MonitorStream = StreamStderr
	}
	if m.Execution.CleanupTimeout == 0 {
		m.Execution.CleanupTimeout = Duration(supervise.DefaultExecTimeout)
	}
	if len(m.Execution.Markers) == 0 {
		m.Execution.Markers = append([]string(nil), supervise.DefaultMarkers...)
	}

	if m.Isolation.Mounter == "" {
		m.Isolation.Mounter = DefaultMounter
	}
	if m.Isolation.ReadyTimeout == 0 {
		m.Isolation.ReadyTimeout = Duration(isolate.DefaultReadyTimeout)
	}
	if m.Isolation.MountAttempts == 0 {
		m.Isolation.MountAttempts = isolate.DefaultMountAttempts
	}

	if m.Output.ResultsDir == "" {
		m.Output.ResultsDir = DefaultResultsDir
	}
	if m.Output.SlotFile == "" {
		m.Output.SlotFile = DefaultSlotFile
	}
	if m.Output.MergedFile == "" {
		m.Output.MergedFile = DefaultMergedFile
	}
	if m.Output.RetrySuffix == "" {
		m.Output.RetrySuffix = DefaultRetrySuffix
	}
}

// ShouldClearOutputs returns the configured value, or true if not set.
func (p ProgramsConfig) ShouldClearOutputs() bool {
	return p.ClearOutputs == nil || *p.ClearOutputs
}

// Device returns the device id for slot i.
func (s SlotsConfig) Device(i int) string {
	if i >= 0 && i < len(s.Devices) && strings.TrimSpace(s.Devices[i]) != "" {
		return s.Devices[i]
	}
	return ""
}

// MonitorStdout reports whether start markers are read from stdout.
func (e ExecutionConfig) MonitorStdout() bool {
	return strings.EqualFold(e.MonitorStream, StreamStdout)
}

// Template returns the job command template.
func (e ExecutionConfig) Template() supervise.Template {
	return supervise.Template{Argv: e.Command, Env: e.Env, Dir: e.Dir}
}

// OptionalTemplate returns nil for an empty argv.
func OptionalTemplate(argv []string) *supervise.Template {
	if len(argv) == 0 {
		return nil
	}
	return &supervise.Template{Argv: argv}
}
