// Package job defines the unit of work scheduled by slotbatch.
//
// A Job is one program run against one dataset group. Job identity is
// derived from the program file name:
//
//	<group>_<subgroup...>_<version>_<suffix>.<ext>
//
// The first underscore-separated part is the group (which also names the
// dataset directory), the second-to-last part is the version, and the parts
// in between form the subgroup.
package job

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidID indicates a program name does not carry enough parts to
// derive group and version.
var ErrInvalidID = errors.New("invalid job id")

// Job is an immutable description of a single scheduled run.
type Job struct {
	// ID is the program stem (file name without extension).
	ID string `json:"id"`

	// Group keys cost lookup and selects the dataset.
	Group string `json:"group"`

	// Subgroup is the middle part of the id; may be empty.
	Subgroup string `json:"subgroup,omitempty"`

	// Version is the second-to-last id part.
	Version string `json:"version,omitempty"`

	// ProgramPath is the absolute path of the program artifact.
	ProgramPath string `json:"program_path"`

	// DatasetPath is the read-only lower layer for the job's view.
	DatasetPath string `json:"dataset_path"`

	// OutputDir receives result.json and collected artifacts.
	OutputDir string `json:"output_dir"`
}

// Identity is the parsed form of a job id.
type Identity struct {
	Group    string
	Subgroup string
	Version  string
}

// ParseID derives group, subgroup and version from a program stem.
//
// At least two parts are required. A two-part stem has no subgroup and its
// second part is the version.
func ParseID(stem string) (Identity, error) {
	stem = strings.TrimSpace(stem)
	if stem == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	parts := strings.Split(stem, "_")
	if len(parts) < 2 || parts[0] == "" {
		return Identity{}, fmt.Errorf("%w: %q needs <group>_..._<version>_<suffix>", ErrInvalidID, stem)
	}

	id := Identity{Group: parts[0]}
	if len(parts) >= 3 {
		id.Version = parts[len(parts)-2]
		id.Subgroup = strings.Join(parts[1:len(parts)-2], "_")
	} else {
		id.Version = parts[1]
	}
	return id, nil
}

// Stem returns the file name of path without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Layout resolves per-job filesystem locations.
type Layout struct {
	// DatasetRoot contains one directory per group.
	DatasetRoot string

	// ResultsRoot is the root of the per-job output tree.
	ResultsRoot string
}

// New builds a Job for the program at path using the layout.
func (l Layout) New(path string) (Job, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Job{}, fmt.Errorf("resolve program path: %w", err)
	}
	stem := Stem(abs)
	id, err := ParseID(stem)
	if err != nil {
		return Job{}, err
	}

	out := filepath.Join(l.ResultsRoot, id.Group)
	if id.Subgroup != "" {
		out = filepath.Join(out, id.Subgroup)
	}
	if id.Version != "" {
		out = filepath.Join(out, id.Version)
	}

	return Job{
		ID:          stem,
		Group:       id.Group,
		Subgroup:    id.Subgroup,
		Version:     id.Version,
		ProgramPath: abs,
		DatasetPath: filepath.Join(l.DatasetRoot, id.Group),
		OutputDir:   out,
	}, nil
}

// ResultPath is the per-job result file location.
func (j Job) ResultPath() string {
	return filepath.Join(j.OutputDir, "result.json")
}

// ProgramName is the base name of the program artifact.
func (j Job) ProgramName() string {
	return filepath.Base(j.ProgramPath)
}
