package manifest

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3leaps/slotbatch/pkg/job"
)

// Layout returns the job layout for this batch.
func (m *Manifest) Layout() job.Layout {
	return job.Layout{DatasetRoot: m.Datasets.Root, ResultsRoot: m.Output.ResultsDir}
}

func (m *Manifest) suffix(retry bool) string {
	if retry {
		return m.Output.RetrySuffix
	}
	return ""
}

// SlotFilePath is the per-slot results file for slot i.
func (m *Manifest) SlotFilePath(slot int, retry bool) string {
	name := strings.NewReplacer(
		"{slot}", strconv.Itoa(slot),
		"{suffix}", m.suffix(retry),
	).Replace(m.Output.SlotFile)
	return filepath.Join(m.Output.ResultsDir, name)
}

// SlotFilePaths lists every per-slot results file.
func (m *Manifest) SlotFilePaths(retry bool) []string {
	out := make([]string, m.Slots.Count)
	for i := range out {
		out[i] = m.SlotFilePath(i, retry)
	}
	return out
}

// MergedPath is the merged results file. In retry mode the suffix is
// inserted before the extension.
func (m *Manifest) MergedPath(retry bool) string {
	name := m.Output.MergedFile
	if s := m.suffix(retry); s != "" {
		ext := filepath.Ext(name)
		name = strings.TrimSuffix(name, ext) + s + ext
	}
	return filepath.Join(m.Output.ResultsDir, name)
}

// Resolve makes relative paths absolute against base, normally the
// manifest's directory.
func (m *Manifest) Resolve(base string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(&m.Programs.Dir)
	abs(&m.Datasets.Root)
	abs(&m.Output.ResultsDir)
	abs(&m.Output.ArtifactsDir)
	abs(&m.Output.AllProgramsDir)
	abs(&m.Isolation.ScratchRoot)
	abs(&m.History.Path)
	if m.Output.Events != "" && m.Output.Events != "stdout" {
		abs(&m.Output.Events)
	}
	if m.Output.Sink != nil {
		abs(&m.Output.Sink.BaseDir)
	}
	for i := range m.History.MergedFiles {
		abs(&m.History.MergedFiles[i])
	}
}
