// Package notebook prepares Jupyter notebooks for a clean execution.
package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultInstallStub marks a leading environment-install cell that the
// execution image already satisfies.
const DefaultInstallStub = "%pip install Unidecode monai ttach optuna optuna-integration"

// Clearer resets notebooks before they are executed.
type Clearer struct {
	// InstallStub, when non-empty, drops a leading code cell whose source
	// contains it.
	InstallStub string
}

// Report says what ClearOutputs changed.
type Report struct {
	CellsCleared int
	StubRemoved  bool
}

// ClearOutputs rewrites path in place with every code cell's outputs and
// execution count reset. Unknown notebook fields are preserved.
func (c Clearer) ClearOutputs(path string) (Report, error) {
	var rep Report

	info, err := os.Stat(path)
	if err != nil {
		return rep, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}

	var nb map[string]any
	if err := json.Unmarshal(data, &nb); err != nil {
		return rep, fmt.Errorf("parse notebook %s: %w", path, err)
	}

	rawCells, _ := nb["cells"].([]any)
	cells := make([]any, 0, len(rawCells))
	for _, raw := range rawCells {
		cell, ok := raw.(map[string]any)
		if ok && cell["cell_type"] == "code" {
			cell["outputs"] = []any{}
			cell["execution_count"] = nil
			rep.CellsCleared++
		}
		cells = append(cells, raw)
	}

	if c.InstallStub != "" && len(cells) > 0 {
		if first, ok := cells[0].(map[string]any); ok && first["cell_type"] == "code" {
			if strings.Contains(strings.TrimSpace(source(first["source"])), c.InstallStub) {
				cells = cells[1:]
				rep.StubRemoved = true
				rep.CellsCleared--
			}
		}
	}
	nb["cells"] = cells

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	if err := enc.Encode(nb); err != nil {
		return rep, err
	}
	return rep, writeAtomic(path, buf.Bytes(), info.Mode().Perm())
}

// source flattens a cell source, which nbformat allows as a string or a
// list of lines.
func source(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		var b strings.Builder
		for _, line := range s {
			if str, ok := line.(string); ok {
				b.WriteString(str)
			}
		}
		return b.String()
	}
	return ""
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nb-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
