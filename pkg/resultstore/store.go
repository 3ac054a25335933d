package resultstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// Results maps job id to outcome.
type Results map[string]*Result

// WritePerJob writes r to path atomically (temp file + rename in the same
// directory). Parent directories are created as needed.
func WritePerJob(path string, r *Result) error {
	if r == nil {
		return fmt.Errorf("result is nil")
	}
	return writeJSONAtomic(path, r)
}

// ReadPerJob reads a single result file.
func ReadPerJob(path string) (*Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &r, nil
}

// Load reads a results map. A missing file yields an empty map.
func Load(path string) (Results, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Results{}, nil
		}
		return nil, fmt.Errorf("read results: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return Results{}, nil
	}
	out := Results{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

// WriteShared overlays entries onto the results map at path while holding
// an exclusive advisory lock on path+".lock". Keys written by other holders
// of the lock are preserved.
func WriteShared(path string, entries Results) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	unlock, err := lockFile(path + ".lock")
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, unlock()) }()

	current, err := Load(path)
	if err != nil {
		return err
	}
	for id, r := range entries {
		current[id] = r
	}
	return writeJSONAtomic(path, current)
}

// WriteSorted writes results with keys in lexicographic order.
func WriteSorted(path string, results Results) error {
	if results == nil {
		results = Results{}
	}
	// encoding/json orders map keys.
	return writeJSONAtomic(path, results)
}

// MergeAll reads every slot file and merges them. Missing files count as
// empty. On key collisions the first file read wins. Unreadable files are
// reported in the returned error while the rest are still merged.
func MergeAll(paths ...string) (Results, error) {
	merged := Results{}
	var errs error
	for _, p := range paths {
		part, err := Load(p)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for id, r := range part {
			if _, ok := merged[id]; !ok {
				merged[id] = r
			}
		}
	}
	return merged, errs
}

// ApplyRetry overlays retry results onto main. Only retry entries that did
// not time out again replace the main entry. The input maps are not
// modified.
func ApplyRetry(main, retry Results) (Results, int) {
	out := make(Results, len(main))
	for id, r := range main {
		out[id] = r
	}
	replaced := 0
	for id, r := range retry {
		if r == nil || r.IsTimedOut() {
			continue
		}
		out[id] = r
		replaced++
	}
	return out, replaced
}

// TimedOut returns the sorted ids whose timeout flag is set or whose
// execution time exceeds threshold seconds.
func TimedOut(results Results, threshold float64) []string {
	var ids []string
	for id, r := range results {
		if r == nil {
			continue
		}
		if r.IsTimedOut() || (r.ExecutionTime != nil && threshold > 0 && *r.ExecutionTime > threshold) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Keys returns sorted job ids.
func (r Results) Keys() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp results file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp results file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp results file: %w", err)
	}
	// #nosec G302 -- result files are read by other operator accounts
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod results file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename results file: %w", err)
	}
	return nil
}
