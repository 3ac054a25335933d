package job

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern matches notebook programs directly under the program dir.
const DefaultPattern = "*.ipynb"

// Discover lists programs under dir matching pattern and builds jobs for
// them. Results are ordered by id. Files whose names do not parse are
// returned in skipped rather than failing the whole discovery.
func (l Layout) Discover(dir, pattern string) (jobs []Job, skipped []string, err error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil, fmt.Errorf("program dir is required")
	}
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, nil, fmt.Errorf("invalid program pattern: %q", pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, nil, fmt.Errorf("scan program dir: %w", err)
	}
	sort.Strings(matches)

	seen := make(map[string]struct{}, len(matches))
	for _, rel := range matches {
		j, err := l.New(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			skipped = append(skipped, rel)
			continue
		}
		if _, dup := seen[j.ID]; dup {
			skipped = append(skipped, rel)
			continue
		}
		seen[j.ID] = struct{}{}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
	return jobs, skipped, nil
}

// Select keeps the jobs whose id is in ids, preserving input order.
func Select(jobs []Job, ids []string) []Job {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]Job, 0, len(ids))
	for _, j := range jobs {
		if _, ok := want[j.ID]; ok {
			out = append(out, j)
		}
	}
	return out
}

// Pool groups jobs by group, preserving order within each group.
func Pool(jobs []Job) map[string][]Job {
	pool := make(map[string][]Job)
	for _, j := range jobs {
		pool[j.Group] = append(pool[j.Group], j)
	}
	return pool
}

// Counts returns the number of jobs per group.
func Counts(jobs []Job) map[string]int {
	counts := make(map[string]int)
	for _, j := range jobs {
		counts[j.Group]++
	}
	return counts
}
