// Package balance partitions a batch across execution slots by estimated
// cost.
//
// Cost is estimated per group as mean historical job time multiplied by the
// number of jobs the group has in the current batch. Two modes exist:
//
//   - simple: every group lands whole in one slot (greedy, largest first)
//   - replicated: a group's job count is split into disjoint shares placed
//     in up to max-copies distinct slots
//
// Neither mode is optimal bin packing; both are deterministic and run in
// O(groups × slots).
package balance

import (
	"sort"
)

// CostTable holds per-group cost estimates for one batch.
type CostTable struct {
	// Mean is the mean observed processing time per job, in seconds.
	Mean map[string]float64 `json:"mean"`

	// Count is the number of jobs per group in the current batch.
	Count map[string]int `json:"count"`
}

// NewCostTable returns an empty table.
func NewCostTable() CostTable {
	return CostTable{Mean: map[string]float64{}, Count: map[string]int{}}
}

// Normalize returns a copy in which every group known to either map has
// both a mean and a count. Missing means take the batch-wide average mean;
// missing or zero counts take the batch-wide average count (truncated).
func (t CostTable) Normalize() CostTable {
	out := NewCostTable()

	var sumMean float64
	for _, m := range t.Mean {
		sumMean += m
	}
	avgMean := 0.0
	if len(t.Mean) > 0 {
		avgMean = sumMean / float64(len(t.Mean))
	}

	var sumCount, nCount int
	for _, c := range t.Count {
		if c > 0 {
			sumCount += c
			nCount++
		}
	}
	avgCount := 0
	if nCount > 0 {
		avgCount = sumCount / nCount
	}

	for _, g := range t.Groups() {
		m, ok := t.Mean[g]
		if !ok {
			m = avgMean
		}
		c := t.Count[g]
		if c <= 0 {
			c = avgCount
		}
		out.Mean[g] = m
		out.Count[g] = c
	}
	return out
}

// Groups returns every group in either map, sorted.
func (t CostTable) Groups() []string {
	seen := make(map[string]struct{}, len(t.Mean)+len(t.Count))
	for g := range t.Mean {
		seen[g] = struct{}{}
	}
	for g := range t.Count {
		seen[g] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Total is mean × count for g.
func (t CostTable) Total(g string) float64 {
	return t.Mean[g] * float64(t.Count[g])
}

// Restrict drops groups not present in keep.
func (t CostTable) Restrict(keep map[string]int) CostTable {
	out := NewCostTable()
	for g := range keep {
		if m, ok := t.Mean[g]; ok {
			out.Mean[g] = m
		}
		if c, ok := t.Count[g]; ok {
			out.Count[g] = c
		}
	}
	return out
}

type groupCost struct {
	group string
	total float64
}

// ranked returns groups with a positive count, largest total first, ties
// broken by group id.
func (t CostTable) ranked() []groupCost {
	out := make([]groupCost, 0, len(t.Count))
	for _, g := range t.Groups() {
		if t.Count[g] <= 0 {
			continue
		}
		out = append(out, groupCost{group: g, total: t.Total(g)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].total != out[j].total {
			return out[i].total > out[j].total
		}
		return out[i].group < out[j].group
	})
	return out
}
