package balance

import (
	"sort"

	"github.com/3leaps/slotbatch/pkg/job"
)

// Shortfall records a share that could not be filled from the job pool.
type Shortfall struct {
	Slot   int    `json:"slot"`
	Group  string `json:"group"`
	Wanted int    `json:"wanted"`
	Got    int    `json:"got"`
}

// Realization maps planned shares onto concrete jobs.
type Realization struct {
	// Slots holds the ordered job list per slot.
	Slots [][]job.Job

	// Shortfalls lists shares the pool could not fill. These are capacity
	// estimate mismatches, not errors.
	Shortfalls []Shortfall

	// Unplanned lists ids of pool jobs the plan had no room for. They are
	// appended to the least-loaded slot so nothing is dropped.
	Unplanned []string
}

// Realize assigns jobs from pool to slots following the plan. Each job is
// used at most once. Within a group, jobs are consumed in pool order.
func (a *Assignment) Realize(pool map[string][]job.Job) *Realization {
	r := &Realization{Slots: make([][]job.Job, len(a.Slots))}
	next := make(map[string]int, len(pool))
	loads := a.Totals()

	for i, s := range a.Slots {
		for _, sh := range s.Shares {
			avail := pool[sh.Group][next[sh.Group]:]
			take := min(sh.Count, len(avail))
			r.Slots[i] = append(r.Slots[i], avail[:take]...)
			next[sh.Group] += take
			if take < sh.Count {
				r.Shortfalls = append(r.Shortfalls, Shortfall{Slot: i, Group: sh.Group, Wanted: sh.Count, Got: take})
				loads[i] -= a.Table.Mean[sh.Group] * float64(sh.Count-take)
			}
		}
	}

	groups := make([]string, 0, len(pool))
	for g := range pool {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, g := range groups {
		rest := pool[g][next[g]:]
		for _, j := range rest {
			slot := lightest(loads, a.reserved)
			r.Slots[slot] = append(r.Slots[slot], j)
			loads[slot] += a.costOf(g)
			r.Unplanned = append(r.Unplanned, j.ID)
		}
	}
	return r
}

// costOf falls back to the table's average mean for unknown groups.
func (a *Assignment) costOf(group string) float64 {
	if m, ok := a.Table.Mean[group]; ok {
		return m
	}
	if len(a.Table.Mean) == 0 {
		return 0
	}
	var sum float64
	for _, m := range a.Table.Mean {
		sum += m
	}
	return sum / float64(len(a.Table.Mean))
}

// lightest prefers unreserved slots; it falls back to slot 0 only when
// every slot is reserved.
func lightest(loads []float64, reserved map[int]bool) int {
	best := -1
	for i, l := range loads {
		if reserved[i] {
			continue
		}
		if best < 0 || l < loads[best] {
			best = i
		}
	}
	return max(best, 0)
}

// Len is the total number of realized jobs.
func (r *Realization) Len() int {
	n := 0
	for _, s := range r.Slots {
		n += len(s)
	}
	return n
}
