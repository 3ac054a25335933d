package balance

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Mode selects the balancing strategy.
type Mode string

const (
	ModeSimple     Mode = "simple"
	ModeReplicated Mode = "replicated"
)

// DefaultLargeGroupFactor marks a group as large when its total exceeds this
// multiple of the mean group total.
const DefaultLargeGroupFactor = 2.0

// ErrNoSlots is returned when numSlots < 1.
var ErrNoSlots = errors.New("at least one slot is required")

// Share is a disjoint portion of one group's jobs placed in a slot.
type Share struct {
	Group string  `json:"group"`
	Count int     `json:"count"`
	Cost  float64 `json:"cost"`
}

// SlotPlan is the ordered set of shares assigned to one slot.
type SlotPlan struct {
	Slot   int     `json:"slot"`
	Shares []Share `json:"shares"`
	Total  float64 `json:"total"`
}

// Assignment is the balancer's output: one plan per slot.
type Assignment struct {
	Mode  Mode       `json:"mode"`
	Slots []SlotPlan `json:"slots"`

	// Table is the normalized cost table the plan was computed from.
	Table CostTable `json:"table"`

	// reserved slots hold pinned groups only.
	reserved map[int]bool
}

// Option adjusts Assign.
type Option func(*options)

type options struct {
	largeFactor float64
	pinned      map[string]int
}

// WithLargeGroupFactor overrides DefaultLargeGroupFactor.
func WithLargeGroupFactor(f float64) Option {
	return func(o *options) {
		if f > 0 {
			o.largeFactor = f
		}
	}
}

// WithPinned places each listed group whole into the given slot. Pinned
// slots are then excluded from balancing.
func WithPinned(pinned map[string]int) Option {
	return func(o *options) {
		o.pinned = pinned
	}
}

// Assign partitions the table across numSlots slots. maxCopies <= 1 selects
// simple mode, anything larger selects replicated mode.
func Assign(table CostTable, numSlots, maxCopies int, opts ...Option) (*Assignment, error) {
	if numSlots < 1 {
		return nil, ErrNoSlots
	}
	o := options{largeFactor: DefaultLargeGroupFactor}
	for _, fn := range opts {
		fn(&o)
	}

	norm := table.Normalize()
	a := &Assignment{
		Mode:     ModeSimple,
		Slots:    make([]SlotPlan, numSlots),
		Table:    norm,
		reserved: map[int]bool{},
	}
	for i := range a.Slots {
		a.Slots[i].Slot = i
	}

	if len(o.pinned) > 0 {
		rest, err := a.placePinned(norm, o.pinned)
		if err != nil {
			return nil, err
		}
		norm = rest
	}

	if maxCopies <= 1 {
		a.assignSimple(norm)
		return a, nil
	}
	a.Mode = ModeReplicated
	if err := a.assignReplicated(norm, maxCopies, o.largeFactor); err != nil {
		return nil, err
	}
	return a, nil
}

// placePinned commits pinned groups and returns the table without them.
func (a *Assignment) placePinned(t CostTable, pinned map[string]int) (CostTable, error) {
	rest := NewCostTable()
	for g, m := range t.Mean {
		rest.Mean[g] = m
	}
	for g, c := range t.Count {
		rest.Count[g] = c
	}

	groups := make([]string, 0, len(pinned))
	for g := range pinned {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, g := range groups {
		slot := pinned[g]
		if slot < 0 || slot >= len(a.Slots) {
			return CostTable{}, fmt.Errorf("group %s pinned to slot %d outside 0..%d", g, slot, len(a.Slots)-1)
		}
		a.reserved[slot] = true
		if c := t.Count[g]; c > 0 {
			a.place(slot, Share{Group: g, Count: c, Cost: t.Total(g)})
		}
		delete(rest.Mean, g)
		delete(rest.Count, g)
	}

	if len(a.reserved) == len(a.Slots) && len(rest.ranked()) > 0 {
		return CostTable{}, fmt.Errorf("all %d slots are pinned; no slot left for the remaining groups", len(a.Slots))
	}
	return rest, nil
}

func (a *Assignment) assignSimple(t CostTable) {
	for _, gc := range t.ranked() {
		best := a.bestSlot(gc.total, nil, false)
		a.place(best, Share{Group: gc.group, Count: t.Count[gc.group], Cost: gc.total})
	}
}

func (a *Assignment) assignReplicated(t CostTable, maxCopies int, largeFactor float64) error {
	ranked := t.ranked()
	if len(ranked) == 0 {
		return nil
	}

	var sum float64
	for _, gc := range ranked {
		sum += gc.total
	}
	meanTotal := sum / float64(len(ranked))
	numSlots := len(a.Slots) - len(a.reserved)

	for _, gc := range ranked {
		count := t.Count[gc.group]
		copies := replicaCount(gc.total, meanTotal, largeFactor, maxCopies, numSlots, count)

		per := count / copies
		rem := count % copies
		used := make(map[int]bool, copies)
		placed := 0
		for r := 0; r < copies; r++ {
			n := per
			if r < rem {
				n++
			}
			if n == 0 {
				continue
			}
			cost := t.Mean[gc.group] * float64(n)
			best := a.bestSlot(cost, used, true)
			if best < 0 {
				return fmt.Errorf("no free slot for replica %d of group %s", r, gc.group)
			}
			used[best] = true
			a.place(best, Share{Group: gc.group, Count: n, Cost: cost})
			placed += n
		}
		if placed != count {
			return fmt.Errorf("group %s: placed %d of %d jobs", gc.group, placed, count)
		}
	}
	return nil
}

// replicaCount returns how many disjoint shares a group is split into.
func replicaCount(total, meanTotal, largeFactor float64, maxCopies, numSlots, count int) int {
	var copies int
	if total > largeFactor*meanTotal {
		copies = min(maxCopies, numSlots/2)
	} else {
		copies = min(2, maxCopies)
	}
	copies = min(copies, numSlots, count)
	return max(copies, 1)
}

// bestSlot returns the slot minimizing the resulting max-min spread if cost
// were added to it. Ties go to the lower index, or with preferLight to the
// lower current load first. Slots in exclude are skipped; -1 means none was
// eligible.
func (a *Assignment) bestSlot(cost float64, exclude map[int]bool, preferLight bool) int {
	best := -1
	bestSpread := math.Inf(1)
	bestLoad := math.Inf(1)
	for i := range a.Slots {
		if exclude[i] || a.reserved[i] {
			continue
		}
		spread := a.projectedSpread(i, cost)
		load := a.Slots[i].Total
		if spread < bestSpread || (preferLight && spread == bestSpread && load < bestLoad) {
			best, bestSpread, bestLoad = i, spread, load
		}
	}
	return best
}

func (a *Assignment) projectedSpread(slot int, cost float64) float64 {
	hi := math.Inf(-1)
	lo := math.Inf(1)
	for i, s := range a.Slots {
		if a.reserved[i] {
			continue
		}
		v := s.Total
		if i == slot {
			v += cost
		}
		hi = math.Max(hi, v)
		lo = math.Min(lo, v)
	}
	return hi - lo
}

func (a *Assignment) place(slot int, sh Share) {
	a.Slots[slot].Shares = append(a.Slots[slot].Shares, sh)
	a.Slots[slot].Total += sh.Cost
}

// Totals returns the estimated total per slot.
func (a *Assignment) Totals() []float64 {
	out := make([]float64, len(a.Slots))
	for i, s := range a.Slots {
		out[i] = s.Total
	}
	return out
}

// Spread is max(slot totals) - min(slot totals).
func (a *Assignment) Spread() float64 {
	if len(a.Slots) == 0 {
		return 0
	}
	hi, lo := a.Slots[0].Total, a.Slots[0].Total
	for _, s := range a.Slots[1:] {
		hi = math.Max(hi, s.Total)
		lo = math.Min(lo, s.Total)
	}
	return hi - lo
}

// GroupCounts sums the planned job count per group across slots.
func (a *Assignment) GroupCounts() map[string]int {
	out := make(map[string]int)
	for _, s := range a.Slots {
		for _, sh := range s.Shares {
			out[sh.Group] += sh.Count
		}
	}
	return out
}
