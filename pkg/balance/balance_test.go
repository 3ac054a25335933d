package balance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/slotbatch/pkg/job"
)

func makePool(counts map[string]int) map[string][]job.Job {
	pool := make(map[string][]job.Job)
	for g, n := range counts {
		for i := 0; i < n; i++ {
			pool[g] = append(pool[g], job.Job{ID: fmt.Sprintf("%s_%02d_v1_x", g, i), Group: g})
		}
	}
	return pool
}

func TestNormalize(t *testing.T) {
	table := CostTable{
		Mean:  map[string]float64{"a": 10, "b": 20},
		Count: map[string]int{"a": 4, "c": 0, "d": 2},
	}

	n := table.Normalize()

	assert.Equal(t, map[string]float64{"a": 10, "b": 20, "c": 15, "d": 15}, n.Mean)
	assert.Equal(t, map[string]int{"a": 4, "b": 3, "c": 3, "d": 2}, n.Count)
	assert.Equal(t, []string{"a", "b", "c", "d"}, n.Groups())
}

func TestAssignRequiresSlots(t *testing.T) {
	_, err := Assign(NewCostTable(), 0, 1)
	require.ErrorIs(t, err, ErrNoSlots)
}

func TestAssignSimple(t *testing.T) {
	table := CostTable{
		Mean:  map[string]float64{"a": 5, "b": 50, "c": 10},
		Count: map[string]int{"a": 10, "b": 2, "c": 3},
	}

	a, err := Assign(table, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, ModeSimple, a.Mode)

	assert.Equal(t, []float64{100, 80}, a.Totals())
	assert.InDelta(t, 20, a.Spread(), 1e-9)

	seen := map[string]int{}
	var sum float64
	for _, s := range a.Slots {
		for _, sh := range s.Shares {
			seen[sh.Group]++
		}
		sum += s.Total
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen, "every group lands in exactly one slot")
	assert.InDelta(t, 50.0+100+30, sum, 1e-9)
	assert.Equal(t, table.Count, a.GroupCounts())

	r := a.Realize(makePool(table.Count))
	assert.Equal(t, 15, r.Len())
	assert.Empty(t, r.Shortfalls)
	assert.Empty(t, r.Unplanned)

	ids := map[string]int{}
	for _, jobs := range r.Slots {
		for _, j := range jobs {
			ids[j.ID]++
		}
	}
	for id, n := range ids {
		assert.Equal(t, 1, n, "job %s assigned %d times", id, n)
	}
}

func TestAssignSimpleTiesPreferLowerSlot(t *testing.T) {
	table := CostTable{
		Mean:  map[string]float64{"x": 1},
		Count: map[string]int{"x": 3},
	}
	a, err := Assign(table, 3, 1)
	require.NoError(t, err)
	require.Len(t, a.Slots[0].Shares, 1)
	assert.Empty(t, a.Slots[1].Shares)
	assert.Empty(t, a.Slots[2].Shares)
}

func TestSpreadBoundedByLargestGroup(t *testing.T) {
	table := NewCostTable()
	for i := 1; i <= 8; i++ {
		g := fmt.Sprintf("g%d", i)
		table.Mean[g] = float64(i)
		table.Count[g] = 1
	}

	for slots := 1; slots <= 8; slots++ {
		a, err := Assign(table, slots, 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, a.Spread(), 8.0, "slots=%d", slots)
	}
}

func TestAssignConvergesAsSlotsGrow(t *testing.T) {
	ladder := func(n int) map[string]float64 {
		out := make(map[string]float64, n)
		for i := 1; i <= n; i++ {
			out[fmt.Sprintf("g%02d", i)] = float64(i)
		}
		return out
	}
	uniform := make(map[string]float64, 12)
	for i := 0; i < 12; i++ {
		uniform[fmt.Sprintf("g%02d", i)] = 10
	}
	decay := make(map[string]float64, 40)
	for i := 0; i < 40; i++ {
		decay[fmt.Sprintf("g%02d", i)] = float64(100 / (i + 1))
	}

	tests := []struct {
		name   string
		totals map[string]float64
	}{
		{"uniform", uniform},
		{"ladder12", ladder(12)},
		{"ladder24", ladder(24)},
		{"mixed", map[string]float64{"a": 30, "b": 25, "c": 20, "d": 15, "e": 10, "f": 8, "g": 6, "h": 5, "i": 4, "j": 3, "k": 2, "l": 1}},
		{"long tail", decay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewCostTable()
			var largest float64
			for g, total := range tt.totals {
				table.Mean[g] = total
				table.Count[g] = 1
				largest = max(largest, total)
			}

			prevMax := -1.0
			for slots := 1; slots < min(len(tt.totals), 11); slots++ {
				a, err := Assign(table, slots, 1)
				require.NoError(t, err)

				var hi float64
				for _, total := range a.Totals() {
					hi = max(hi, total)
				}
				if prevMax >= 0 {
					assert.LessOrEqual(t, hi, prevMax, "slots=%d: heaviest slot grew", slots)
				}
				assert.LessOrEqual(t, a.Spread(), largest, "slots=%d", slots)
				prevMax = hi
			}
		})
	}
}

func TestAssignReplicatedSmallAndLargeBatch(t *testing.T) {
	// A: 10 jobs at 5s, B: 2 jobs at 50s across 2 slots.
	table := CostTable{
		Mean:  map[string]float64{"A": 5, "B": 50},
		Count: map[string]int{"A": 10, "B": 2},
	}

	simple, err := Assign(table, 2, 1)
	require.NoError(t, err)
	assert.InDelta(t, 50, simple.Spread(), 1e-9)

	a, err := Assign(table, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, ModeReplicated, a.Mode)
	assert.Less(t, a.Spread(), 5.0, "slot totals must differ by less than one job")
	assert.Equal(t, table.Count, a.GroupCounts())

	r := a.Realize(makePool(table.Count))
	require.Len(t, r.Slots, 2)
	for i, jobs := range r.Slots {
		assert.Len(t, jobs, 6, "slot %d", i)
		var b int
		for _, j := range jobs {
			if j.Group == "B" {
				b++
			}
		}
		assert.Equal(t, 1, b, "slot %d holds one B job alongside A jobs", i)
	}
}

func TestAssignReplicatedLargeGroupGetsMoreCopies(t *testing.T) {
	table := CostTable{
		Mean:  map[string]float64{"big": 100, "s1": 1, "s2": 1, "s3": 1},
		Count: map[string]int{"big": 8, "s1": 2, "s2": 2, "s3": 2},
	}

	a, err := Assign(table, 8, 8)
	require.NoError(t, err)
	assert.Equal(t, table.Count, a.GroupCounts())

	slotsByGroup := map[string]map[int]int{}
	for _, s := range a.Slots {
		for _, sh := range s.Shares {
			if slotsByGroup[sh.Group] == nil {
				slotsByGroup[sh.Group] = map[int]int{}
			}
			slotsByGroup[sh.Group][s.Slot]++
		}
	}

	assert.Len(t, slotsByGroup["big"], 4, "large group capped at slots/2 replicas")
	for g, slots := range slotsByGroup {
		for slot, n := range slots {
			assert.Equal(t, 1, n, "group %s has %d shares in slot %d", g, n, slot)
		}
	}
	assert.Len(t, slotsByGroup["s1"], 2)
}

func TestAssignReplicatedRemainderGoesFirst(t *testing.T) {
	table := CostTable{
		Mean:  map[string]float64{"g": 1},
		Count: map[string]int{"g": 5},
	}

	a, err := Assign(table, 2, 2)
	require.NoError(t, err)
	require.Len(t, a.Slots[0].Shares, 1)
	require.Len(t, a.Slots[1].Shares, 1)
	assert.Equal(t, 3, a.Slots[0].Shares[0].Count)
	assert.Equal(t, 2, a.Slots[1].Shares[0].Count)
}

func TestAssignReplicatedNeverExceedsJobCount(t *testing.T) {
	table := CostTable{
		Mean:  map[string]float64{"solo": 30},
		Count: map[string]int{"solo": 1},
	}
	a, err := Assign(table, 4, 4)
	require.NoError(t, err)

	var shares int
	for _, s := range a.Slots {
		shares += len(s.Shares)
	}
	assert.Equal(t, 1, shares)
}

func TestRealizeShortfallAndUnplanned(t *testing.T) {
	table := CostTable{
		Mean:  map[string]float64{"a": 10, "b": 10},
		Count: map[string]int{"a": 4, "b": 1},
	}
	a, err := Assign(table, 2, 1)
	require.NoError(t, err)

	pool := makePool(map[string]int{"a": 2, "b": 1, "z": 1})
	r := a.Realize(pool)

	require.Len(t, r.Shortfalls, 1)
	assert.Equal(t, Shortfall{Slot: 0, Group: "a", Wanted: 4, Got: 2}, r.Shortfalls[0])
	assert.Equal(t, []string{"z_00_v1_x"}, r.Unplanned)
	assert.Equal(t, 4, r.Len())
}

func TestAssignPinnedGroupOwnsSlot(t *testing.T) {
	table := CostTable{
		Mean:  map[string]float64{"pin": 1, "a": 10, "b": 10},
		Count: map[string]int{"pin": 3, "a": 1, "b": 1},
	}

	a, err := Assign(table, 3, 1, WithPinned(map[string]int{"pin": 0}))
	require.NoError(t, err)

	require.Len(t, a.Slots[0].Shares, 1)
	assert.Equal(t, "pin", a.Slots[0].Shares[0].Group)
	assert.Len(t, a.Slots[1].Shares, 1)
	assert.Len(t, a.Slots[2].Shares, 1)
	assert.Equal(t, table.Count, a.GroupCounts())

	_, err = Assign(table, 1, 1, WithPinned(map[string]int{"pin": 0}))
	require.Error(t, err)

	_, err = Assign(table, 2, 1, WithPinned(map[string]int{"pin": 5}))
	require.Error(t, err)
}
