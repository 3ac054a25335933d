package supervise

import (
	"context"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Tracker records live process groups across every supervisor sharing it,
// so a whole-run abort can reach all of them.
type Tracker struct {
	mu     sync.Mutex
	groups map[int]string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{groups: make(map[int]string)}
}

func (t *Tracker) add(pgid int, label string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.groups[pgid] = label
	t.mu.Unlock()
}

func (t *Tracker) remove(pgid int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.groups, pgid)
	t.mu.Unlock()
}

// Live returns tracked process group ids, sorted.
func (t *Tracker) Live() []int {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.groups))
	for pgid := range t.groups {
		out = append(out, pgid)
	}
	sort.Ints(out)
	return out
}

// Signal sends sig to every tracked group and returns how many were sent.
func (t *Tracker) Signal(sig syscall.Signal) int {
	n := 0
	for _, pgid := range t.Live() {
		if signalGroup(pgid, sig) == nil {
			n++
		}
	}
	return n
}

// KillAll terminates every tracked group: SIGTERM, then SIGKILL for groups
// still alive after grace. It returns the groups that needed SIGKILL.
func (t *Tracker) KillAll(ctx context.Context, grace time.Duration) []int {
	groups := t.Live()
	if len(groups) == 0 {
		return nil
	}
	for _, pgid := range groups {
		_ = signalGroup(pgid, syscall.SIGTERM)
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

wait:
	for {
		alive := false
		for _, pgid := range groups {
			if groupAlive(pgid) {
				alive = true
				break
			}
		}
		if !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			break wait
		case <-tick.C:
		}
	}

	var killed []int
	for _, pgid := range groups {
		if groupAlive(pgid) {
			_ = signalGroup(pgid, syscall.SIGKILL)
			killed = append(killed, pgid)
		}
	}
	return killed
}
