package statistic

import (
	"github.com/annp1987/bpf-progs/internal/model"
)

// MaxFlowEntries caps the number of distinct flows tracked per bucket.
// Packets for flows beyond the cap still count in the bucket totals; only
// the per-flow breakdown saturates.
const MaxFlowEntries = 25

// FlowEntry is one tracked flow within a bucket.
type FlowEntry struct {
	Key  model.FlowKey
	Hits uint64 // packets this cycle

	aging uint8
	dead  bool
}

// FlowTable is the bounded per-bucket flow set. Overflow and Failed latch
// for the rest of the cycle, are surfaced by the display as one-line
// notices and reset when the cycle closes.
type FlowTable struct {
	entries map[model.FlowKey]*FlowEntry
	order   []model.FlowKey // insertion order for display

	Overflow bool
	Failed   bool
}

func NewFlowTable() *FlowTable {
	return &FlowTable{entries: make(map[model.FlowKey]*FlowEntry)}
}

// Record counts one packet for key. A known flow is counted even when the
// table has overflowed; a new flow is admitted only while there is room.
func (t *FlowTable) Record(key model.FlowKey) {
	if e, ok := t.entries[key]; ok {
		e.Hits++
		return
	}
	if len(t.entries) >= MaxFlowEntries {
		t.Overflow = true
		return
	}
	t.entries[key] = &FlowEntry{Key: key, Hits: 1, aging: agingRestart}
	t.order = append(t.order, key)
}

// Live returns the live flows in insertion order.
func (t *FlowTable) Live() []*FlowEntry {
	out := make([]*FlowEntry, 0, len(t.order))
	for _, key := range t.order {
		if e := t.entries[key]; e != nil && !e.dead {
			out = append(out, e)
		}
	}
	return out
}

// Age applies the end-of-cycle aging rule to every live flow and clears
// the reported flags for the next cycle.
func (t *FlowTable) Age() {
	for _, e := range t.entries {
		if e.dead {
			continue
		}
		if e.Hits > 0 {
			e.aging = agingRestart
		} else {
			e.aging--
			if e.aging == 0 {
				e.dead = true
			}
		}
		e.Hits = 0
	}
	t.Overflow = false
	t.Failed = false
}

// Compact removes dead flows, freeing room for new ones.
func (t *FlowTable) Compact() {
	live := t.order[:0]
	for _, key := range t.order {
		e := t.entries[key]
		if e == nil {
			continue
		}
		if e.dead {
			delete(t.entries, key)
			continue
		}
		live = append(live, key)
	}
	t.order = live
}

// Len returns the number of tracked flows, dead ones included.
func (t *FlowTable) Len() int {
	return len(t.entries)
}
