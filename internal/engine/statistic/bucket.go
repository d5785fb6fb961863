package statistic

import (
	"cmp"
	"slices"
)

// agingRestart is the idle-sweep countdown an entry gets whenever it sees
// activity. An entry that stays idle for this many sweeps is marked dead
// and removed by the following compaction.
const agingRestart = 3

// Bucket aggregates the drops sharing one dimension key for the current
// display cycle.
type Bucket struct {
	Key   uint64
	Name  string     // display name, set once by the owner; may stay empty
	Hist  Hist
	Total uint64     // drops this cycle
	Flows *FlowTable // only tracked for the flow dimension

	aging uint8
	dead  bool
}

// BucketIndex keys buckets by their 64-bit dimension key. Traversal at
// display time is in ascending key order.
type BucketIndex struct {
	buckets    map[uint64]*Bucket
	trackFlows bool
}

// NewBucketIndex creates an empty index. When trackFlows is set, every
// bucket carries its own bounded flow table.
func NewBucketIndex(trackFlows bool) *BucketIndex {
	return &BucketIndex{
		buckets:    make(map[uint64]*Bucket),
		trackFlows: trackFlows,
	}
}

// Find returns the bucket for key, creating it on first use.
func (ix *BucketIndex) Find(key uint64) *Bucket {
	b, ok := ix.buckets[key]
	if !ok {
		b = &Bucket{Key: key, aging: agingRestart}
		if ix.trackFlows {
			b.Flows = NewFlowTable()
		}
		ix.buckets[key] = b
	}
	return b
}

// Lookup returns the bucket for key without creating it, or nil.
func (ix *BucketIndex) Lookup(key uint64) *Bucket {
	return ix.buckets[key]
}

// MarkDead flags the bucket for key so the next display skips it and the
// next compaction removes it. It reports whether the bucket existed.
func (ix *BucketIndex) MarkDead(key uint64) bool {
	b := ix.buckets[key]
	if b == nil {
		return false
	}
	b.dead = true
	return true
}

// Live returns the live buckets in ascending key order.
func (ix *BucketIndex) Live() []*Bucket {
	out := make([]*Bucket, 0, len(ix.buckets))
	for _, b := range ix.buckets {
		if !b.dead {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b *Bucket) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

// Age closes the display cycle for every live bucket: active buckets get a
// fresh aging countdown, idle ones tick down and die at zero, and the
// per-cycle counters reset. Dead buckets stay dead.
func (ix *BucketIndex) Age() {
	for _, b := range ix.buckets {
		if b.dead {
			continue
		}
		if b.Total > 0 {
			b.aging = agingRestart
		} else {
			b.aging--
			if b.aging == 0 {
				b.dead = true
			}
		}
		b.Total = 0
		b.Hist.Reset()
		if b.Flows != nil {
			b.Flows.Age()
		}
	}
}

// Compact removes the dead buckets and compacts the surviving flow tables.
func (ix *BucketIndex) Compact() {
	for key, b := range ix.buckets {
		if b.dead {
			delete(ix.buckets, key)
			continue
		}
		if b.Flows != nil {
			b.Flows.Compact()
		}
	}
}

// Len returns the number of buckets, dead ones included.
func (ix *BucketIndex) Len() int {
	return len(ix.buckets)
}
