package statistic

import (
	"cmp"
	"slices"
)

// Location tracks the drops attributed to one kernel call site.
type Location struct {
	Addr uint64
	Name string // resolved once, at creation
	Hits uint64 // drops this cycle

	aging uint8
	dead  bool
}

// LocationIndex keys call sites by kernel address, traversed in ascending
// address order at display time. It follows the same aging lifecycle as
// the bucket index.
type LocationIndex struct {
	locs map[uint64]*Location
}

func NewLocationIndex() *LocationIndex {
	return &LocationIndex{locs: make(map[uint64]*Location)}
}

// Lookup returns the entry for addr or nil.
func (ix *LocationIndex) Lookup(addr uint64) *Location {
	return ix.locs[addr]
}

// Insert adds a new entry for addr under the given display name.
func (ix *LocationIndex) Insert(addr uint64, name string) *Location {
	l := &Location{Addr: addr, Name: name, aging: agingRestart}
	ix.locs[addr] = l
	return l
}

// Live returns the live entries in ascending address order.
func (ix *LocationIndex) Live() []*Location {
	out := make([]*Location, 0, len(ix.locs))
	for _, l := range ix.locs {
		if !l.dead {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b *Location) int {
		return cmp.Compare(a.Addr, b.Addr)
	})
	return out
}

// Age closes the display cycle: idle entries tick toward death, active
// ones restart their countdown, and per-cycle hit counts reset.
func (ix *LocationIndex) Age() {
	for _, l := range ix.locs {
		if l.dead {
			continue
		}
		if l.Hits > 0 {
			l.aging = agingRestart
		} else {
			l.aging--
			if l.aging == 0 {
				l.dead = true
			}
		}
		l.Hits = 0
	}
}

// Compact removes the dead entries.
func (ix *LocationIndex) Compact() {
	for addr, l := range ix.locs {
		if l.dead {
			delete(ix.locs, addr)
		}
	}
}

// Len returns the number of entries, dead ones included.
func (ix *LocationIndex) Len() int {
	return len(ix.locs)
}
