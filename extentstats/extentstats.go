// Package extentstats holds the extent core's profiling counters.
// Curpages and highpages are purely observational, so they live outside
// any lock, updated with relaxed ordering and a CAS-without-retry
// high-water tracker.
package extentstats

import "go.uber.org/atomic"

// Stats aggregates the counters a single arena's extent core publishes.
// One Stats is shared by all of an arena's ecaches.
type Stats struct {
	// Curpages is the number of pages currently held across all of this
	// arena's ecaches (dirty, muzzy, and retained combined); it does not
	// include extents that are Active (allocated out to a caller).
	Curpages atomic.Uint64
	// Highpages is the high-water mark of Curpages, updated via CAS
	// without re-reading Curpages on a failed attempt — intentionally
	// eventual, not exact.
	Highpages atomic.Uint64

	// AbandonedVM accounts bytes of virtual address space leaked via the
	// abandonment path: VM the core could not safely reclaim or
	// re-register.
	AbandonedVM atomic.Uint64

	// Decay counts pages purged out of the dirty and muzzy states by the
	// decay and oversize-bypass paths.
	Decay [2]DecayStats
}

// Decay cache indices, matching the dirty/muzzy ordering used throughout
// the rest of the core.
const (
	Dirty = 0
	Muzzy = 1
)

// DecayStats counts pages purged out of one purge-staircase state.
type DecayStats struct {
	Purged atomic.Uint64
}

// AddPages adjusts Curpages by delta (positive on growth, negative on
// shrink/dalloc) and rolls Highpages forward if needed.
func (s *Stats) AddPages(delta int64) {
	var cur uint64
	if delta >= 0 {
		cur = s.Curpages.Add(uint64(delta))
	} else {
		cur = s.Curpages.Sub(uint64(-delta))
	}
	for {
		high := s.Highpages.Load()
		if cur <= high {
			return
		}
		if s.Highpages.CAS(high, cur) {
			return
		}
		// CAS lost the race; we do not retry against a freshly reloaded
		// cur, we just drop it — the next AddPages call (if any) will
		// eventually catch the watermark up.
		return
	}
}
