// Package extentcfg holds the extent core's tuning knobs: the active-fit
// clamp, the retain/grow toggle, the oversize threshold, decay state, and
// the maps-coalesce platform flag. A plain struct with defaults, not a
// file-backed config loader — these knobs have no wire format.
package extentcfg

import "go.uber.org/atomic"

// Extents at or above this size are "large" for the purposes of the
// eager-coalesce-only-if-large rule on the dirty free path.
const DefaultLargeMinClass = 14 * 1024 // 14 KiB, a stand-in small/large boundary

// An Arena keeps a pointer to the Config it was constructed with; later
// tuning goes through the atomic fields, mirroring how oversize_threshold and
// decay_ms are runtime-mutable in the original.
type Config struct {
	// LgExtentMaxActiveFit caps the slack a delay_coalesce cache's fit
	// search will accept: a candidate larger than size*2^LgExtentMaxActiveFit
	// is rejected. Default 6 (64x).
	LgExtentMaxActiveFit int

	// Retain enables the retained-growth engine. When false, a
	// recycle miss on the retained cache skips the geometric series and
	// maps exactly the requested size straight from the OS instead of
	// growing.
	Retain bool

	// MapsCoalesce reports whether the platform can split/merge OS
	// mappings at all. False (together with Retain == false) forces
	// exact-fit-only behavior across every cache.
	MapsCoalesce bool

	// LargeMinClass is this build's "large extent" boundary.
	LargeMinClass uintptr

	// BaseGrowSize is the first entry of the retained-growth geometric
	// series; each subsequent entry doubles it.
	BaseGrowSize uintptr

	// OversizeThreshold, DecayDirtyMs, DecayMuzzyMs are exposed as atomics
	// because they are read and written concurrently from outside the
	// cache's own mutex.
	OversizeThreshold *atomic.Uint64
	DecayDirtyMs      *atomic.Int64
	DecayMuzzyMs      *atomic.Int64
}

// Default returns a Config with the standard production values.
func Default() *Config {
	c := &Config{
		LgExtentMaxActiveFit: 6,
		Retain:               true,
		MapsCoalesce:         true,
		LargeMinClass:        DefaultLargeMinClass,
		BaseGrowSize:         2 * 1024 * 1024,
		OversizeThreshold:    atomic.NewUint64(8 * 1024 * 1024),
		DecayDirtyMs:         atomic.NewInt64(10_000),
		DecayMuzzyMs:         atomic.NewInt64(10_000),
	}
	return c
}

// DecayDisabled reports whether either the dirty or muzzy decay clock is
// turned off (-1), which disables the oversize short-circuit.
func (c *Config) DecayDisabled() bool {
	return c.DecayDirtyMs.Load() < 0 || c.DecayMuzzyMs.Load() < 0
}

// ExactFitOnly is true when the platform cannot split/merge and the core
// isn't allowed to grow its own retained arena either — the degenerate
// "exact fit or bust" mode.
func (c *Config) ExactFitOnly() bool {
	return !c.MapsCoalesce && !c.Retain
}
