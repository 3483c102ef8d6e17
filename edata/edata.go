// Package edata implements the extent descriptor itself (immutable
// identity plus mutable lifecycle state) and the descriptor pool that
// recycles them.
package edata

import "github.com/aistore-oss/extentcore/xdebug"

// ProviderTag identifies which page-allocation provider produced an
// extent. This core only ever produces one, but the field exists so a
// descriptor's origin is still self-describing if a second provider is
// ever wired in above this layer.
type ProviderTag uint8

const PAIDefault ProviderTag = 0

// Edata is the descriptor for one contiguous, page-aligned virtual
// range. Identity fields (Base, Size's origin, ArenaInd, IsHead) are set
// once at construction/split time and never mutated in place; Size itself
// changes under split/merge, and the remaining fields are mutable
// lifecycle state.
//
// Edata carries no lock of its own: per the core's locking discipline,
// callers hold either the owning ecache's mutex or a per-edata lock
// obtained from the emap package while they touch these fields.
type Edata struct {
	base     uintptr
	size     uintptr
	arenaInd uint32
	sn       uint64
	pai      ProviderTag
	isHead   bool

	state     State
	committed bool
	zeroed    bool
}

// Init (re-)initializes a descriptor drawn from a Pool for use as a fresh
// extent. Called exactly once per descriptor lifetime.
func (e *Edata) Init(base, size uintptr, arenaInd uint32, sn uint64, state State, zeroed, committed bool, isHead bool) {
	e.base = base
	e.size = size
	e.arenaInd = arenaInd
	e.sn = sn
	e.pai = PAIDefault
	e.isHead = isHead
	e.state = state
	e.zeroed = zeroed
	e.committed = committed
}

func (e *Edata) Base() uintptr       { return e.base }
func (e *Edata) Size() uintptr       { return e.size }
func (e *Edata) End() uintptr        { return e.base + e.size }
func (e *Edata) ArenaInd() uint32    { return e.arenaInd }
func (e *Edata) SN() uint64          { return e.sn }
func (e *Edata) PAI() ProviderTag    { return e.pai }
func (e *Edata) IsHead() bool        { return e.isHead }
func (e *Edata) State() State        { return e.state }
func (e *Edata) Committed() bool     { return e.committed }
func (e *Edata) Zeroed() bool        { return e.zeroed }

// SetState performs the state transition, asserting it is one of the
// legal directed edges.
func (e *Edata) SetState(to State) {
	xdebug.Assertf(e.state.CanReach(to), "illegal transition %s -> %s", e.state, to)
	e.state = to
}

// SetCommitted and SetZeroed are the commit/decommit mutation points:
// commit flips Committed true, decommit flips it false; any
// caller-visible mutation of contents must clear Zeroed.
func (e *Edata) SetCommitted(v bool) { e.committed = v }
func (e *Edata) SetZeroed(v bool)    { e.zeroed = v }

// Contains reports whether addr falls within [base, base+size).
func (e *Edata) Contains(addr uintptr) bool {
	return addr >= e.base && addr < e.base+e.size
}

// CanCoalesce implements the metadata half of the merge eligibility
// test: same arena, same provider, agreeing committed bits. It
// deliberately does not compare State — the extent being freed is still
// Active (its target state is assigned only once recording finishes),
// while its neighbor already sits in the target eset, so their States
// legitimately differ right up until the merge completes. The caller is
// responsible for the head-boundary check, which is directional (only the
// right-hand / higher-address operand's IsHead matters), and for
// confirming the neighbor is actually in the target state.
func (e *Edata) CanCoalesce(other *Edata) bool {
	return e.arenaInd == other.arenaInd &&
		e.pai == other.pai &&
		e.committed == other.committed
}

// ShrinkTo is used by the boundary index's split commit (emap.SplitCommit)
// to shorten the parent after peeling off a trail.
func (e *Edata) ShrinkTo(newSize uintptr) {
	xdebug.Assertf(newSize <= e.size, "shrink grows: %d -> %d", e.size, newSize)
	e.size = newSize
}

// GrowBy is used by the merger to extend the low-address operand.
func (e *Edata) GrowBy(extra uintptr) {
	e.size += extra
}

// AdoptMinSN keeps the older serial number across a merge, preserving LRU
// fairness.
func (e *Edata) AdoptMinSN(other *Edata) {
	if other.sn < e.sn {
		e.sn = other.sn
	}
}

// AndZeroed ANDs in another descriptor's zeroed flag: a merged range is
// only zeroed if both halves were.
func (e *Edata) AndZeroed(other *Edata) {
	e.zeroed = e.zeroed && other.zeroed
}
