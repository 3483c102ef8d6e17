// Package emap implements the boundary index: a concurrent
// address->extent map with per-extent locking and the neighbor queries
// the coalescing protocol needs.
//
// The index is sharded — keys hash into a fixed number of independently
// locked buckets — and each shard keeps two plain maps (by base, by
// end), since both directions are looked up by exact address on every
// coalesce attempt.
package emap

import (
	"sync"

	"github.com/aistore-oss/extentcore/edata"
	"github.com/aistore-oss/extentcore/xdebug"
)

const numShards = 64

type shard struct {
	mu     sync.Mutex
	byBase map[uintptr]*edata.Edata
	byEnd  map[uintptr]*edata.Edata
}

// Emap is the boundary index. One Emap is shared by every ecache and
// arena in a process; callers tell extents apart by ArenaInd.
type Emap struct {
	shards [numShards]shard
	// lockPool is the per-address mutex pool backing LockEdata/LockEdata2,
	// deliberately separate from the shard mutexes above: the shard
	// mutex protects the *index* (insert/remove/lookup), the lock pool
	// protects an individual descriptor's identity-critical fields while
	// a caller (e.g. a coalesce attempt) holds a stable reference to it
	// across a hook call.
	lockPool [numShards]sync.Mutex
}

// New returns an empty boundary index.
func New() *Emap {
	m := &Emap{}
	for i := range m.shards {
		m.shards[i].byBase = make(map[uintptr]*edata.Edata)
		m.shards[i].byEnd = make(map[uintptr]*edata.Edata)
	}
	return m
}

func shardFor(addr uintptr) int {
	// Page-granular addresses mean the low bits are always zero; shift
	// them out before folding into the shard count so nearby pages don't
	// pile onto shard 0.
	return int((addr >> 12) % numShards)
}

// RegisterBoundary indexes e by both its base and end address. Callers
// must ensure no other live descriptor already covers any part of e's
// range before calling this.
func (m *Emap) RegisterBoundary(e *edata.Edata) {
	base, end := e.Base(), e.End()
	sb := &m.shards[shardFor(base)]
	sb.mu.Lock()
	xdebug.Assertf(sb.byBase[base] == nil, "double-register at base %x", base)
	sb.byBase[base] = e
	sb.mu.Unlock()

	se := &m.shards[shardFor(end)]
	se.mu.Lock()
	se.byEnd[end] = e
	se.mu.Unlock()
}

// DeregisterBoundary removes e from both indices.
func (m *Emap) DeregisterBoundary(e *edata.Edata) {
	base, end := e.Base(), e.End()
	sb := &m.shards[shardFor(base)]
	sb.mu.Lock()
	delete(sb.byBase, base)
	sb.mu.Unlock()

	se := &m.shards[shardFor(end)]
	se.mu.Lock()
	delete(se.byEnd, end)
	se.mu.Unlock()
}

// Lookup returns the descriptor whose base is exactly addr, or nil. It
// backs lookupContaining (and so the new_addr and neighbor queries made
// through LockEdataFromAddr) and the index's debug assertions.
func (m *Emap) Lookup(addr uintptr) *edata.Edata {
	s := &m.shards[shardFor(addr)]
	s.mu.Lock()
	e := s.byBase[addr]
	s.mu.Unlock()
	return e
}

// ForwardNeighbor returns the descriptor immediately to the right of e
// (base == e.End()), or nil.
func (m *Emap) ForwardNeighbor(e *edata.Edata) *edata.Edata {
	return m.Lookup(e.End())
}

// BackwardNeighbor returns the descriptor immediately to the left of e
// (end == e.Base()), or nil. The lookup is phrased elsewhere as "address
// base-1, then clamp to its base" — equivalent to an exact end-address
// match, since the only candidate that can ever coalesce with e is one
// that abuts it exactly.
func (m *Emap) BackwardNeighbor(e *edata.Edata) *edata.Edata {
	s := &m.shards[shardFor(e.Base())]
	s.mu.Lock()
	n := s.byEnd[e.Base()]
	s.mu.Unlock()
	return n
}

// lookupContaining resolves addr to the descriptor whose range covers it,
// for the two address shapes this core ever asks about: an exact base
// (forward-neighbor and new_addr queries) or a range's last byte
// (backward-neighbor queries, which pass base-1 and get the abutting
// extent "clamped to its base").
func (m *Emap) lookupContaining(addr uintptr) *edata.Edata {
	if e := m.Lookup(addr); e != nil {
		return e
	}
	s := &m.shards[shardFor(addr+1)]
	s.mu.Lock()
	e := s.byEnd[addr+1]
	s.mu.Unlock()
	return e
}

// LockEdataFromAddr resolves addr to its covering descriptor and returns
// it with its per-edata lock held; the caller must UnlockEdata it. Returns
// nil (nothing locked) if no descriptor covers addr, or — when
// inactiveOnly is set — if the covering descriptor is Active; the
// delay-coalesce path uses that filter to skip neighbors some allocator
// currently owns rather than contend for them. Because the index entry
// can change between the unlocked lookup and the lock acquisition, the
// lookup is re-verified under the lock and retried on mismatch.
func (m *Emap) LockEdataFromAddr(addr uintptr, inactiveOnly bool) *edata.Edata {
	for {
		cand := m.lookupContaining(addr)
		if cand == nil {
			return nil
		}
		m.LockEdata(cand)
		if m.lookupContaining(addr) != cand {
			m.UnlockEdata(cand)
			continue
		}
		if inactiveOnly && cand.State() == edata.Active {
			m.UnlockEdata(cand)
			return nil
		}
		return cand
	}
}

// SplitPrepare is the first half of the two-phase split update. A
// map-backed index has no interior nodes to pre-allocate the way a radix
// tree does, so there is nothing here that can fail; what remains of the
// phase is validating that the caller's view of the index matches
// reality before any locks are taken.
func (m *Emap) SplitPrepare(e *edata.Edata, trail *edata.Edata) {
	if !xdebug.Enabled {
		return
	}
	xdebug.Assertf(m.Lookup(e.Base()) == e, "split-prepare: parent %x not indexed", e.Base())
	xdebug.Assertf(m.Lookup(trail.Base()) == nil, "split-prepare: trail base %x already indexed", trail.Base())
	xdebug.Assert(trail.End() == e.End(), "split-prepare: trail does not end where the parent does")
}

// SplitCommit updates the index after a successful hooks.Split: e shrinks
// to newSize and trail (already initialized by the caller to cover the
// remainder) is registered as an independent extent. Must be called
// while both of e/trail's per-edata locks are held.
func (m *Emap) SplitCommit(e *edata.Edata, newSize uintptr, trail *edata.Edata) {
	oldEnd := e.End()
	se := &m.shards[shardFor(oldEnd)]
	se.mu.Lock()
	delete(se.byEnd, oldEnd)
	se.mu.Unlock()

	e.ShrinkTo(newSize)

	se2 := &m.shards[shardFor(e.End())]
	se2.mu.Lock()
	se2.byEnd[e.End()] = e
	se2.mu.Unlock()

	m.RegisterBoundary(trail)
}

// MergePrepare is SplitPrepare's counterpart for merges: nothing to
// reserve in a map-backed index, only the adjacency sanity check before
// the locks go down.
func (m *Emap) MergePrepare(a, b *edata.Edata) {
	if !xdebug.Enabled {
		return
	}
	xdebug.Assertf(m.Lookup(a.Base()) == a, "merge-prepare: low extent %x not indexed", a.Base())
	xdebug.Assertf(m.Lookup(b.Base()) == b, "merge-prepare: high extent %x not indexed", b.Base())
	xdebug.Assert(a.End() == b.Base(), "merge-prepare: extents not adjacent")
}

// MergeCommit updates the index after a successful hooks.Merge: b is
// removed entirely and a's end moves out to cover b's former range. Must
// be called while both of a/b's per-edata locks are held. MergeCommit
// grows a's size itself (via GrowBy); adopting b's sn/zeroed bits is the
// caller's job (edata.Edata exposes AdoptMinSN/AndZeroed for that).
func (m *Emap) MergeCommit(a, b *edata.Edata) {
	bBase, bEnd := b.Base(), b.End()
	sb := &m.shards[shardFor(bBase)]
	sb.mu.Lock()
	delete(sb.byBase, bBase)
	sb.mu.Unlock()

	sbe := &m.shards[shardFor(bEnd)]
	sbe.mu.Lock()
	delete(sbe.byEnd, bEnd)
	sbe.mu.Unlock()

	aOldEnd := a.End()
	sae := &m.shards[shardFor(aOldEnd)]
	sae.mu.Lock()
	delete(sae.byEnd, aOldEnd)
	sae.mu.Unlock()

	a.GrowBy(b.Size())

	sae2 := &m.shards[shardFor(a.End())]
	sae2.mu.Lock()
	sae2.byEnd[a.End()] = a
	sae2.mu.Unlock()
}

// AssertMapped is a debug invariant: addr must resolve to some
// registered descriptor, for a caller that just mutated the index and
// wants to assert it didn't break it (nothing in this core calls it); a
// no-op outside debug builds.
func (m *Emap) AssertMapped(addr uintptr) {
	if !xdebug.Enabled {
		return
	}
	xdebug.Assertf(m.Lookup(addr) != nil, "address %x unexpectedly unmapped", addr)
}

// LockEdata acquires the per-address lock backing e's identity-critical
// fields.
func (m *Emap) LockEdata(e *edata.Edata) {
	m.lockPool[shardFor(e.Base())].Lock()
}

// UnlockEdata releases the lock taken by LockEdata.
func (m *Emap) UnlockEdata(e *edata.Edata) {
	m.lockPool[shardFor(e.Base())].Unlock()
}

// LockEdata2 locks the per-address locks of both a and b, always taking
// the lower lock-pool bucket index first — a fixed total order every
// caller agrees on regardless of which of a/b it was handed as which
// argument, so no two callers can ever form a lock cycle. The order must
// be on the bucket indices themselves, not on the extents' addresses:
// shardFor wraps modulo numShards, so two
// different address pairs can hash to the same two buckets in opposite
// relative order, and ordering by address would let one caller lock
// (bucket 10, bucket 5) while another locks (bucket 5, bucket 10) for a
// different pair of extents, deadlocking. If a and b hash to the same
// lock-pool bucket, it is taken exactly once.
func (m *Emap) LockEdata2(a, b *edata.Edata) {
	ia, ib := shardFor(a.Base()), shardFor(b.Base())
	lo, hi := ia, ib
	if ia > ib {
		lo, hi = ib, ia
	}
	m.lockPool[lo].Lock()
	if hi != lo {
		m.lockPool[hi].Lock()
	}
}

// UnlockEdata2 releases the locks taken by LockEdata2.
func (m *Emap) UnlockEdata2(a, b *edata.Edata) {
	ia, ib := shardFor(a.Base()), shardFor(b.Base())
	lo, hi := ia, ib
	if ia > ib {
		lo, hi = ib, ia
	}
	if hi != lo {
		m.lockPool[hi].Unlock()
	}
	m.lockPool[lo].Unlock()
}
