package ecache

import (
	"sync"

	"github.com/aistore-oss/extentcore/edata"
	"github.com/aistore-oss/extentcore/eset"
	"github.com/aistore-oss/extentcore/hooks"
	"github.com/aistore-oss/extentcore/xdebug"
)

// Cache is the ecache: a state-bound eset plus its mutex. One exists
// per lifecycle state per arena (Arena.Dirty/Muzzy/Retained).
type Cache struct {
	mu            sync.Mutex
	state         edata.State
	set           *eset.Eset
	delayCoalesce bool
	arena         *Arena
}

func newCache(a *Arena, state edata.State, delayCoalesce bool) *Cache {
	return &Cache{
		state:         state,
		set:           eset.New(state),
		delayCoalesce: delayCoalesce,
		arena:         a,
	}
}

func (c *Cache) State() edata.State { return c.state }
func (c *Cache) Npages() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set.Npages()
}

// Alloc recycles from this cache only; it never grows the address space.
func (c *Cache) Alloc(newAddr uintptr, size, align uintptr, zero bool) (*edata.Edata, error) {
	if size == 0 || align == 0 {
		return nil, ErrInvalidRequest
	}
	e, err := c.extract(newAddr, size, align)
	if err != nil || e == nil {
		return e, err
	}
	if err := c.commitIfNeeded(e, zero); err != nil {
		c.recordFree(e)
		return nil, ErrCommitFailed
	}
	return e, nil
}

// AllocGrow allocates with growth as the fallback: recycle retained,
// else grow it, else raw OS allocation. The retained recycle attempt
// itself happens inside growOrAlloc, under the grow mutex, rather than
// here: see growOrAlloc's doc comment.
func (c *Cache) AllocGrow(newAddr uintptr, size, align uintptr, zero bool) (*edata.Edata, error) {
	if size == 0 || align == 0 {
		return nil, ErrInvalidRequest
	}
	return c.arena.growOrAlloc(newAddr, size, align, zero)
}

// Dalloc returns e (currently Active) to this cache via the
// record/coalesce path.
func (c *Cache) Dalloc(e *edata.Edata) {
	c.recordFree(e)
}

// Evict pops the cache's LRU, honoring the npagesMin floor and
// performing delayed coalescing. The popped extent is flipped to Active
// (or, for retained, deregistered entirely) before the cache mutex is
// ever released — including the brief release inside coalesceOneLocked's
// hook call — so a concurrent new_addr lookup can never observe it still
// claiming membership in this cache's state after it has left the eset.
func (c *Cache) Evict(npagesMin uint64) *edata.Edata {
	for {
		c.mu.Lock()
		if c.set.Npages() <= npagesMin {
			c.mu.Unlock()
			return nil
		}
		e := c.set.FirstLRU()
		if e == nil {
			c.mu.Unlock()
			return nil
		}
		c.set.Remove(e)
		c.arena.Stats.AddPages(-pagesOf(e.Size()))

		if c.state == edata.Retained {
			c.arena.Emap.DeregisterBoundary(e)
			c.mu.Unlock()
			xdebug.Infof("evict: state=%s base=%#x size=%d", c.state, e.Base(), e.Size())
			return e
		}

		e.SetState(edata.Active)
		if c.delayCoalesce {
			merged, ok := c.coalesceOneLocked(e)
			c.mu.Unlock()
			if ok {
				c.reinsert(merged)
				continue // restart eviction after a successful merge
			}
		} else {
			c.mu.Unlock()
		}

		xdebug.Infof("evict: state=%s base=%#x size=%d", c.state, e.Base(), e.Size())
		return e
	}
}

// extract is the recycle step: find a candidate (by new_addr or by
// best fit), remove it from this cache, flip it Active, then hand it to
// splitToFit outside the cache mutex.
func (c *Cache) extract(newAddr, size, align uintptr) (*edata.Edata, error) {
	c.mu.Lock()
	var cand *edata.Edata
	if newAddr != 0 {
		if e := c.arena.Emap.LockEdataFromAddr(newAddr, false); e != nil {
			if e.Base() == newAddr && e.ArenaInd() == c.arena.Ind &&
				e.State() == c.state && e.Size() >= size {
				cand = e
			}
			c.arena.Emap.UnlockEdata(e)
		}
	} else {
		lgMaxFit := -1
		if c.delayCoalesce {
			lgMaxFit = c.arena.Cfg.LgExtentMaxActiveFit
		}
		exactOnly := c.arena.Cfg.ExactFitOnly() || c.arena.Hooks.SplitWillFail()
		cand = c.set.Fit(size, align, exactOnly, lgMaxFit)
	}
	if cand == nil {
		c.mu.Unlock()
		return nil, nil
	}
	c.set.Remove(cand)
	cand.SetState(edata.Active)
	c.arena.Stats.AddPages(-pagesOf(cand.Size()))
	c.mu.Unlock()

	return c.splitToFit(cand, size, align)
}

// splitToFit peels lead/trail off cand so the caller gets back exactly
// [alignUp(base,align), +size). Lead and trail (if any) are reinserted
// into this cache at state S.
func (c *Cache) splitToFit(cand *edata.Edata, size, align uintptr) (*edata.Edata, error) {
	leadsize := alignUp(cand.Base(), align) - cand.Base()
	trailsize := cand.Size() - leadsize - size
	xdebug.Assertf(cand.Size() >= leadsize+size, "cant_alloc: fit chose a too-small candidate")

	if leadsize == 0 && trailsize == 0 {
		return cand, nil
	}
	if c.arena.Hooks.SplitWillFail() {
		c.reinsert(cand)
		return nil, ErrSplitFailed
	}

	mid := cand
	if leadsize > 0 {
		rest, err := split(c.arena, mid, leadsize)
		if err != nil {
			// Nothing has been separated yet: salvage the whole candidate.
			c.reinsert(mid)
			return nil, err
		}
		lead := mid
		mid = rest
		c.reinsert(lead)
	}
	if trailsize > 0 {
		trail, err := split(c.arena, mid, size)
		if err != nil {
			// mid is still the untouched lead-peeled remainder (mid+trail
			// combined): there is no descriptor to carve a trail off of
			// it, so the whole remainder is unsalvageable.
			c.arena.abandon(mid)
			return nil, err
		}
		c.reinsert(trail)
		// mid itself (shrunk in place by split to exactly `size`) is the
		// fragment the caller asked for.
	}
	return mid, nil
}

// reinsert puts e back into this cache at state S, tracking page stats.
//
// A merged-during-eviction extent could arguably be reinserted at its
// neighbor's old LRU slot; this implementation always reinserts at the
// back (most-recently-used end) via eset.Insert instead of splicing into
// the neighbor's old list position. The two differ only in exactly how soon
// the merged extent becomes evictable again, not in whether Evict's
// restart-on-merge loop terminates, so the simpler always-append
// behavior is kept.
func (c *Cache) reinsert(e *edata.Edata) {
	c.mu.Lock()
	e.SetState(c.state)
	c.set.Insert(e)
	c.arena.Stats.AddPages(pagesOf(e.Size()))
	c.mu.Unlock()
}

// commitIfNeeded commits and optionally zeroes e before it is handed to
// a caller that asked for backed memory.
func (c *Cache) commitIfNeeded(e *edata.Edata, zero bool) error {
	if !e.Committed() {
		if err := c.arena.Hooks.Commit(hooks.Addr(e.Base()), e.Size(), 0, e.Size()); err != nil {
			return err
		}
		e.SetCommitted(true)
	}
	if zero && !e.Zeroed() {
		c.arena.Hooks.Zero(hooks.Addr(e.Base()), e.Size())
		e.SetZeroed(true)
	}
	return nil
}

// recordFree is the per-cache half of the free path: e is coalesced with
// its neighbors, and only assigned this cache's state once it is
// certain to actually land here — e stays Active (its
// state coming in) through the whole decision, so a bypass out to
// releaseToward is a plain Active -> Retained edge, never a same-state
// or backward move.
//
// delay_coalesce == false (muzzy, retained): coalesce with both
// neighbors repeatedly until neither side merges any further, then
// insert.
//
// delay_coalesce == true (dirty): only extents already at or above the
// large-class boundary are worth the lock contention of eager
// coalescing, so smaller ones insert untouched. Once a large extent has
// finished coalescing, if its resulting size clears the oversize
// threshold and decay is active on both dirty and muzzy, it bypasses the
// dirty cache entirely and runs straight through the release pipeline
// toward retained rather than sit fully committed until its decay timer
// fires.
func (c *Cache) recordFree(e *edata.Edata) {
	c.mu.Lock()

	if c.delayCoalesce {
		// Large extents coalesce to a fixpoint, same as the
		// non-delay-coalesce branch below, so a chain of four extents
		// W-X-Y-Z freeing Y picks up both X+Z in one call and then W on
		// the next round, rather than stopping after Y's immediate
		// neighbors.
		if e.Size() >= c.arena.Cfg.LargeMinClass {
			for {
				merged := false
				if e, merged = c.coalesceOneLocked(e); !merged {
					break
				}
			}
		}
		if uint64(e.Size()) >= c.arena.Cfg.OversizeThreshold.Load() && !c.arena.Cfg.DecayDisabled() {
			c.mu.Unlock()
			c.arena.maximallyPurge(e)
			return
		}
	} else {
		for {
			merged := false
			if e, merged = c.coalesceOneLocked(e); !merged {
				break
			}
		}
	}

	e.SetState(c.state)
	c.set.Insert(e)
	c.arena.Stats.AddPages(pagesOf(e.Size()))
	c.mu.Unlock()
}

// coalesceOneLocked attempts to merge e with its forward and backward
// physical neighbors, provided each neighbor is currently a member of
// this same cache — extents only coalesce within the same state.
// Caller must hold c.mu on entry and gets it back held on return; e must
// not currently be a member of c.set. Only the higher-address operand's
// IsHead blocks a merge: two ranges never merge across the start of an
// independent OS mapping.
//
// The cache mutex is released for the duration of the merge call
// (mergePrimitive crosses
// into hooks, which may block on the OS) and re-acquired before the
// eset is touched again; the candidate neighbor is flipped to Active
// first, under the still-held mutex, so nothing else can claim it out of
// this cache while the mutex is briefly let go. Each neighbor's page
// count is subtracted from arena.Stats the moment it leaves the eset and
// added back if the merge attempt fails, the same way extract/Evict
// account for their own removals; callers are responsible for adding the
// final (possibly merged) result's page count back in exactly once.
func (c *Cache) coalesceOneLocked(e *edata.Edata) (*edata.Edata, bool) {
	merged := false
	if c.arena.Cfg.ExactFitOnly() {
		// Exact-fit mode: the platform cannot merge mappings.
		return e, merged
	}

	// The neighbor is looked up with its per-edata lock held, so its
	// identity is stable while eligibility is judged; the lock is dropped
	// again before mergePrimitive re-takes both halves' locks itself. On
	// the delay-coalesce path the lookup skips Active neighbors outright
	// rather than contend with an allocator that is about to coalesce on
	// its own free path anyway.
	if fwd := c.arena.Emap.LockEdataFromAddr(e.End(), c.delayCoalesce); fwd != nil {
		ok := fwd.State() == c.state && !fwd.IsHead() && e.CanCoalesce(fwd)
		if ok {
			c.set.Remove(fwd)
			c.arena.Stats.AddPages(-pagesOf(fwd.Size()))
			fwd.SetState(edata.Active)
		}
		c.arena.Emap.UnlockEdata(fwd)
		if ok {
			c.mu.Unlock()
			err := mergePrimitive(c.arena, e, fwd)
			c.mu.Lock()
			if err == nil {
				merged = true
			} else {
				fwd.SetState(c.state)
				c.set.Insert(fwd)
				c.arena.Stats.AddPages(pagesOf(fwd.Size()))
			}
		}
	}

	if bwd := c.arena.Emap.LockEdataFromAddr(e.Base()-1, c.delayCoalesce); bwd != nil {
		ok := bwd.State() == c.state && !e.IsHead() && bwd.CanCoalesce(e)
		if ok {
			c.set.Remove(bwd)
			c.arena.Stats.AddPages(-pagesOf(bwd.Size()))
			bwd.SetState(edata.Active)
		}
		c.arena.Emap.UnlockEdata(bwd)
		if ok {
			c.mu.Unlock()
			err := mergePrimitive(c.arena, bwd, e)
			c.mu.Lock()
			if err == nil {
				e = bwd
				merged = true
			} else {
				bwd.SetState(c.state)
				c.set.Insert(bwd)
				c.arena.Stats.AddPages(pagesOf(bwd.Size()))
			}
		}
	}

	return e, merged
}

func alignUp(addr, align uintptr) uintptr {
	if align == 0 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}
