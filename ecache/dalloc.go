package ecache

import (
	"github.com/aistore-oss/extentcore/edata"
	"github.com/aistore-oss/extentcore/extentstats"
	"github.com/aistore-oss/extentcore/hooks"
)

// releaseToward is the staged release pipeline: decommit if possible,
// else forced-purge, else lazy-purge, before handing e to the target
// cache's record/coalesce path. Each step that succeeds updates e's
// committed/zeroed bits so the eventual recipient cache sees accurate
// state; if every release attempt fails, e is demoted one state short of
// target (muzzy instead of retained) rather than handed over with
// contents the OS never actually released.
func (a *Arena) releaseToward(e *edata.Edata, target edata.State) {
	addr := hooks.Addr(e.Base())
	size := e.Size()

	if !e.Committed() {
		// Nothing backs the range, so whatever eventually commits it
		// again gets fresh pages.
		e.SetZeroed(true)
	} else {
		if err := a.Hooks.Decommit(addr, size, 0, size); err == nil {
			// Decommitted and forcibly purged pages alike read back as
			// fresh zero pages once recommitted or touched.
			e.SetCommitted(false)
			e.SetZeroed(true)
		} else if err := a.Hooks.PurgeForced(addr, size, 0, size); err == nil {
			e.SetZeroed(true)
		} else if err := a.Hooks.PurgeLazy(addr, size, 0, size); err == nil {
			// Lazily purged pages may still hold their old contents until
			// the OS actually reclaims them.
			e.SetZeroed(false)
		} else {
			a.cacheFor(edata.Muzzy).recordFree(e)
			return
		}
	}
	a.cacheFor(target).recordFree(e)
}

// maximallyPurge is the large-extent oversize-threshold bypass: hand e to
// dallocWrapper, which frees it straight to the OS where the
// configuration allows that and otherwise runs releaseToward's
// decommit/forced-purge/lazy-purge cascade into retained (muzzy only if
// every release attempt fails). The purged pages
// count against dirty's decay counter unconditionally — this call is a
// substitute for the extent ever sitting in dirty at all, whichever
// release hook ends up succeeding.
func (a *Arena) maximallyPurge(e *edata.Edata) {
	a.Stats.Decay[extentstats.Dirty].Purged.Add(uint64(pagesOf(e.Size())))
	a.dallocWrapper(e)
}

// dallocWrapper is the pipeline an extent takes at the end of the purge
// staircase. When the configuration allows fully releasing VM (retain
// disabled and the dalloc hook expected to work), the extent is
// deregistered and handed back to the OS outright; the deregistration
// is undone if the hook then fails after all. Otherwise the extent runs
// the staged decommit/purge cascade and is recorded into the retained
// cache.
func (a *Arena) dallocWrapper(e *edata.Edata) {
	mayDalloc := !a.Cfg.Retain &&
		(a.Hooks.DallocWillFail == nil || !a.Hooks.DallocWillFail())
	if mayDalloc {
		a.Emap.DeregisterBoundary(e)
		if err := a.Hooks.Dalloc(hooks.Addr(e.Base()), e.Size(), e.Committed()); err == nil {
			a.Pool.Put(e)
			return
		}
		a.Emap.RegisterBoundary(e)
	}
	a.releaseToward(e, edata.Retained)
}

func (a *Arena) cacheFor(state edata.State) *Cache {
	switch state {
	case edata.Dirty:
		return a.Dirty
	case edata.Muzzy:
		return a.Muzzy
	default:
		return a.Retained
	}
}

// DecayDirty evicts from the dirty cache down to npagesLimit, lazily
// purging each evicted extent before it moves to muzzy (the decay
// staircase's first hop). A lazily purged extent stays committed — only
// its contents have been surrendered — so on that path this hop does not
// decommit. If the lazy purge fails, the extent instead runs
// releaseToward's decommit/forced-purge cascade and is recorded into
// muzzy, possibly decommitted.
func (a *Arena) DecayDirty(npagesLimit uint64) {
	for {
		e := a.Dirty.Evict(npagesLimit)
		if e == nil {
			return
		}
		a.Stats.Decay[extentstats.Dirty].Purged.Add(uint64(pagesOf(e.Size())))
		if err := a.Hooks.PurgeLazy(hooks.Addr(e.Base()), e.Size(), 0, e.Size()); err == nil {
			e.SetZeroed(false)
			a.Muzzy.recordFree(e)
		} else {
			// No lazy purge on this platform: release the long way.
			a.releaseToward(e, edata.Muzzy)
		}
	}
}

// DecayMuzzy evicts from the muzzy cache down to npagesLimit and runs
// each evicted extent through the full release pipeline into retained —
// muzzy extents are already lazily purged, so this hop is where the OS
// is actually committed to reclaiming the underlying pages.
func (a *Arena) DecayMuzzy(npagesLimit uint64) {
	for {
		e := a.Muzzy.Evict(npagesLimit)
		if e == nil {
			return
		}
		a.Stats.Decay[extentstats.Muzzy].Purged.Add(uint64(pagesOf(e.Size())))
		a.dallocWrapper(e)
	}
}

// PurgeRetained evicts from the retained cache down to npagesLimit,
// fully releasing each extent's virtual address space back to the OS
// (or, if Dalloc isn't wired for this platform or fails, abandoning it)
// — the end of the staircase, where nothing short of returning
// the address range itself is left to do.
func (a *Arena) PurgeRetained(npagesLimit uint64) {
	for {
		e := a.Retained.Evict(npagesLimit)
		if e == nil {
			return
		}
		if a.Hooks.DallocWillFail != nil && a.Hooks.DallocWillFail() {
			a.abandon(e)
			continue
		}
		if err := a.Hooks.Dalloc(hooks.Addr(e.Base()), e.Size(), e.Committed()); err != nil {
			a.abandon(e)
			continue
		}
		a.Pool.Put(e)
	}
}

// Destroy tears the arena down, handing every cached extent's mapping
// back to the OS through the destroy hook. Extents still Active (owned
// by callers) are the callers' problem; the arena must not be used
// again after this returns.
func (a *Arena) Destroy() {
	for _, c := range []*Cache{a.Dirty, a.Muzzy, a.Retained} {
		for {
			e := c.Evict(0)
			if e == nil {
				break
			}
			// Evict deregisters retained extents itself.
			if c.state != edata.Retained {
				a.Emap.DeregisterBoundary(e)
			}
			a.Hooks.Destroy(hooks.Addr(e.Base()), e.Size(), e.Committed())
			a.Pool.Put(e)
		}
	}
}
