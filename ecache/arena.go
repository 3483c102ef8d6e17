// Package ecache is the extent core's manager: one cohesive type (Arena)
// owning three ecaches (dirty/muzzy/retained), the boundary index, the
// descriptor pool, the hooks, and the retained-growth engine, plus the
// split/merge/coalesce/dalloc machinery that moves extents between them.
package ecache

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/aistore-oss/extentcore/edata"
	"github.com/aistore-oss/extentcore/emap"
	"github.com/aistore-oss/extentcore/extentcfg"
	"github.com/aistore-oss/extentcore/extentstats"
	"github.com/aistore-oss/extentcore/hooks"
)

// Arena is one arena's extent-management core; everything above it (the
// slab/object layer) is a separate concern.
type Arena struct {
	Ind   uint32
	Emap  *emap.Emap
	Pool  *edata.Pool
	Hooks *hooks.Set
	Cfg   *extentcfg.Config
	Stats *extentstats.Stats

	Dirty    *Cache
	Muzzy    *Cache
	Retained *Cache

	// growMu is the grow mutex: top of the locking hierarchy,
	// distinct from any Cache.mu, held for the duration of a retained
	// recycle-then-grow attempt.
	growMu     sync.Mutex
	growCursor int
	snCtr      atomic.Uint64
}

// New constructs an Arena with the standard three-cache layout: dirty
// delays coalescing (default config), muzzy and retained do not.
func New(ind uint32, em *emap.Emap, pool *edata.Pool, hks *hooks.Set, cfg *extentcfg.Config, stats *extentstats.Stats) *Arena {
	a := &Arena{
		Ind:   ind,
		Emap:  em,
		Pool:  pool,
		Hooks: hks,
		Cfg:   cfg,
		Stats: stats,
	}
	a.Dirty = newCache(a, edata.Dirty, true)
	a.Muzzy = newCache(a, edata.Muzzy, false)
	a.Retained = newCache(a, edata.Retained, false)
	return a
}

func (a *Arena) nextSN() uint64 { return a.snCtr.Inc() }

func pagesOf(size uintptr) int64 {
	const pageSize = 4096
	return int64((size + pageSize - 1) / pageSize)
}

// abandon implements the VM-abandonment policy: the range can neither be
// freed to the OS nor safely reinserted into any cache (typically because
// a split couldn't get a descriptor for one of the resulting fragments),
// so the core purges it (lazy then forced, so no *physical* memory leaks)
// and lets the *virtual* range become permanently unreachable. Index
// consistency wins over reclaiming VM under rare failures.
//
// In principle a concurrent re-registration of the same range could race
// this deregistration; in practice the hooks never hand the same range
// out twice while it is mapped, so an abandoned address is never
// rediscovered.
func (a *Arena) abandon(e *edata.Edata) {
	a.Emap.DeregisterBoundary(e)
	addr := hooks.Addr(e.Base())
	_ = a.Hooks.PurgeLazy(addr, e.Size(), 0, e.Size())
	_ = a.Hooks.PurgeForced(addr, e.Size(), 0, e.Size())
	a.Stats.AbandonedVM.Add(uint64(e.Size()))
	a.Pool.Put(e)
}
