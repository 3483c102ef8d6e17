package ecache

import (
	"github.com/aistore-oss/extentcore/edata"
	"github.com/aistore-oss/extentcore/hooks"
)

// maxGrowSteps bounds how far the geometric series will search past the
// current cursor before giving up and falling back to a raw OS mapping:
// without a cap, a pathological BaseGrowSize/size combination could spin
// indefinitely.
const maxGrowSteps = 32

// growOrAlloc is the growth engine's entry, reached on a dirty/muzzy
// recycle miss. It holds the arena's grow mutex for the whole attempt —
// the grow mutex sits above every cache mutex in the lock hierarchy, and
// the retained-cache recycle is attempted here, under the lock, before
// falling through to growing or a raw OS mapping — so a goroutine that
// loses the race into this function still benefits from whatever
// lead/trail fragment the winner's split just deposited into retained,
// instead of growing the address space a second time.
func (a *Arena) growOrAlloc(newAddr, size, align uintptr, zero bool) (*edata.Edata, error) {
	a.growMu.Lock()
	defer a.growMu.Unlock()

	if e, err := a.Retained.Alloc(newAddr, size, align, zero); e != nil || err != nil {
		return e, err
	}
	if newAddr != 0 {
		// A specific address was requested; growth cannot target it.
		return nil, nil
	}

	if a.Cfg.Retain {
		if e, err := a.grow(size, align, zero); e != nil || err != nil {
			return e, err
		}
	}
	return a.rawAlloc(size, align, zero)
}

// seriesSize returns the cursor-th entry of the geometric series
// BaseGrowSize, 2*BaseGrowSize, 4*BaseGrowSize, ..., or 0 if the entry
// would overflow uintptr.
func (a *Arena) seriesSize(cursor int) uintptr {
	base := a.Cfg.BaseGrowSize
	if base == 0 || cursor < 0 {
		return 0
	}
	shift := uint(cursor)
	if shift >= 63 {
		return 0
	}
	if shift > 0 && base > (^uintptr(0))>>shift {
		return 0 // would overflow
	}
	return base << shift
}

// grow attempts to extend the retained arena via the geometric series,
// advancing growCursor past any step too small or whose hooks.Alloc call
// fails, up to maxGrowSteps attempts. On success the freshly mapped range
// is split down to the caller's request and the remainder lands in the
// retained cache. Returns (nil, nil) — not an error — when the series is
// exhausted or overflows, signaling the caller to fall back to rawAlloc.
func (a *Arena) grow(size, align uintptr, zero bool) (*edata.Edata, error) {
	cursor := a.growCursor
	for tries := 0; tries < maxGrowSteps; tries++ {
		candidate := a.seriesSize(cursor)
		if candidate == 0 {
			return nil, nil
		}
		if candidate < size {
			cursor++
			continue
		}

		addr, zeroed, committed, ok := a.Hooks.Alloc(0, candidate, align)
		if !ok {
			cursor++
			continue
		}

		e := a.Pool.Get()
		if e == nil {
			// The raw mapping succeeded but there is no descriptor to wrap
			// it in: it can never be tracked, so purge it immediately and
			// account it lost rather than leak it silently.
			_ = a.Hooks.PurgeForced(addr, candidate, 0, candidate)
			a.Stats.AbandonedVM.Add(uint64(candidate))
			return nil, ErrPoolExhausted
		}
		e.Init(uintptr(addr), candidate, a.Ind, a.nextSN(), edata.Active, zeroed, committed, true)
		a.Emap.RegisterBoundary(e)
		// e starts out Active (owned by this call, not yet any cache's
		// member), so it does not count toward Curpages; splitToFit below
		// accounts the lead/trail fragments it reinserts into retained.
		a.growCursor = cursor + 1

		frag, err := a.Retained.splitToFit(e, size, align)
		if err != nil {
			return nil, err
		}
		if err := a.Retained.commitIfNeeded(frag, zero); err != nil {
			a.Retained.recordFree(frag)
			return nil, ErrCommitFailed
		}
		return frag, nil
	}
	return nil, nil
}

// rawAlloc is the last resort: a direct, unrecycled OS mapping sized
// exactly to the request, used when retain/grow is disabled or exhausted.
func (a *Arena) rawAlloc(size, align uintptr, zero bool) (*edata.Edata, error) {
	addr, zeroed, committed, ok := a.Hooks.Alloc(0, size, align)
	if !ok {
		return nil, ErrOSAllocFailed
	}

	e := a.Pool.Get()
	if e == nil {
		_ = a.Hooks.PurgeForced(addr, size, 0, size)
		a.Stats.AbandonedVM.Add(uint64(size))
		return nil, ErrPoolExhausted
	}
	e.Init(uintptr(addr), size, a.Ind, a.nextSN(), edata.Active, zeroed, committed, true)
	a.Emap.RegisterBoundary(e)
	// The whole range is handed straight to the caller as Active; none of
	// it is cached, so Curpages is untouched here (see grow, same reasoning).

	if !e.Committed() {
		if err := a.Hooks.Commit(hooks.Addr(e.Base()), e.Size(), 0, e.Size()); err != nil {
			a.abandon(e)
			return nil, ErrCommitFailed
		}
		e.SetCommitted(true)
	}
	if zero && !e.Zeroed() {
		a.Hooks.Zero(hooks.Addr(e.Base()), e.Size())
		e.SetZeroed(true)
	}
	return e, nil
}
