package ecache

import (
	"github.com/aistore-oss/extentcore/edata"
	"github.com/aistore-oss/extentcore/hooks"
	"github.com/aistore-oss/extentcore/xdebug"
)

// split is the low-level primitive behind splitToFit and the growth
// engine. It shrinks e in place to sizeA, keeping e's base,
// and returns a freshly drawn descriptor covering the remainder
// [e.Base()+sizeA, e.Base()+e.Size()). e must already be Active and not
// registered under any cache's eset.
func split(a *Arena, e *edata.Edata, sizeA uintptr) (*edata.Edata, error) {
	xdebug.Assertf(sizeA < e.Size(), "split: sizeA %d >= parent size %d", sizeA, e.Size())
	sizeB := e.Size() - sizeA

	trail := a.Pool.Get()
	if trail == nil {
		return nil, ErrPoolExhausted
	}

	committed := e.Committed()
	// Trail inherits the parent's sn rather than drawing a fresh one, so
	// split fragments keep their place in eset.Fit's LRU-tiebreak order
	// until a future merge (if any) adopts the min again via AdoptMinSN.
	trail.Init(e.Base()+sizeA, sizeB, e.ArenaInd(), e.SN(), e.State(), e.Zeroed(), committed, false)

	a.Emap.SplitPrepare(e, trail)
	a.Emap.LockEdata2(e, trail)
	if err := a.Hooks.Split(hooks.Addr(e.Base()), e.Size(), sizeA, sizeB, committed); err != nil {
		a.Emap.UnlockEdata2(e, trail)
		a.Pool.Put(trail)
		return nil, ErrSplitFailed
	}
	a.Emap.SplitCommit(e, sizeA, trail)
	a.Emap.UnlockEdata2(e, trail)

	xdebug.Infof("split: base=%#x sizeA=%d sizeB=%d", e.Base(), sizeA, sizeB)
	return trail, nil
}

// mergePrimitive merges two adjacent extents: lo absorbs hi (lo.Base() < hi.Base(),
// hi immediately follows lo). On success hi's descriptor is returned to
// the pool and must not be referenced again. Both lo and hi must already
// be out of any cache's eset.
func mergePrimitive(a *Arena, lo, hi *edata.Edata) error {
	xdebug.Assertf(lo.CanCoalesce(hi), "merge: extents not coalescable")
	xdebug.Assertf(lo.End() == hi.Base(), "merge: extents not adjacent")

	committed := lo.Committed()
	// Per the merge primitive's literal step order, the hook runs before
	// any per-edata lock is acquired: it is the operation most likely to
	// fail, and failing it should cost nothing but a pair of descriptors
	// that are still exactly as they were.
	if err := a.Hooks.Merge(hooks.Addr(lo.Base()), lo.Size(), lo.IsHead(),
		hooks.Addr(hi.Base()), hi.Size(), hi.IsHead(), committed); err != nil {
		return ErrMergeFailed
	}

	a.Emap.MergePrepare(lo, hi)
	a.Emap.LockEdata2(lo, hi)
	a.Emap.MergeCommit(lo, hi)
	lo.AdoptMinSN(hi)
	lo.AndZeroed(hi)
	a.Emap.UnlockEdata2(lo, hi)

	hiSize := hi.Size()
	a.Pool.Put(hi)
	xdebug.Infof("merge: lo.base=%#x absorbed hi of size %d", lo.Base(), hiSize)
	return nil
}
