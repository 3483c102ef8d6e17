package ecache

import "github.com/aistore-oss/extentcore/edata"

// Alloc is the arena-level entry point: recycle from dirty, then
// muzzy, then retained, only growing or mapping fresh OS memory once all
// three caches have missed.
func (a *Arena) Alloc(newAddr uintptr, size, align uintptr, zero bool) (*edata.Edata, error) {
	if e, err := a.Dirty.Alloc(newAddr, size, align, zero); e != nil || err != nil {
		return e, err
	}
	if e, err := a.Muzzy.Alloc(newAddr, size, align, zero); e != nil || err != nil {
		return e, err
	}
	return a.Retained.AllocGrow(newAddr, size, align, zero)
}

// Dalloc is the arena-level free entry point: every freed
// extent is recorded into the dirty cache, which itself applies the
// large-extent eager-coalesce and oversize-bypass rules before deciding
// whether the extent actually lands in dirty or is routed straight
// through the release pipeline toward retained.
func (a *Arena) Dalloc(e *edata.Edata) {
	a.Dirty.recordFree(e)
}
