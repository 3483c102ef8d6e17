// Package eset implements the per-state container an ecache wraps: a
// best-fit-by-size lookup plus an LRU eviction order, both assuming the
// enclosing ecache's mutex is already held — eset itself is not safe for
// concurrent use.
//
// The fit structure is a single container/heap ordered by (size, serial
// number), scanned linearly on Fit rather than bucketed by size class:
// the callers above only depend on which candidate wins (smallest viable
// size, then smallest serial), not on sub-linear lookup.
package eset

import (
	"container/heap"
	"container/list"

	"github.com/aistore-oss/extentcore/edata"
)

// Eset holds every inactive extent of one lifecycle state.
type Eset struct {
	state   edata.State
	h       fitHeap
	lru     *list.List
	lruElem map[*edata.Edata]*list.Element
	npages  uint64
}

// New returns an empty set for the given state.
func New(state edata.State) *Eset {
	return &Eset{
		state:   state,
		lru:     list.New(),
		lruElem: make(map[*edata.Edata]*list.Element),
	}
}

func (es *Eset) State() edata.State { return es.state }
func (es *Eset) Npages() uint64     { return es.npages }
func (es *Eset) Len() int           { return len(es.h) }

// Insert adds e to both views. e.State() must already equal es.state;
// the caller (ecache) is responsible for having set it.
func (es *Eset) Insert(e *edata.Edata) {
	heap.Push(&es.h, e)
	es.lruElem[e] = es.lru.PushBack(e)
	es.npages += pages(e.Size())
}

// Remove takes e out of both views. e must currently be a member.
func (es *Eset) Remove(e *edata.Edata) {
	es.h.removeValue(e)
	if el, ok := es.lruElem[e]; ok {
		es.lru.Remove(el)
		delete(es.lruElem, e)
	}
	es.npages -= pages(e.Size())
}

// Fit returns the best match for a size/align/exactOnly/lgMaxFit request
// (tie-break: smallest viable size, then smallest sn), or nil.
//
// lgMaxFit < 0 means "no cap" (used by caches without delay_coalesce);
// exactOnly requires leadsize == 0 && trailsize == 0.
func (es *Eset) Fit(size, align uintptr, exactOnly bool, lgMaxFit int) *edata.Edata {
	var best *edata.Edata
	for _, cand := range es.h {
		if cand.Size() < size {
			continue
		}
		leadsize := alignUp(cand.Base(), align) - cand.Base()
		if leadsize+size > cand.Size() {
			continue // alignment makes this candidate too small after all
		}
		if exactOnly && (leadsize != 0 || leadsize+size != cand.Size()) {
			continue
		}
		if lgMaxFit >= 0 {
			maxSlop := size << uint(lgMaxFit)
			if cand.Size() > maxSlop {
				continue // candidate itself is too large to shred for this request
			}
		}
		if best == nil || cand.Size() < best.Size() ||
			(cand.Size() == best.Size() && cand.SN() < best.SN()) {
			best = cand
		}
	}
	return best
}

// FirstLRU returns the least-recently-inserted member, or nil.
func (es *Eset) FirstLRU() *edata.Edata {
	el := es.lru.Front()
	if el == nil {
		return nil
	}
	return el.Value.(*edata.Edata)
}

func alignUp(addr, align uintptr) uintptr {
	if align == 0 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}

func pages(size uintptr) uint64 {
	const pageSize = 4096
	return uint64((size + pageSize - 1) / pageSize)
}

// fitHeap is a container/heap of *edata.Edata ordered by (size, sn); its
// root is always the globally smallest-size, smallest-sn member, which is
// not what Fit() uses (Fit scans for the best size >= request) but is
// what would back a future O(log n) "smallest extent of any size"
// operation, e.g. a future npages_min probe.
type fitHeap []*edata.Edata

func (h fitHeap) Len() int { return len(h) }
func (h fitHeap) Less(i, j int) bool {
	if h[i].Size() != h[j].Size() {
		return h[i].Size() < h[j].Size()
	}
	return h[i].SN() < h[j].SN()
}
func (h fitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *fitHeap) Push(x interface{}) {
	*h = append(*h, x.(*edata.Edata))
}
func (h *fitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h *fitHeap) removeValue(e *edata.Edata) {
	for i, cand := range *h {
		if cand == e {
			heap.Remove(h, i)
			return
		}
	}
}
