package hooks

import "sync"

// PageSize is the page granularity the synthetic hooks (and the rest of
// the core's tests) assume; real hooks use the host's actual page size.
const PageSize = 4096

// Synthetic is an in-process stand-in for the OS, used by the ecache
// test suite so that alloc/dalloc counts, split/merge calls, and
// hand-picked failures are directly observable.
type Synthetic struct {
	mu   sync.Mutex
	next uintptr

	AllocCount       int
	DallocCount      int
	CommitCount      int
	DecommitCount    int
	PurgeLazyCount   int
	PurgeForcedCount int
	SplitCount       int
	MergeCount       int
	DestroyCount     int

	// FailAllocIn, when > 0, counts down and fails the Nth-from-now Alloc
	// call; used to simulate OS exhaustion deterministically.
	FailAllocIn  int
	FailCommitIn int
	FailSplit    bool
	FailMerge    bool
}

// NewSynthetic starts the fake address space at a fixed, recognizable
// base so test failures are easy to eyeball in a debugger.
func NewSynthetic() *Synthetic {
	return &Synthetic{next: 0x7f0000000000}
}

func (s *Synthetic) Set() *Set {
	return &Set{
		Alloc:          s.alloc,
		Dalloc:         s.dalloc,
		DallocWillFail: func() bool { return false },
		Commit:         s.commit,
		Decommit:       s.decommit,
		PurgeLazy:      s.purgeLazy,
		PurgeForced:    s.purgeForced,
		Split:          s.split,
		SplitWillFail:  func() bool { return s.FailSplit },
		Merge:          s.merge,
		Zero:           func(Addr, uintptr) {},
		Destroy:        s.destroy,
	}
}

func roundUp(n, to uintptr) uintptr { return (n + to - 1) / to * to }

func (s *Synthetic) alloc(newAddr Addr, size, alignment uintptr) (Addr, bool, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAllocIn > 0 {
		s.FailAllocIn--
		if s.FailAllocIn == 0 {
			return 0, false, false, false
		}
	}
	if alignment < PageSize {
		alignment = PageSize
	}
	base := roundUp(s.next, alignment)
	if newAddr != 0 {
		base = uintptr(newAddr)
	}
	s.next = base + size
	s.AllocCount++
	return Addr(base), true, false, true
}

func (s *Synthetic) dalloc(Addr, uintptr, bool) error {
	s.mu.Lock()
	s.DallocCount++
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) commit(Addr, uintptr, uintptr, uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCommitIn > 0 {
		s.FailCommitIn--
		if s.FailCommitIn == 0 {
			return ErrWillFail
		}
	}
	s.CommitCount++
	return nil
}

func (s *Synthetic) decommit(Addr, uintptr, uintptr, uintptr) error {
	s.mu.Lock()
	s.DecommitCount++
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) purgeLazy(Addr, uintptr, uintptr, uintptr) error {
	s.mu.Lock()
	s.PurgeLazyCount++
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) purgeForced(Addr, uintptr, uintptr, uintptr) error {
	s.mu.Lock()
	s.PurgeForcedCount++
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) split(Addr, uintptr, uintptr, uintptr, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSplit {
		return ErrWillFail
	}
	s.SplitCount++
	return nil
}

func (s *Synthetic) merge(Addr, uintptr, bool, Addr, uintptr, bool, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMerge {
		return ErrWillFail
	}
	s.MergeCount++
	return nil
}

func (s *Synthetic) destroy(Addr, uintptr, bool) {
	s.mu.Lock()
	s.DestroyCount++
	s.mu.Unlock()
}
