//go:build linux || darwin

package hooks

import (
	"unsafe"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/aistore-oss/extentcore/xdebug"
)

// Default returns the hooks backed by real anonymous mmap/munmap/madvise
// via golang.org/x/sys/unix.
func Default() *Set {
	return &Set{
		Alloc:          unixAlloc,
		Dalloc:         unixDalloc,
		DallocWillFail: func() bool { return false },
		Commit:         unixCommit,
		Decommit:       unixDecommit,
		PurgeLazy:      unixPurgeLazy,
		PurgeForced:    unixPurgeForced,
		Split:          unixSplit,
		SplitWillFail:  func() bool { return false },
		Merge:          unixMerge,
		Zero:           unixZero,
		Destroy:        unixDestroy,
	}
}

// unixAlloc ignores newAddr as a binding placement: POSIX mmap only
// honors an address hint under MAP_FIXED, which we deliberately never
// set (clobbering an unrelated mapping would be far worse than a cache
// miss on the growth engine's placement heuristic).
func unixAlloc(_ Addr, size, alignment uintptr) (Addr, bool, bool, bool) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		glog.V(3).Infof("hooks: mmap %d bytes failed: %v", size, err)
		return 0, false, false, false
	}
	addr := Addr(uintptr(unsafe.Pointer(&b[0])))
	if alignment > 0 && uintptr(addr)%alignment != 0 {
		_ = unix.Munmap(b)
		return 0, false, false, false
	}
	if xdebug.Enabled && len(b) > 0 {
		// Confirm the kernel actually handed back zeroed pages before
		// reporting the range zero-flagged. Briefly allow reads to check
		// it, then drop back to PROT_NONE (our "not yet committed"
		// marker).
		if err := unix.Mprotect(b, unix.PROT_READ); err == nil {
			xdebug.Assertf(b[0] == 0, "hooks: freshly mapped page not zero at %#x", addr)
			_ = unix.Mprotect(b, unix.PROT_NONE)
		}
	}
	// Anonymous mmap pages read as zero but start out unbacked until
	// touched; PROT_NONE additionally means "not yet committed" in our
	// accounting even though Linux overcommit would happily back them.
	return addr, true, false, true
}

func toSlice(addr Addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

func unixDalloc(addr Addr, size uintptr, _ bool) error {
	if err := unix.Munmap(toSlice(addr, size)); err != nil {
		return errors.Wrap(err, "hooks: munmap")
	}
	return nil
}

func unixCommit(addr Addr, _ uintptr, offset, length uintptr) error {
	b := toSlice(addr+Addr(offset), length)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrap(err, "hooks: mprotect commit")
	}
	return nil
}

func unixDecommit(addr Addr, _ uintptr, offset, length uintptr) error {
	b := toSlice(addr+Addr(offset), length)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return errors.Wrap(err, "hooks: madvise dontneed (decommit)")
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return errors.Wrap(err, "hooks: mprotect decommit")
	}
	return nil
}

func unixPurgeLazy(addr Addr, _ uintptr, offset, length uintptr) error {
	b := toSlice(addr+Addr(offset), length)
	if err := unix.Madvise(b, unix.MADV_FREE); err != nil {
		return errors.Wrap(err, "hooks: madvise free (lazy purge)")
	}
	return nil
}

func unixPurgeForced(addr Addr, _ uintptr, offset, length uintptr) error {
	b := toSlice(addr+Addr(offset), length)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return errors.Wrap(err, "hooks: madvise dontneed (forced purge)")
	}
	return nil
}

// Splitting and merging a single mmap'd region needs no OS call on POSIX:
// sub-ranges of one mapping can be independently munmap'd or reprotected
// later regardless of how the core's bookkeeping currently slices them.
func unixSplit(_ Addr, _, _, _ uintptr, _ bool) error { return nil }

func unixMerge(_ Addr, _ uintptr, _ bool, _ Addr, _ uintptr, _ bool, _ bool) error { return nil }

func unixZero(addr Addr, size uintptr) {
	b := toSlice(addr, size)
	for i := range b {
		b[i] = 0
	}
}

func unixDestroy(addr Addr, size uintptr, committed bool) {
	if committed {
		_ = unixPurgeForced(addr, size, 0, size)
	}
	_ = unix.Munmap(toSlice(addr, size))
}
