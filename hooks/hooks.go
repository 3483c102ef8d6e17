// Package hooks defines the capability record the extent core uses to talk
// to the operating system (or, in tests, to a synthetic OS). Per the core's
// own design notes this is implemented as a plain struct of closures rather
// than an interface hierarchy — there is exactly one implementation shape
// and no need for dynamic dispatch beyond "swap the struct".
package hooks

import "errors"

// Addr is a page-aligned virtual address, as returned by Alloc.
type Addr uintptr

// ErrWillFail is what the synthetic hooks' Split, Merge and Commit return
// when a test has injected a failure (FailSplit, FailMerge,
// FailCommitIn); callers should treat it exactly like any other hook
// failure.
var ErrWillFail = errors.New("hooks: operation predicted to fail")

// Set is the full hooks contract from the core's perspective. Every
// field must be non-nil in a Set handed to ecache.New; Default() and
// NewSynthetic().Set() both produce complete sets.
type Set struct {
	// Alloc obtains size bytes of fresh VM, page-aligned to alignment, at
	// newAddr if non-zero. zeroed and committed report what the OS
	// actually gave back (mmap on Linux always hands back zeroed,
	// uncommitted-or-committed depending on overcommit policy).
	Alloc func(newAddr Addr, size, alignment uintptr) (addr Addr, zeroed, committed bool, ok bool)

	// Dalloc fully releases [addr, addr+size). committed reflects the
	// descriptor's last known state, for hook implementations that must
	// MADV_DONTNEED before unmapping committed ranges.
	Dalloc func(addr Addr, size uintptr, committed bool) error
	// DallocWillFail lets the core skip straight to the decommit/purge
	// cascade instead of paying for a syscall known to fail, e.g.
	// when Dalloc is nil-routed in a retain-everything configuration.
	DallocWillFail func() bool

	Commit   func(addr Addr, totalSize uintptr, offset, length uintptr) error
	Decommit func(addr Addr, totalSize uintptr, offset, length uintptr) error

	PurgeLazy   func(addr Addr, totalSize uintptr, offset, length uintptr) error
	PurgeForced func(addr Addr, totalSize uintptr, offset, length uintptr) error

	// Split carves [addr, addr+total) into [addr,addr+a) and
	// [addr+a,addr+total), the latter of size b = total-a. Most OSes need
	// do nothing (sub-ranges of one mapping are independently
	// unmappable); Windows-style VirtualAlloc platforms would need real
	// work here.
	Split func(addr Addr, total, a, b uintptr, committed bool) error
	// SplitWillFail mirrors maps_coalesce: when the platform cannot
	// split/merge at all (and retain is disabled), every split attempt
	// fails and the core must run exact-fit only.
	SplitWillFail func() bool

	// Merge is the inverse of Split: baseA/baseB are adjacent, headB
	// reports whether b was the first page of an independent OS mapping
	// (merging across that boundary is always refused upstream of here).
	Merge func(baseA Addr, sizeA uintptr, headA bool, baseB Addr, sizeB uintptr, headB bool, committed bool) error

	Zero    func(addr Addr, size uintptr)
	Destroy func(addr Addr, size uintptr, committed bool)
}
