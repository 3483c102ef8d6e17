package ecache

import "errors"

var (
	// ErrInvalidRequest is returned for zero-size or zero-alignment
	// requests.
	ErrInvalidRequest = errors.New("ecache: invalid size or alignment")
	// ErrPoolExhausted is returned when the descriptor pool cannot
	// produce a new edata for a split or a fresh OS mapping.
	ErrPoolExhausted = errors.New("ecache: descriptor pool exhausted")
	// ErrSplitFailed is returned when hooks.Split itself fails.
	ErrSplitFailed = errors.New("ecache: hooks split failed")
	// ErrMergeFailed is returned when hooks.Merge itself fails.
	ErrMergeFailed = errors.New("ecache: hooks merge failed")
	// ErrOSAllocFailed is returned when the growth engine's call into
	// hooks.Alloc fails; the grow cursor is left untouched so the same
	// series step is retried next time.
	ErrOSAllocFailed = errors.New("ecache: OS allocation failed")
	// ErrCommitFailed is returned in place of a hooks.Commit failure after
	// a successful recycle: the extent is fed back through the record path
	// and the allocation fails.
	ErrCommitFailed = errors.New("ecache: commit failed")
)
