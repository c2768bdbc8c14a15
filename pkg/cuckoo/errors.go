package cuckoo

import "errors"

// Sentinel errors returned by the error-reporting store methods
// ([Store.TryWrite], [Store.Lookup], [Store.Reset], [Open]).
//
// The facade methods ([Store.Read], [Store.Write], [Store.ReadOrPopulate])
// never return these; they degrade to a cache miss instead.
var (
	// ErrInvalidInput indicates bad options or arguments (zero TTL, empty key,
	// layout that does not fit the format).
	ErrInvalidInput = errors.New("cuckoo: invalid input")

	// ErrTooLarge indicates a payload longer than [MaxEntrySize].
	ErrTooLarge = errors.New("cuckoo: entry too large")

	// ErrNoSlot indicates that neither candidate slot may be overwritten:
	// both hold live entries of equal or higher priority.
	ErrNoSlot = errors.New("cuckoo: no writable slot")

	// ErrFull indicates the data region has no room even after
	// defragmentation.
	ErrFull = errors.New("cuckoo: data region full")

	// ErrBusy indicates lock contention or a concurrent writer on the same
	// slot. Retrying later may succeed.
	ErrBusy = errors.New("cuckoo: busy")

	// ErrNotFound indicates no live entry for the key.
	ErrNotFound = errors.New("cuckoo: not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("cuckoo: closed")

	// ErrIncompatible indicates the platform cannot share the segment layout
	// (big-endian or 32-bit CPU).
	ErrIncompatible = errors.New("cuckoo: incompatible platform")
)
