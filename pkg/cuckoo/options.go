package cuckoo

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Clock supplies the current time. Expiry is tracked in whole unix seconds.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configure a [Store].
type Options struct {
	// SegmentID names the shared segment. Every process that should share
	// entries uses the same SegmentID and Dir.
	SegmentID string

	// Dir holds the segment file. Empty means /dev/shm (or the temp dir when
	// /dev/shm is missing).
	Dir string

	// SlotCount is the number of slot headers.
	SlotCount uint32

	// ChunkSize is the allocation granularity of the data region. Must be a
	// multiple of 8.
	ChunkSize uint32

	// DataBytes is the size of the data region. Must be a positive multiple of
	// ChunkSize.
	DataBytes uint32

	// ForceReinit wipes the segment on attach even if its metadata matches.
	ForceReinit bool

	// LockAttempts bounds how often a writer tries the segment lock.
	// 0 means 5.
	LockAttempts int

	// LockLease is how long a lock holder (or a slot claim) is honored before
	// others may take it over. 0 means 30 seconds.
	LockLease time.Duration

	// Logger receives segment lifecycle events and dropped-write diagnostics.
	// Nil disables logging.
	Logger *zap.Logger

	// Clock overrides the time source. Nil uses the system clock.
	Clock Clock

	// NewLock builds the segment lock over the footer lock cell. Nil uses
	// [NewSpinLock].
	NewLock func(cell []byte) Lock
}

// DefaultOptions returns Options for a 4096-slot segment with 1 KiB chunks
// and roughly one MiB of payload space.
func DefaultOptions() Options {
	return Options{
		SegmentID:    "cuckoo",
		SlotCount:    defaultSlotCount,
		ChunkSize:    defaultChunkSize,
		DataBytes:    defaultDataBytes,
		LockAttempts: defaultLockAttempts,
		LockLease:    defaultLockLease * time.Second,
	}
}

// validate checks opts and returns the segment layout it describes.
func (opts Options) validate() (layout, error) {
	if opts.SegmentID == "" {
		return layout{}, fmt.Errorf("segment id is required: %w", ErrInvalidInput)
	}

	if opts.LockAttempts < 0 {
		return layout{}, fmt.Errorf("lock_attempts must be >= 0, got %d: %w", opts.LockAttempts, ErrInvalidInput)
	}

	if opts.LockLease < 0 {
		return layout{}, fmt.Errorf("lock_lease must be >= 0, got %s: %w", opts.LockLease, ErrInvalidInput)
	}

	return computeLayout(opts.SlotCount, opts.ChunkSize, opts.DataBytes)
}

func (opts Options) withDefaults() Options {
	if opts.LockAttempts == 0 {
		opts.LockAttempts = defaultLockAttempts
	}

	if opts.LockLease == 0 {
		opts.LockLease = defaultLockLease * time.Second
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}

	if opts.NewLock == nil {
		attempts, lease, logger := opts.LockAttempts, opts.LockLease, opts.Logger
		opts.NewLock = func(cell []byte) Lock {
			return NewSpinLock(cell, attempts, lease, logger)
		}
	}

	return opts
}

// leaseSeconds returns the lease in whole seconds, at least one.
func (opts Options) leaseSeconds() uint32 {
	return max(uint32(opts.LockLease/time.Second), 1)
}
