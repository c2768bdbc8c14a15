package cuckoo

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	// defragBatch is the number of expiry records examined per scan step.
	defragBatch = 64

	// defragGrace keeps chunks that expired less than this many seconds ago.
	// Processes may disagree on "now" by a second, and a reader that still
	// saw the entry as live must not have its bytes handed to a new writer.
	defragGrace = 2
)

// allocator is the bump allocator over the data region. The free pointer and
// the expiry index only change while the segment lock is held.
type allocator struct {
	reg    *region
	lock   Lock
	logger *zap.Logger
}

// allocate reserves room for size bytes, stamping the covered chunks with
// expiresAt. It takes the segment lock for the whole inspect-and-advance.
//
// Possible errors: [ErrTooLarge], [ErrBusy], [ErrFull].
func (a *allocator) allocate(txid, now, size, expiresAt uint32) (ByteRange, error) {
	if size > MaxEntrySize {
		return ByteRange{}, fmt.Errorf("allocate %d bytes: %w", size, ErrTooLarge)
	}

	if !a.lock.Acquire(txid, now) {
		return ByteRange{}, fmt.Errorf("allocate: %w", ErrBusy)
	}
	defer a.lock.Release(txid, now)

	return a.allocateLocked(now, size, expiresAt)
}

// allocateLocked is allocate for callers that already hold the lock.
func (a *allocator) allocateLocked(now, size, expiresAt uint32) (ByteRange, error) {
	if size > MaxEntrySize {
		return ByteRange{}, fmt.Errorf("allocate %d bytes: %w", size, ErrTooLarge)
	}

	fp := a.reg.freePointer()

	if size == 0 {
		return ByteRange{Offset: fp}, nil
	}

	rounded := roundUp(size, a.reg.lay.chunkSize)

	if !a.fits(fp, rounded) {
		fp = a.defragmentLocked(now)

		if !a.fits(fp, rounded) {
			return ByteRange{}, fmt.Errorf("allocate %d bytes at free pointer %d of %d: %w",
				rounded, fp, a.reg.lay.dataBytes, ErrFull)
		}
	}

	a.reg.setFreePointer(fp + rounded)
	a.reg.stampExpiry(ByteRange{Offset: fp, Len: rounded}, expiresAt)

	return ByteRange{Offset: fp, Len: size}, nil
}

func (a *allocator) fits(fp, rounded uint32) bool {
	return uint64(fp)+uint64(rounded) <= uint64(a.reg.lay.dataBytes)
}

// defragment runs a compaction pass under the lock and returns the new free
// pointer.
//
// Possible errors: [ErrBusy].
func (a *allocator) defragment(txid, now uint32) (uint32, error) {
	if !a.lock.Acquire(txid, now) {
		return 0, fmt.Errorf("defragment: %w", ErrBusy)
	}
	defer a.lock.Release(txid, now)

	return a.defragmentLocked(now), nil
}

// defragmentLocked reclaims the trailing run of dead chunks below the free
// pointer. Live entries are never moved: headers hold absolute offsets, so
// only space past the last live chunk can be handed out again.
//
// The expiry index is scanned backwards from the free pointer in batches of
// defragBatch records.
func (a *allocator) defragmentLocked(now uint32) uint32 {
	fp := a.reg.freePointer()
	chunk := a.reg.lay.chunkSize
	used := fp / chunk

	liveEnd := uint32(0)

scan:
	for hi := used; hi > 0; {
		lo := hi - min(hi, defragBatch)

		for c := hi; c > lo; c-- {
			if !a.chunkDead(c-1, now) {
				liveEnd = c

				break scan
			}
		}

		hi = lo
	}

	newFP := liveEnd * chunk
	if newFP >= fp {
		a.logger.Debug("defragment reclaimed nothing",
			zap.Uint32("free_pointer", fp))

		return fp
	}

	for c := liveEnd; c < used; c++ {
		a.reg.setChunkExpiry(c, 0)
	}

	a.reg.setFreePointer(newFP)
	a.reg.bumpDefragCount()
	a.reg.setLeakedBytes(min(a.reg.leakedBytes(), newFP))

	a.logger.Debug("defragment reclaimed trailing space",
		zap.Uint32("old_free_pointer", fp),
		zap.Uint32("new_free_pointer", newFP),
		zap.Uint32("reclaimed_bytes", fp-newFP))

	return newFP
}

func (a *allocator) chunkDead(chunk, now uint32) bool {
	return addSeconds(a.reg.chunkExpiry(chunk), defragGrace) <= now
}
