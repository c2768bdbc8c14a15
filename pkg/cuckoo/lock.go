package cuckoo

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Lock serializes allocator mutations and segment initialization across every
// process attached to a segment.
//
// txid identifies the holder; 0 is never a valid txid. now is the caller's
// clock in unix seconds. Implementations must be safe for concurrent use.
type Lock interface {
	// TryAcquire makes one attempt. It succeeds if the lock is free, expired
	// or already held by txid.
	TryAcquire(txid, now uint32) bool

	// Acquire retries TryAcquire a bounded number of times with short
	// randomized sleeps in between.
	Acquire(txid, now uint32) bool

	// Release frees the lock if txid holds it or its owner has expired.
	Release(txid, now uint32)
}

const (
	spinSleepMin = 20 * time.Microsecond
	spinSleepMax = 250 * time.Microsecond
)

// SpinLock is the default [Lock]: an 8-byte cell in the segment footer holding
// (owner_txid, owner_expiry), claimed with compare-and-swap.
//
// A cell with owner 0, or whose expiry lies in the past, is free. A process
// that dies while holding the lock blocks others for at most the lease.
type SpinLock struct {
	cell     []byte
	lease    uint32
	attempts int
	logger   *zap.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

var _ Lock = (*SpinLock)(nil)

// NewSpinLock returns a lock over cell, which must be the 8-byte, 8-aligned
// lock word of a mapped segment.
//
// attempts <= 0 uses 5; lease <= 0 uses 30 seconds. A nil logger is allowed.
func NewSpinLock(cell []byte, attempts int, lease time.Duration, logger *zap.Logger) *SpinLock {
	mustLen(cell, 8, "lock cell")

	if attempts <= 0 {
		attempts = defaultLockAttempts
	}

	leaseSecs := uint32(lease / time.Second)
	if leaseSecs == 0 {
		leaseSecs = defaultLockLease
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &SpinLock{
		cell:     cell,
		lease:    leaseSecs,
		attempts: attempts,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// TryAcquire implements [Lock].
func (l *SpinLock) TryAcquire(txid, now uint32) bool {
	if txid == 0 {
		return false
	}

	cur := atomicLoadUint64(l.cell)
	owner, expiry := unpackLockCell(cur)

	if owner == txid {
		return true
	}

	if owner != 0 && expiry >= now {
		return false
	}

	if !atomicCASUint64(l.cell, cur, packLockCell(txid, addSeconds(now, l.lease))) {
		return false
	}

	if owner != 0 {
		l.logger.Info("took over expired segment lock",
			zap.Uint32("stale_owner", owner),
			zap.Uint32("stale_expiry", expiry),
			zap.Uint32("now", now))
	}

	return true
}

// Acquire implements [Lock].
func (l *SpinLock) Acquire(txid, now uint32) bool {
	for attempt := range l.attempts {
		if l.TryAcquire(txid, now) {
			return true
		}

		if attempt < l.attempts-1 {
			l.sleep(spinSleepMin + rand.N(spinSleepMax-spinSleepMin))
		}
	}

	owner, expiry := unpackLockCell(atomicLoadUint64(l.cell))
	l.logger.Debug("segment lock busy",
		zap.Int("attempts", l.attempts),
		zap.Uint32("owner", owner),
		zap.Uint32("owner_expiry", expiry))

	return false
}

// Release implements [Lock]. Releasing a lock held by a live other owner is a
// no-op.
func (l *SpinLock) Release(txid, now uint32) {
	cur := atomicLoadUint64(l.cell)
	owner, expiry := unpackLockCell(cur)

	if owner == 0 {
		return
	}

	if owner != txid && expiry >= now {
		return
	}

	atomicCASUint64(l.cell, cur, packLockCell(0, now))
}

// Owner returns the current owner and its expiry. Owner 0 means unlocked.
func (l *SpinLock) Owner() (txid, expiry uint32) {
	return unpackLockCell(atomicLoadUint64(l.cell))
}

// addSeconds adds d to now, saturating at the largest u32 timestamp.
func addSeconds(now, d uint32) uint32 {
	sum := uint64(now) + uint64(d)
	if sum > uint64(^uint32(0)) {
		return ^uint32(0)
	}

	return uint32(sum)
}
