package cuckoo

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSpinLock(t *testing.T, attempts int) *SpinLock {
	t.Helper()

	words := make([]uint64, 1)
	lk := NewSpinLock(unsafeBytes(words), attempts, 30*time.Second, nil)
	lk.sleep = func(time.Duration) {}

	return lk
}

func Test_SpinLock_Second_TryAcquire_Fails_When_First_Owner_Unexpired(t *testing.T) {
	t.Parallel()

	lk := newTestSpinLock(t, 5)

	require.True(t, lk.TryAcquire(1, 100), "first acquire")
	require.False(t, lk.TryAcquire(2, 100), "second txid must not acquire a held lock")
	require.False(t, lk.TryAcquire(2, 130), "lock is still held at exactly the lease expiry")

	owner, expiry := lk.Owner()
	require.Equal(t, uint32(1), owner)
	require.Equal(t, uint32(130), expiry)
}

func Test_SpinLock_TryAcquire_Is_Reentrant_When_Same_Txid(t *testing.T) {
	t.Parallel()

	lk := newTestSpinLock(t, 5)

	require.True(t, lk.TryAcquire(7, 100))
	require.True(t, lk.TryAcquire(7, 101))
}

func Test_SpinLock_TryAcquire_Takes_Over_When_Owner_Expired(t *testing.T) {
	t.Parallel()

	lk := newTestSpinLock(t, 5)

	require.True(t, lk.TryAcquire(1, 100))
	require.True(t, lk.TryAcquire(2, 131), "expired owner must be taken over")

	owner, _ := lk.Owner()
	require.Equal(t, uint32(2), owner)
}

func Test_SpinLock_Release_Frees_Lock_When_Owner_Releases(t *testing.T) {
	t.Parallel()

	lk := newTestSpinLock(t, 5)

	require.True(t, lk.TryAcquire(1, 100))
	lk.Release(1, 105)

	owner, expiry := lk.Owner()
	require.Equal(t, uint32(0), owner)
	require.Equal(t, uint32(105), expiry)

	require.True(t, lk.TryAcquire(2, 105))
}

func Test_SpinLock_Release_Is_Noop_When_Other_Live_Owner(t *testing.T) {
	t.Parallel()

	lk := newTestSpinLock(t, 5)

	require.True(t, lk.TryAcquire(1, 100))
	lk.Release(2, 100)

	owner, _ := lk.Owner()
	require.Equal(t, uint32(1), owner, "non-owner release must not clear a live lock")
}

func Test_SpinLock_Release_Clears_Lock_When_Owner_Expired(t *testing.T) {
	t.Parallel()

	lk := newTestSpinLock(t, 5)

	require.True(t, lk.TryAcquire(1, 100))
	lk.Release(2, 200)

	owner, _ := lk.Owner()
	require.Equal(t, uint32(0), owner, "anyone may clear an expired lock")
}

func Test_SpinLock_TryAcquire_Fails_When_Txid_Zero(t *testing.T) {
	t.Parallel()

	lk := newTestSpinLock(t, 5)

	require.False(t, lk.TryAcquire(0, 100))
}

func Test_SpinLock_Acquire_Gives_Up_After_Max_Attempts_When_Held(t *testing.T) {
	t.Parallel()

	lk := newTestSpinLock(t, 5)

	sleeps := 0
	lk.sleep = func(d time.Duration) {
		sleeps++

		if d < spinSleepMin || d >= spinSleepMax {
			t.Errorf("sleep %s outside [%s, %s)", d, spinSleepMin, spinSleepMax)
		}
	}

	require.True(t, lk.TryAcquire(1, 100))
	require.False(t, lk.Acquire(2, 100))
	require.Equal(t, 4, sleeps, "sleeps between 5 attempts")
}

func Test_SpinLock_Admits_One_Holder_When_Goroutines_Contend(t *testing.T) {
	t.Parallel()

	words := make([]uint64, 1)
	lk := NewSpinLock(unsafeBytes(words), 1000, 30*time.Second, nil)

	const (
		workers = 8
		rounds  = 200
	)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)

	for w := range workers {
		wg.Add(1)

		go func(txid uint32) {
			defer wg.Done()

			for range rounds {
				for !lk.Acquire(txid, 100) {
					runtime.Gosched()
				}

				mu.Lock()
				holders++
				maxSeen = max(maxSeen, holders)
				mu.Unlock()

				mu.Lock()
				holders--
				mu.Unlock()

				lk.Release(txid, 100)
			}
		}(uint32(w + 1))
	}

	wg.Wait()

	require.Equal(t, 1, maxSeen, "more than one goroutine held the lock at once")
}

func Test_AddSeconds_Saturates_When_Sum_Overflows(t *testing.T) {
	t.Parallel()

	require.Equal(t, ^uint32(0), addSeconds(^uint32(0)-1, 10))
	require.Equal(t, uint32(15), addSeconds(5, 10))
}
