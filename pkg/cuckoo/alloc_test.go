package cuckoo

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

const testNow = 1_700_000_000

func newTestAllocator(t *testing.T, chunkSize, dataBytes uint32) *allocator {
	t.Helper()

	reg := newTestRegion(t, 16, chunkSize, dataBytes)
	lk := NewSpinLock(reg.lockCell(), 5, 30*time.Second, nil)
	lk.sleep = func(time.Duration) {}

	return &allocator{reg: reg, lock: lk, logger: zap.NewNop()}
}

func Test_Allocate_Rounds_To_Chunk_And_Advances_Free_Pointer_When_Space_Available(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64, 1024)

	first, err := a.allocate(1, testNow, 10, testNow+60)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if first != (ByteRange{Offset: 0, Len: 10}) {
		t.Fatalf("first = %+v, want {0 10}", first)
	}

	second, err := a.allocate(1, testNow, 65, testNow+60)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if second != (ByteRange{Offset: 64, Len: 65}) {
		t.Fatalf("second = %+v, want {64 65}", second)
	}

	if fp := a.reg.freePointer(); fp != 64+128 {
		t.Fatalf("free pointer = %d, want 192", fp)
	}

	for c := range uint32(3) {
		if got := a.reg.chunkExpiry(c); got != testNow+60 {
			t.Fatalf("chunk %d expiry = %d, want %d", c, got, testNow+60)
		}
	}

	if got := a.reg.chunkExpiry(3); got != 0 {
		t.Fatalf("chunk 3 expiry = %d, want 0", got)
	}

	owner, _ := unpackLockCell(atomicLoadUint64(a.reg.lockCell()))
	if owner != 0 {
		t.Fatalf("lock owner = %d after allocate, want released", owner)
	}
}

func Test_Allocate_Never_Decreases_Free_Pointer_When_No_Defragmentation(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 8, 4096)

	prev := a.reg.freePointer()

	for i := range 200 {
		size := uint32(i%37) + uint32(i%3)*5

		_, err := a.allocate(uint32(i+1), testNow, size, testNow+3600)
		if errors.Is(err, ErrFull) {
			break
		}

		if err != nil {
			t.Fatalf("allocate(%d): %v", size, err)
		}

		fp := a.reg.freePointer()
		if fp < prev {
			t.Fatalf("free pointer went from %d to %d", prev, fp)
		}

		prev = fp
	}

	if a.reg.defragCount() != 0 {
		t.Fatal("live data must not be defragmented")
	}
}

func Test_Allocate_Returns_Empty_Range_When_Size_Zero(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64, 128)

	rng, err := a.allocate(1, testNow, 0, testNow+60)
	if err != nil {
		t.Fatalf("allocate(0): %v", err)
	}

	if rng.Len != 0 || a.reg.freePointer() != 0 {
		t.Fatalf("allocate(0) = %+v, free pointer %d; want no space used", rng, a.reg.freePointer())
	}
}

func Test_Allocate_Returns_ErrTooLarge_When_Size_Exceeds_Max(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 1024, 128*1024)

	_, err := a.allocate(1, testNow, MaxEntrySize+1, testNow+60)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("error = %v, want ErrTooLarge", err)
	}
}

func Test_Allocate_Returns_ErrBusy_When_Lock_Held_By_Other(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64, 128)

	if !a.lock.TryAcquire(99, testNow) {
		t.Fatal("TryAcquire failed")
	}

	_, err := a.allocate(1, testNow, 8, testNow+60)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("error = %v, want ErrBusy", err)
	}

	if a.reg.freePointer() != 0 {
		t.Fatal("free pointer moved without the lock")
	}
}

func Test_Allocate_Returns_ErrFull_When_Region_Exhausted_By_Live_Data(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64, 128)

	for range 2 {
		_, err := a.allocate(1, testNow, 64, testNow+60)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}

	_, err := a.allocate(1, testNow, 1, testNow+60)
	if !errors.Is(err, ErrFull) {
		t.Fatalf("error = %v, want ErrFull", err)
	}
}

func Test_Allocate_Defragments_And_Retries_When_Trailing_Data_Expired(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64, 256)

	_, err := a.allocate(1, testNow, 64, testNow+3600) // live
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	_, err = a.allocate(1, testNow, 192, testNow+1) // expires soon
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	later := uint32(testNow + 10)

	rng, err := a.allocate(1, later, 100, later+60)
	if err != nil {
		t.Fatalf("allocate after expiry: %v", err)
	}

	if rng.Offset != 64 {
		t.Fatalf("offset = %d, want 64 (right after the live chunk)", rng.Offset)
	}

	if a.reg.defragCount() != 1 {
		t.Fatalf("defrag count = %d, want 1", a.reg.defragCount())
	}

	if fp := a.reg.freePointer(); fp != 64+128 {
		t.Fatalf("free pointer = %d, want 192", fp)
	}
}

func Test_Defragment_Keeps_Space_Up_To_Last_Live_Chunk_When_Middle_Expired(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 8, 8*200)

	// 150 chunks: dead, then one live chunk at index 99, then dead.
	for i := range 150 {
		expires := uint32(testNow + 1)
		if i == 99 {
			expires = testNow + 3600
		}

		_, err := a.allocate(1, testNow, 8, expires)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}

	fp, err := a.defragment(1, testNow+100)
	if err != nil {
		t.Fatalf("defragment: %v", err)
	}

	if fp != 100*8 {
		t.Fatalf("free pointer = %d, want %d", fp, 100*8)
	}

	for c := uint32(100); c < 150; c++ {
		if a.reg.chunkExpiry(c) != 0 {
			t.Fatalf("chunk %d expiry not cleared", c)
		}
	}

	if a.reg.chunkExpiry(0) == 0 {
		t.Fatal("chunks below the live one must keep their records")
	}
}

func Test_Defragment_Reclaims_Nothing_When_Within_Grace(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64, 256)

	_, err := a.allocate(1, testNow, 64, testNow+1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// Expired one second ago: a reader on a lagging clock may still see it.
	fp, err := a.defragment(1, testNow+2)
	if err != nil {
		t.Fatalf("defragment: %v", err)
	}

	if fp != 64 || a.reg.defragCount() != 0 {
		t.Fatalf("free pointer = %d, defrag count = %d; want untouched", fp, a.reg.defragCount())
	}

	fp, err = a.defragment(1, testNow+3)
	if err != nil {
		t.Fatalf("defragment: %v", err)
	}

	if fp != 0 {
		t.Fatalf("free pointer = %d, want 0 once past the grace period", fp)
	}
}

func Test_Defragment_Caps_Leaked_Bytes_When_Space_Reclaimed(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64, 256)

	_, err := a.allocate(1, testNow, 128, testNow+1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	a.reg.addLeakedBytes(128)

	_, err = a.defragment(1, testNow+10)
	if err != nil {
		t.Fatalf("defragment: %v", err)
	}

	if a.reg.leakedBytes() != 0 {
		t.Fatalf("leaked bytes = %d, want 0 after reclaiming everything", a.reg.leakedBytes())
	}
}
