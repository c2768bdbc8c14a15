package testutil_test

import (
	"testing"
	"time"

	"github.com/calvinalkan/cuckoo/internal/testutil"
)

func Test_ByteStream_Returns_Zero_When_Exhausted(t *testing.T) {
	t.Parallel()

	s := testutil.NewByteStream([]byte{7})

	if got := s.NextByte(); got != 7 {
		t.Fatalf("NextByte = %d, want 7", got)
	}

	if s.HasMore() {
		t.Fatal("HasMore = true after last byte")
	}

	if got := s.NextUint16(); got != 0 {
		t.Fatalf("NextUint16 = %d, want 0", got)
	}

	if got := s.NextPayload(10, 1); len(got) != 0 {
		t.Fatalf("NextPayload len = %d, want 0", len(got))
	}
}

func Test_ByteStream_Derives_Bounded_Values_When_Bytes_Available(t *testing.T) {
	t.Parallel()

	s := testutil.NewByteStream([]byte{13, 0x34, 0x12, 9, 0, 0})

	if got := s.NextKey(4); got != "key:1" {
		t.Fatalf("NextKey = %q, want key:1", got)
	}

	if got := s.NextUint16(); got != 0x1234 {
		t.Fatalf("NextUint16 = %#x, want 0x1234", got)
	}

	if got := s.NextInt(5); got != 4 {
		t.Fatalf("NextInt = %d, want 4", got)
	}

	if got := s.NextPayload(8, 0xAABBCCDD); len(got) != 0 {
		t.Fatalf("NextPayload = %x, want empty", got)
	}
}

func Test_Clock_Moves_Forward_When_Advanced(t *testing.T) {
	t.Parallel()

	c := testutil.NewClock()
	start := c.Now()

	c.Advance(90 * time.Second)

	if got := c.Now().Sub(start).Seconds(); got != 90 {
		t.Fatalf("advanced %v seconds, want 90", got)
	}
}
