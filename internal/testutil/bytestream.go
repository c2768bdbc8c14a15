// Package testutil holds helpers shared by store tests: a fake clock and a
// byte stream for deriving operations from fuzz input.
package testutil

import "fmt"

// ByteStream reads bytes sequentially from a byte slice.
//
// Used by fuzz tests to deterministically derive values from fuzz input.
// When the stream is exhausted, all reads return zero values. This ensures
// determinism: the same input always produces the same sequence of values.
type ByteStream struct {
	bytes []byte
	pos   int
}

// NewByteStream creates a stream over the given bytes.
func NewByteStream(b []byte) *ByteStream {
	return &ByteStream{bytes: b}
}

// HasMore reports whether unread bytes remain.
func (s *ByteStream) HasMore() bool {
	return s.pos < len(s.bytes)
}

// NextByte returns the next byte, or 0 if exhausted.
func (s *ByteStream) NextByte() byte {
	if s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return v
}

// NextInt returns an int in [0, maxVal) derived from the next byte.
func (s *ByteStream) NextInt(maxVal int) int {
	if maxVal <= 0 {
		return 0
	}

	return int(s.NextByte()) % maxVal
}

// NextUint16 returns a little-endian uint16 from the next two bytes.
func (s *ByteStream) NextUint16() uint16 {
	lo := s.NextByte()
	hi := s.NextByte()

	return uint16(lo) | uint16(hi)<<8
}

// NextKey picks one of poolSize keys. A small pool makes overwrites and slot
// collisions common.
func (s *ByteStream) NextKey(poolSize int) string {
	return fmt.Sprintf("key:%d", s.NextInt(poolSize))
}

// NextPayload returns a payload of length [0, maxLen] whose bytes encode a
// serial number, so payloads from different writes are distinguishable.
func (s *ByteStream) NextPayload(maxLen int, serial uint32) []byte {
	n := 0
	if maxLen > 0 {
		n = int(s.NextUint16()) % (maxLen + 1)
	}

	out := make([]byte, n)
	for i := range out {
		out[i] = byte(serial >> (8 * (i % 4)))
	}

	return out
}
