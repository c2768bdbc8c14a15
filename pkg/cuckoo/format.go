package cuckoo

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// CKO1 segment format.
//
// A segment is four regions, in this order:
//
//	header table   slot_count * HeaderSize
//	expiry index   expiry_records * 4, padded to 8
//	data region    data_bytes
//	control footer FooterSize
//
// All integers are little-endian. The 8-byte words that are loaded and stored
// atomically (header words, lock cell) are 8-byte aligned: the header table
// starts at offset 0, the expiry index is padded, and data_bytes is a
// multiple of chunk_size which is a multiple of 8.
const (
	formatVersion = 1

	// HeaderSize is the on-segment size of a slot header: the 15-byte record
	// plus a publish sequence byte so each header is two aligned 8-byte words.
	HeaderSize = 16

	// headerRecordSize is the number of meaningful bytes in a header.
	headerRecordSize = 15

	// FooterSize is the size of the control footer.
	FooterSize = 64

	expiryRecordSize = 4
)

var formatMagic = [4]byte{'C', 'K', 'O', '1'}

// Slot header field offsets.
const (
	offHdrOffset     = 0  // u32, data-region relative
	offHdrKeyHash    = 4  // u32
	offHdrExpiresAt  = 8  // u32, unix seconds
	offHdrPayloadLen = 12 // u16
	offHdrFlags      = 14 // u8
	offHdrSeq        = 15 // u8, bumped on every publish

	// The publish word holds expires_at, payload_len, flags and seq.
	offHdrPublishWord = 8
)

// Footer field offsets, relative to the footer start.
const (
	offFtrMagic       = 0x00 // [4]byte
	offFtrVersion     = 0x04 // u32
	offFtrSlotCount   = 0x08 // u32 (item_count)
	offFtrChunkSize   = 0x0C // u32
	offFtrDataBytes   = 0x10 // u32
	offFtrFreePointer = 0x14 // u32
	offFtrGeneration  = 0x18 // u32, bumped on every (re)initialization
	offFtrDefragCount = 0x1C // u32
	offFtrLeakedBytes = 0x20 // u32
	offFtrReserved    = 0x24 // u32
	offFtrLockCell    = 0x28 // u64: owner_txid (low), owner_expiry (high)
	offFtrInstance    = 0x30 // [16]byte
)

// Header flag bits.
const (
	// FlagAlt marks a header stored in its key's alternate slot.
	FlagAlt uint8 = 1 << 0

	// FlagLock marks a slot claimed by a writer that has not published yet.
	FlagLock uint8 = 1 << 1

	// FlagEmpty marks a slot that has never held an entry since init.
	FlagEmpty uint8 = 1 << 2

	// FlagFull marks a published entry.
	FlagFull uint8 = 1 << 3

	priorityShift       = 4
	priorityMask  uint8 = 0b11 << priorityShift
)

// Priority is the eviction tier of an entry. A writer may evict a live entry
// of another key only if the entry's tier is strictly lower.
type Priority uint8

const (
	// PriorityLow entries are evicted by any higher tier.
	PriorityLow Priority = iota

	// PriorityHigh entries are evicted only by PriorityPermanent writers.
	PriorityHigh

	// PriorityPermanent entries are never evicted by another key while live.
	PriorityPermanent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
}

// ParsePriority maps "low", "high" and "permanent" to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low", "LOW":
		return PriorityLow, nil
	case "high", "HIGH":
		return PriorityHigh, nil
	case "permanent", "PERMANENT":
		return PriorityPermanent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q: %w", s, ErrInvalidInput)
	}
}

func (p Priority) valid() bool { return p <= PriorityPermanent }

// Header is a decoded slot header.
type Header struct {
	Offset     uint32
	KeyHash    uint32
	ExpiresAt  uint32
	PayloadLen uint16
	Flags      uint8

	// Seq changes on every publish of the slot, so a reader can tell two
	// otherwise identical headers apart.
	Seq uint8
}

// Full reports whether the header holds a published entry.
func (h Header) Full() bool { return h.Flags&FlagFull != 0 }

// Live reports whether the header holds a published, unexpired entry.
// Anything not live is logically empty and may be overwritten by any writer.
func (h Header) Live(now uint32) bool { return h.Full() && h.ExpiresAt > now }

// Alt reports whether the header sits in its key's alternate slot.
func (h Header) Alt() bool { return h.Flags&FlagAlt != 0 }

// Claimed reports whether a writer holds the slot and has not published.
func (h Header) Claimed() bool { return h.Flags&FlagLock != 0 }

// Priority returns the tier stored in the flags.
func (h Header) Priority() Priority { return Priority((h.Flags & priorityMask) >> priorityShift) }

func flagsFor(p Priority, alt bool) uint8 {
	f := FlagFull | (uint8(p)<<priorityShift)&priorityMask
	if alt {
		f |= FlagAlt
	}

	return f
}

// encodeHeader writes h into buf, which must be exactly HeaderSize bytes.
func encodeHeader(buf []byte, h Header) {
	mustLen(buf, HeaderSize, "header")

	binary.LittleEndian.PutUint32(buf[offHdrOffset:], h.Offset)
	binary.LittleEndian.PutUint32(buf[offHdrKeyHash:], h.KeyHash)
	binary.LittleEndian.PutUint32(buf[offHdrExpiresAt:], h.ExpiresAt)
	binary.LittleEndian.PutUint16(buf[offHdrPayloadLen:], h.PayloadLen)
	buf[offHdrFlags] = h.Flags
	buf[offHdrSeq] = h.Seq
}

// decodeHeader reads a header from buf, which must be exactly HeaderSize bytes.
func decodeHeader(buf []byte) Header {
	mustLen(buf, HeaderSize, "header")

	return Header{
		Offset:     binary.LittleEndian.Uint32(buf[offHdrOffset:]),
		KeyHash:    binary.LittleEndian.Uint32(buf[offHdrKeyHash:]),
		ExpiresAt:  binary.LittleEndian.Uint32(buf[offHdrExpiresAt:]),
		PayloadLen: binary.LittleEndian.Uint16(buf[offHdrPayloadLen:]),
		Flags:      buf[offHdrFlags],
		Seq:        buf[offHdrSeq],
	}
}

// headerWords packs h into its two on-segment words, as a little-endian CPU
// would load them.
func headerWords(h Header) (body, publish uint64) {
	body = uint64(h.Offset) | uint64(h.KeyHash)<<32
	publish = uint64(h.ExpiresAt) | uint64(h.PayloadLen)<<32 | uint64(h.Flags)<<48 | uint64(h.Seq)<<56

	return body, publish
}

// headerFromWords is the inverse of headerWords.
func headerFromWords(body, publish uint64) Header {
	return Header{
		Offset:     uint32(body),
		KeyHash:    uint32(body >> 32),
		ExpiresAt:  uint32(publish),
		PayloadLen: uint16(publish >> 32),
		Flags:      uint8(publish >> 48),
		Seq:        uint8(publish >> 56),
	}
}

// footer is the decoded control footer, excluding the lock cell which has its
// own codec.
type footer struct {
	Magic       [4]byte
	Version     uint32
	SlotCount   uint32
	ChunkSize   uint32
	DataBytes   uint32
	FreePointer uint32
	Generation  uint32
	DefragCount uint32
	LeakedBytes uint32
	Instance    [16]byte
}

// encodeFooter writes f into buf, which must be exactly FooterSize bytes.
// The lock cell is left untouched.
func encodeFooter(buf []byte, f footer) {
	mustLen(buf, FooterSize, "footer")

	copy(buf[offFtrMagic:offFtrMagic+4], f.Magic[:])
	binary.LittleEndian.PutUint32(buf[offFtrVersion:], f.Version)
	binary.LittleEndian.PutUint32(buf[offFtrSlotCount:], f.SlotCount)
	binary.LittleEndian.PutUint32(buf[offFtrChunkSize:], f.ChunkSize)
	binary.LittleEndian.PutUint32(buf[offFtrDataBytes:], f.DataBytes)
	binary.LittleEndian.PutUint32(buf[offFtrFreePointer:], f.FreePointer)
	binary.LittleEndian.PutUint32(buf[offFtrGeneration:], f.Generation)
	binary.LittleEndian.PutUint32(buf[offFtrDefragCount:], f.DefragCount)
	binary.LittleEndian.PutUint32(buf[offFtrLeakedBytes:], f.LeakedBytes)
	binary.LittleEndian.PutUint32(buf[offFtrReserved:], 0)
	copy(buf[offFtrInstance:offFtrInstance+16], f.Instance[:])
}

// decodeFooter reads the footer from buf, which must be exactly FooterSize bytes.
func decodeFooter(buf []byte) footer {
	mustLen(buf, FooterSize, "footer")

	var f footer

	copy(f.Magic[:], buf[offFtrMagic:offFtrMagic+4])
	f.Version = binary.LittleEndian.Uint32(buf[offFtrVersion:])
	f.SlotCount = binary.LittleEndian.Uint32(buf[offFtrSlotCount:])
	f.ChunkSize = binary.LittleEndian.Uint32(buf[offFtrChunkSize:])
	f.DataBytes = binary.LittleEndian.Uint32(buf[offFtrDataBytes:])
	f.FreePointer = binary.LittleEndian.Uint32(buf[offFtrFreePointer:])
	f.Generation = binary.LittleEndian.Uint32(buf[offFtrGeneration:])
	f.DefragCount = binary.LittleEndian.Uint32(buf[offFtrDefragCount:])
	f.LeakedBytes = binary.LittleEndian.Uint32(buf[offFtrLeakedBytes:])
	copy(f.Instance[:], buf[offFtrInstance:offFtrInstance+16])

	return f
}

// packLockCell packs the spinlock cell into one word.
func packLockCell(ownerTxID, ownerExpiry uint32) uint64 {
	return uint64(ownerTxID) | uint64(ownerExpiry)<<32
}

// unpackLockCell is the inverse of packLockCell.
func unpackLockCell(cell uint64) (ownerTxID, ownerExpiry uint32) {
	return uint32(cell), uint32(cell >> 32)
}

func mustLen(buf []byte, want int, what string) {
	if len(buf) != want {
		panic(fmt.Sprintf("cuckoo: %s buffer is %d bytes, want %d", what, len(buf), want))
	}
}

// isLittleEndian is true if the CPU uses little-endian byte order. The atomic
// word accessors below rely on it: there is no atomic little-endian load.
var isLittleEndian = func() bool {
	var buf [2]byte
	buf[0] = 0x01

	return binary.NativeEndian.Uint16(buf[:]) == 0x01
}()

// is64Bit is true on 64-bit architectures, where 64-bit atomics on 8-byte
// aligned mapped memory are available.
var is64Bit = bits.UintSize == 64

// atomicLoadUint64 loads an 8-byte word from buf[0:8] with sequentially
// consistent ordering. buf[0] must be 8-byte aligned.
func atomicLoadUint64(buf []byte) uint64 {
	_ = buf[7]

	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint64 stores an 8-byte word into buf[0:8]. buf[0] must be
// 8-byte aligned.
func atomicStoreUint64(buf []byte, val uint64) {
	_ = buf[7]

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[0])), val)
}

// atomicCASUint64 compare-and-swaps the word at buf[0:8]. Works across
// processes on MAP_SHARED memory.
func atomicCASUint64(buf []byte, old, val uint64) bool {
	_ = buf[7]

	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&buf[0])), old, val)
}

// atomicLoadUint32 loads a 4-byte word from buf[0:4]. buf[0] must be 4-byte
// aligned.
func atomicLoadUint32(buf []byte) uint32 {
	_ = buf[3]

	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint32 stores a 4-byte word into buf[0:4].
func atomicStoreUint32(buf []byte, val uint32) {
	_ = buf[3]

	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[0])), val)
}

// atomicAddUint32 adds delta to the 4-byte word at buf[0:4].
func atomicAddUint32(buf []byte, delta uint32) uint32 {
	_ = buf[3]

	return atomic.AddUint32((*uint32)(unsafe.Pointer(&buf[0])), delta)
}
