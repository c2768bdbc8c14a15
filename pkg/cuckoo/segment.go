package cuckoo

import (
	"fmt"
)

// layout is the fixed region geometry of a segment. It is computed once from
// (slot_count, chunk_size, data_bytes) and never changes while attached.
type layout struct {
	slotCount uint32
	chunkSize uint32
	dataBytes uint32

	chunkCount    uint32 // data_bytes / chunk_size
	expiryRecords uint32 // max(slot_count, chunk_count)

	headerTableSize int
	expiryOffset    int
	expirySize      int // padded to 8
	dataOffset      int
	footerOffset    int
	totalSize       int
}

// computeLayout validates the configuration and derives region offsets.
//
// Possible errors: [ErrInvalidInput].
func computeLayout(slotCount, chunkSize, dataBytes uint32) (layout, error) {
	if slotCount < 1 || slotCount > maxSlotCount {
		return layout{}, fmt.Errorf("slot_count %d outside [1,%d]: %w", slotCount, maxSlotCount, ErrInvalidInput)
	}

	if chunkSize < minChunkSize || chunkSize > maxChunkSize || chunkSize%8 != 0 {
		return layout{}, fmt.Errorf("chunk_size %d must be a multiple of 8 in [%d,%d]: %w",
			chunkSize, minChunkSize, maxChunkSize, ErrInvalidInput)
	}

	if dataBytes == 0 || dataBytes > maxDataBytes || dataBytes%chunkSize != 0 {
		return layout{}, fmt.Errorf("data_bytes %d must be a positive multiple of chunk_size %d up to %d: %w",
			dataBytes, chunkSize, maxDataBytes, ErrInvalidInput)
	}

	chunkCount := dataBytes / chunkSize
	expiryRecords := max(slotCount, chunkCount)

	headerTableSize := int(slotCount) * HeaderSize
	expirySize := align8(int(expiryRecords) * expiryRecordSize)
	dataOffset := headerTableSize + expirySize
	footerOffset := dataOffset + int(dataBytes)

	return layout{
		slotCount:       slotCount,
		chunkSize:       chunkSize,
		dataBytes:       dataBytes,
		chunkCount:      chunkCount,
		expiryRecords:   expiryRecords,
		headerTableSize: headerTableSize,
		expiryOffset:    headerTableSize,
		expirySize:      expirySize,
		dataOffset:      dataOffset,
		footerOffset:    footerOffset,
		totalSize:       footerOffset + FooterSize,
	}, nil
}

func align8(x int) int {
	return (x + 7) &^ 7
}

// roundUp rounds size up to a multiple of chunk.
func roundUp(size, chunk uint32) uint32 {
	return (size + chunk - 1) / chunk * chunk
}

// ByteRange addresses a payload inside the data region. Offset is relative to
// the data region start.
type ByteRange struct {
	Offset uint32
	Len    uint32
}

// End returns the first byte past the range.
func (r ByteRange) End() uint32 { return r.Offset + r.Len }

// region is the mapped segment seen through its layout. It is the only code
// that indexes into the mapped bytes; everything else goes through it.
type region struct {
	data []byte
	lay  layout
}

func newRegion(data []byte, lay layout) (*region, error) {
	if len(data) != lay.totalSize {
		return nil, fmt.Errorf("mapped %d bytes, layout needs %d: %w", len(data), lay.totalSize, ErrInvalidInput)
	}

	return &region{data: data, lay: lay}, nil
}

func (r *region) headerBytes(slot uint32) []byte {
	off := int(slot) * HeaderSize

	return r.data[off : off+HeaderSize : off+HeaderSize]
}

// loadHeader reads a header as two atomic word loads: publish word first so a
// reader that sees FULL also sees the body stored before it.
func (r *region) loadHeader(slot uint32) (Header, uint64, uint64) {
	buf := r.headerBytes(slot)
	publish := atomicLoadUint64(buf[offHdrPublishWord:])
	body := atomicLoadUint64(buf[0:])

	return headerFromWords(body, publish), body, publish
}

func (r *region) storeBody(slot uint32, body uint64) {
	atomicStoreUint64(r.headerBytes(slot)[0:], body)
}

func (r *region) storePublish(slot uint32, publish uint64) {
	atomicStoreUint64(r.headerBytes(slot)[offHdrPublishWord:], publish)
}

func (r *region) casPublish(slot uint32, old, publish uint64) bool {
	return atomicCASUint64(r.headerBytes(slot)[offHdrPublishWord:], old, publish)
}

func (r *region) loadWords(slot uint32) (uint64, uint64) {
	buf := r.headerBytes(slot)

	return atomicLoadUint64(buf[0:]), atomicLoadUint64(buf[offHdrPublishWord:])
}

// payload returns the data-region bytes for rng.
func (r *region) payload(rng ByteRange) []byte {
	start := r.lay.dataOffset + int(rng.Offset)
	end := start + int(rng.Len)

	return r.data[start:end:end]
}

func (r *region) expiryBytes(chunk uint32) []byte {
	off := r.lay.expiryOffset + int(chunk)*expiryRecordSize

	return r.data[off : off+expiryRecordSize]
}

func (r *region) chunkExpiry(chunk uint32) uint32 {
	return atomicLoadUint32(r.expiryBytes(chunk))
}

func (r *region) setChunkExpiry(chunk, expiresAt uint32) {
	atomicStoreUint32(r.expiryBytes(chunk), expiresAt)
}

// stampExpiry records expiresAt for every chunk covered by rng.
func (r *region) stampExpiry(rng ByteRange, expiresAt uint32) {
	if rng.Len == 0 {
		return
	}

	first := rng.Offset / r.lay.chunkSize
	last := (rng.End() - 1) / r.lay.chunkSize

	for c := first; c <= last; c++ {
		r.setChunkExpiry(c, expiresAt)
	}
}

func (r *region) footerBytes() []byte {
	return r.data[r.lay.footerOffset : r.lay.footerOffset+FooterSize : r.lay.footerOffset+FooterSize]
}

func (r *region) footerField(off int) []byte {
	return r.footerBytes()[off : off+4]
}

func (r *region) lockCell() []byte {
	return r.footerBytes()[offFtrLockCell : offFtrLockCell+8]
}

func (r *region) freePointer() uint32 {
	return atomicLoadUint32(r.footerField(offFtrFreePointer))
}

func (r *region) setFreePointer(v uint32) {
	atomicStoreUint32(r.footerField(offFtrFreePointer), v)
}

func (r *region) generation() uint32 {
	return atomicLoadUint32(r.footerField(offFtrGeneration))
}

func (r *region) defragCount() uint32 {
	return atomicLoadUint32(r.footerField(offFtrDefragCount))
}

func (r *region) bumpDefragCount() {
	atomicAddUint32(r.footerField(offFtrDefragCount), 1)
}

func (r *region) leakedBytes() uint32 {
	return atomicLoadUint32(r.footerField(offFtrLeakedBytes))
}

func (r *region) addLeakedBytes(n uint32) {
	atomicAddUint32(r.footerField(offFtrLeakedBytes), n)
}

func (r *region) setLeakedBytes(n uint32) {
	atomicStoreUint32(r.footerField(offFtrLeakedBytes), n)
}

func (r *region) readFooter() footer {
	return decodeFooter(r.footerBytes())
}

// metadataMatches reports whether the stored footer describes this layout.
func (r *region) metadataMatches() (footer, bool) {
	f := r.readFooter()

	ok := f.Magic == formatMagic &&
		f.Version == formatVersion &&
		f.SlotCount == r.lay.slotCount &&
		f.ChunkSize == r.lay.chunkSize &&
		f.DataBytes == r.lay.dataBytes &&
		f.FreePointer <= r.lay.dataBytes

	return f, ok
}

// initialize wipes every header to EMPTY, clears the expiry index and writes
// fresh metadata. The magic is written last. The lock cell is not touched;
// the caller holds it (or owns the segment exclusively).
func (r *region) initialize(generation uint32, instance [16]byte) {
	// Invalidate the magic first so a crash mid-init forces the next attacher
	// to start over.
	clear(r.footerBytes()[offFtrMagic : offFtrMagic+4])

	for slot := range r.lay.slotCount {
		// Advance seq so a claim taken before the wipe can never match the
		// EMPTY word, nor a claim taken after it.
		old, _, _ := r.loadHeader(slot)

		emptyBody, emptyPublish := headerWords(Header{Flags: FlagEmpty, Seq: old.Seq + 1})
		r.storePublish(slot, emptyPublish)
		r.storeBody(slot, emptyBody)
	}

	clear(r.data[r.lay.expiryOffset : r.lay.expiryOffset+r.lay.expirySize])

	f := footer{
		Version:    formatVersion,
		SlotCount:  r.lay.slotCount,
		ChunkSize:  r.lay.chunkSize,
		DataBytes:  r.lay.dataBytes,
		Generation: generation,
		Instance:   instance,
	}
	encodeFooter(r.footerBytes(), f)

	copy(r.footerBytes()[offFtrMagic:offFtrMagic+4], formatMagic[:])
}
