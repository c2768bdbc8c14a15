package cuckoo

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// readMaxRetries bounds how often a reader re-reads a slot whose header
	// changed while the payload was being copied.
	readMaxRetries = 10

	// readInitialBackoff is the initial sleep between read retries.
	readInitialBackoff = 50 * time.Microsecond

	// readMaxBackoff caps the exponential backoff growth.
	readMaxBackoff = 1 * time.Millisecond
)

// readBackoff waits for an exponentially increasing duration based on the
// attempt number (0-indexed).
func readBackoff(attempt int) {
	if attempt == 0 {
		return
	}

	time.Sleep(min(readInitialBackoff<<(attempt-1), readMaxBackoff))
}

// Entry is a live entry as returned by [Store.Lookup].
type Entry struct {
	Payload   []byte
	ExpiresAt time.Time
	Priority  Priority

	// Slot is the header index holding the entry; Alt reports whether it is
	// the key's alternate slot.
	Slot uint32
	Alt  bool
}

// Read returns a copy of the payload stored for key, or false on a miss.
// Every failure, including a closed store, reads as a miss.
func (s *Store) Read(key string) ([]byte, bool) {
	e, err := s.Lookup(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !isClosed(err) {
			s.logger.Debug("read degraded to miss", zap.String("key", key), zap.Error(err))
		}

		return nil, false
	}

	return e.Payload, true
}

// Lookup is [Store.Read] with the entry metadata and the reason for a miss.
//
// Possible errors: [ErrInvalidInput], [ErrNotFound], [ErrClosed], [ErrBusy]
// (the slot kept changing under the reader), attach errors.
func (s *Store) Lookup(key string) (Entry, error) {
	err := validateKey(key)
	if err != nil {
		return Entry{}, err
	}

	att, release, err := s.acquire()
	if err != nil {
		return Entry{}, err
	}
	defer release()

	c := candidateSlots(key, s.lay.slotCount)

	for attempt := range readMaxRetries {
		readBackoff(attempt)

		v, ok := att.reg.findForRead(c, s.now())
		if !ok {
			return Entry{}, ErrNotFound
		}

		rng := ByteRange{Offset: v.hdr.Offset, Len: uint32(v.hdr.PayloadLen)}
		if rng.End() > s.lay.dataBytes {
			// A header pointing past the data region was torn or corrupted.
			continue
		}

		payload := make([]byte, rng.Len)
		copy(payload, att.reg.payload(rng))

		body, publish := att.reg.loadWords(v.slot)
		if body != v.body || publish != v.publish {
			continue
		}

		return Entry{
			Payload:   payload,
			ExpiresAt: time.Unix(int64(v.hdr.ExpiresAt), 0),
			Priority:  v.hdr.Priority(),
			Slot:      v.slot,
			Alt:       v.hdr.Alt(),
		}, nil
	}

	return Entry{}, fmt.Errorf("read %q: slot changed %d times: %w", key, readMaxRetries, ErrBusy)
}

// Write stores payload under key for ttl seconds at priority p and reports
// whether it was stored. A dropped write is not an error: the caller simply
// has nothing cached.
func (s *Store) Write(key string, ttl int, payload []byte, p Priority) bool {
	err := s.TryWrite(key, ttl, payload, p)
	if err != nil {
		if !isClosed(err) {
			s.logger.Debug("write dropped",
				zap.String("key", key),
				zap.Int("payload_len", len(payload)),
				zap.Stringer("priority", p),
				zap.Error(err))
		}

		return false
	}

	return true
}

// ReadOrPopulate returns the cached payload for key, or calls generate, caches
// its result at [PriorityLow] and returns it. The result is returned even if
// it could not be cached. Only errors from generate are returned.
func (s *Store) ReadOrPopulate(key string, ttl int, generate func() ([]byte, error)) ([]byte, error) {
	payload, ok := s.Read(key)
	if ok {
		return payload, nil
	}

	payload, err := generate()
	if err != nil {
		return nil, err
	}

	s.Write(key, ttl, payload, PriorityLow)

	return payload, nil
}

// TryWrite is [Store.Write] returning why a write was dropped.
//
// The writer claims the target slot with a compare-and-swap on its publish
// word (clearing FULL). Holding the segment lock, it then places the payload,
// copies the payload bytes and publishes the final header. Readers never see
// a FULL header whose payload is still being written.
//
// Possible errors: [ErrInvalidInput], [ErrTooLarge], [ErrNoSlot], [ErrBusy],
// [ErrFull], [ErrClosed], attach errors.
func (s *Store) TryWrite(key string, ttl int, payload []byte, p Priority) error {
	err := validateKey(key)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		return fmt.Errorf("ttl must be > 0, got %d: %w", ttl, ErrInvalidInput)
	}

	if !p.valid() {
		return fmt.Errorf("priority %s: %w", p, ErrInvalidInput)
	}

	if len(payload) > MaxEntrySize {
		return fmt.Errorf("payload of %d bytes exceeds %d: %w", len(payload), MaxEntrySize, ErrTooLarge)
	}

	att, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	reg := att.reg
	now := s.now()
	expiresAt := addSeconds(now, uint32(min(ttl, int(^uint32(0)>>1))))
	c := candidateSlots(key, s.lay.slotCount)

	generation, defrags := reg.generation(), reg.defragCount()

	target, err := reg.findForWrite(c, p, now)
	if err != nil {
		return err
	}

	_, claimPublish := headerWords(Header{
		ExpiresAt: addSeconds(now, s.opts.leaseSeconds()),
		Flags:     FlagLock,
		Seq:       target.hdr.Seq + 1,
	})

	if !reg.casPublish(target.slot, target.publish, claimPublish) {
		return fmt.Errorf("claim slot %d: %w", target.slot, ErrBusy)
	}

	err = s.commit(att, target, c, claimPublish, generation, defrags, now, payload, expiresAt, p)
	if err != nil {
		// Put the previous header back. If the segment was reinitialized in
		// the meantime the slot carries a new seq and the CAS fails.
		reg.casPublish(target.slot, claimPublish, target.publish)

		return err
	}

	return nil
}

// commit places, copies and publishes a claimed slot. The segment lock is
// held throughout, so a reinitialization either happens before commit (and
// is detected through the generation) or after the entry is published. It
// never reissues a byte range a writer is still copying into.
func (s *Store) commit(att *attachment, target slotView, c candidates, claimPublish uint64,
	generation, defrags, now uint32, payload []byte, expiresAt uint32, p Priority,
) error {
	txid := s.nextTxID()

	if !att.lock.Acquire(txid, now) {
		return fmt.Errorf("segment lock: %w", ErrBusy)
	}
	defer att.lock.Release(txid, now)

	reg := att.reg

	if reg.generation() != generation {
		return fmt.Errorf("segment reinitialized during write: %w", ErrBusy)
	}

	size := uint32(len(payload))

	rng, err := s.place(att, target.hdr, defrags, now, size, expiresAt)
	if err != nil {
		return err
	}

	copy(reg.payload(rng), payload)

	alt := target.slot == c.alt && c.primary != c.alt
	body, publish := headerWords(Header{
		Offset:     rng.Offset,
		KeyHash:    c.keyHash,
		ExpiresAt:  expiresAt,
		PayloadLen: uint16(size),
		Flags:      flagsFor(p, alt),
		Seq:        target.hdr.Seq + 2,
	})

	reg.storeBody(target.slot, body)

	if !reg.casPublish(target.slot, claimPublish, publish) {
		return fmt.Errorf("publish slot %d: claim lost: %w", target.slot, ErrBusy)
	}

	return nil
}

// place picks the byte range for a new payload of size bytes replacing old.
// The old range is reused when it is still owned by a live header and large
// enough; otherwise fresh space is allocated and the old range is counted as
// leaked. The caller holds the segment lock.
func (s *Store) place(att *attachment, old Header, defrags, now, size, expiresAt uint32) (ByteRange, error) {
	reg := att.reg
	chunk := s.lay.chunkSize
	oldRounded := roundUp(uint32(old.PayloadLen), chunk)
	newRounded := roundUp(size, chunk)

	reusable := old.Live(now) &&
		reg.defragCount() == defrags &&
		uint64(old.Offset)+uint64(oldRounded) <= uint64(reg.freePointer())

	if reusable && size > 0 && newRounded <= oldRounded {
		rng := ByteRange{Offset: old.Offset, Len: size}
		reg.stampExpiry(ByteRange{Offset: old.Offset, Len: newRounded}, expiresAt)
		reg.addLeakedBytes(oldRounded - newRounded)

		return rng, nil
	}

	rng, err := att.alloc.allocateLocked(now, size, expiresAt)
	if err != nil {
		return ByteRange{}, err
	}

	if reusable {
		reg.addLeakedBytes(oldRounded)
	}

	return rng, nil
}

// Defragment reclaims dead space at the end of the data region and returns
// the resulting free pointer.
//
// Possible errors: [ErrClosed], [ErrBusy], attach errors.
func (s *Store) Defragment() (uint32, error) {
	att, release, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	return att.alloc.defragment(s.nextTxID(), s.now())
}

// Stats is a point-in-time summary of a segment. Counters are read without
// the segment lock and may be slightly inconsistent under concurrent writes.
type Stats struct {
	Path       string
	Instance   uuid.UUID
	Generation uint32

	SlotCount uint32
	ChunkSize uint32
	DataBytes uint32

	FreePointer uint32
	LeakedBytes uint32
	DefragCount uint32

	// Slot states. Live is indexed by [Priority]. Invalid counts live
	// headers whose tier bits name no known priority.
	Live    [3]int
	Invalid int
	Expired int
	Empty   int
	Claimed int

	LockOwner  uint32
	LockExpiry time.Time
}

// LiveTotal returns the number of live entries across all tiers.
func (st Stats) LiveTotal() int {
	return st.Live[PriorityLow] + st.Live[PriorityHigh] + st.Live[PriorityPermanent]
}

// Stats scans every header and the footer.
//
// Possible errors: [ErrClosed], attach errors.
func (s *Store) Stats() (Stats, error) {
	att, release, err := s.acquire()
	if err != nil {
		return Stats{}, err
	}
	defer release()

	reg := att.reg
	f := reg.readFooter()
	owner, expiry := unpackLockCell(atomicLoadUint64(reg.lockCell()))
	now := s.now()

	st := Stats{
		Path:        att.seg.Path(),
		Instance:    uuid.UUID(f.Instance),
		Generation:  f.Generation,
		SlotCount:   f.SlotCount,
		ChunkSize:   f.ChunkSize,
		DataBytes:   f.DataBytes,
		FreePointer: f.FreePointer,
		LeakedBytes: f.LeakedBytes,
		DefragCount: f.DefragCount,
		LockOwner:   owner,
	}

	if owner != 0 {
		st.LockExpiry = time.Unix(int64(expiry), 0)
	}

	for slot := range s.lay.slotCount {
		h, _, _ := reg.loadHeader(slot)

		switch {
		case h.Live(now) && h.Priority().valid():
			st.Live[h.Priority()]++
		case h.Live(now):
			st.Invalid++
		case h.Full():
			st.Expired++
		case h.Claimed():
			st.Claimed++
		default:
			st.Empty++
		}
	}

	return st, nil
}

// Snapshot copies the raw segment bytes to w. The copy is not atomic with
// respect to concurrent writers.
//
// Possible errors: [ErrClosed], attach errors, write errors from w.
func (s *Store) Snapshot(w io.Writer) (int64, error) {
	att, release, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := io.Copy(w, io.NewSectionReader(att.seg, 0, int64(att.seg.Size())))
	if err != nil {
		return n, fmt.Errorf("snapshot: %w", err)
	}

	return n, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is required: %w", ErrInvalidInput)
	}

	if len(key) > maxKeyLen {
		return fmt.Errorf("key of %d bytes exceeds %d: %w", len(key), maxKeyLen, ErrInvalidInput)
	}

	return nil
}
