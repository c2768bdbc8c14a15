package cuckoo

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calvinalkan/cuckoo/pkg/shm"
)

// Store is a handle on a shared cuckoo segment. It is safe for concurrent use
// by multiple goroutines; any number of processes may hold their own Store on
// the same segment.
//
// The segment is attached lazily on first use unless the store was obtained
// from [Open].
type Store struct {
	opts   Options
	lay    layout
	opener shm.Opener
	logger *zap.Logger

	mu     sync.RWMutex
	att    *attachment
	closed bool

	txSeed uint32
	txSeq  atomic.Uint32
}

// attachment is the mapped state of an attached store.
type attachment struct {
	seg   *shm.Segment
	reg   *region
	lock  Lock
	alloc *allocator
}

// New validates opts and returns a store that attaches to its segment on
// first use.
//
// Possible errors: [ErrInvalidInput], [ErrIncompatible].
func New(opts Options) (*Store, error) {
	// Header words and the lock cell are accessed with native 64-bit atomics
	// on mapped memory laid out little-endian.
	if !is64Bit || !isLittleEndian {
		return nil, fmt.Errorf("cuckoo requires a 64-bit little-endian CPU: %w", ErrIncompatible)
	}

	lay, err := opts.validate()
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()

	return &Store{
		opts:   opts,
		lay:    lay,
		opener: shm.Opener{Dir: opts.Dir},
		logger: opts.Logger.With(zap.String("segment", opts.SegmentID)),
		txSeed: rand.Uint32(),
	}, nil
}

// Open is [New] followed by an immediate attach, so configuration and
// segment errors surface at startup.
//
// Possible errors: those of [New], [ErrBusy] if a forced reinit cannot take
// the segment lock, and wrapped shm/syscall errors.
func Open(opts Options) (*Store, error) {
	s, err := New(opts)
	if err != nil {
		return nil, err
	}

	_, release, err := s.acquire()
	if err != nil {
		return nil, err
	}

	release()

	return s, nil
}

// Path returns the file backing the segment.
func (s *Store) Path() string {
	return s.opener.Path(s.opts.SegmentID)
}

// acquire returns the attachment, attaching on first use. The returned
// release func must be called when the caller is done with mapped memory.
func (s *Store) acquire() (*attachment, func(), error) {
	s.mu.RLock()

	if s.closed {
		s.mu.RUnlock()

		return nil, nil, ErrClosed
	}

	if s.att != nil {
		return s.att, s.mu.RUnlock, nil
	}

	s.mu.RUnlock()

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil, nil, ErrClosed
	}

	if s.att == nil {
		att, err := s.attach()
		if err != nil {
			s.mu.Unlock()

			return nil, nil, err
		}

		s.att = att
	}

	s.mu.Unlock()

	return s.acquire()
}

// attach maps the segment, creating it if needed, and validates or
// (re)initializes it while holding the cross-process create guard.
func (s *Store) attach() (*attachment, error) {
	var att *attachment

	seg, err := s.opener.Attach(s.opts.SegmentID, s.lay.totalSize, shm.ModeCreate, func(seg *shm.Segment) error {
		reg, err := newRegion(seg.Bytes(), s.lay)
		if err != nil {
			return err
		}

		lock := s.opts.NewLock(reg.lockCell())
		att = &attachment{
			seg:   seg,
			reg:   reg,
			lock:  lock,
			alloc: &allocator{reg: reg, lock: lock, logger: s.logger},
		}

		return s.prepare(att)
	})
	if err != nil {
		return nil, fmt.Errorf("attach segment %q: %w", s.opts.SegmentID, err)
	}

	att.seg = seg

	return att, nil
}

// prepare brings a freshly mapped segment into a usable state.
func (s *Store) prepare(att *attachment) error {
	reg := att.reg

	if att.seg.Created() {
		atomicStoreUint64(reg.lockCell(), 0)
		reg.initialize(1, newInstanceID())

		s.logger.Info("created segment",
			zap.String("path", att.seg.Path()),
			zap.Uint32("slot_count", s.lay.slotCount),
			zap.Uint32("chunk_size", s.lay.chunkSize),
			zap.Uint32("data_bytes", s.lay.dataBytes),
			zap.Int("size", s.lay.totalSize))

		return nil
	}

	stored, ok := reg.metadataMatches()
	if !ok {
		if stored.Magic != formatMagic || stored.Version != formatVersion {
			// Not our format: the lock cell holds garbage nobody can own.
			atomicStoreUint64(reg.lockCell(), 0)
		}

		// Handles using the old geometry share the footer, and with it the
		// lock cell, so the wipe waits for their lock like any other.
		err := s.reinitialize(att, stored.Generation+1)
		if err != nil {
			return err
		}

		s.logger.Warn("segment metadata mismatch, reinitialized (all entries dropped)",
			zap.String("path", att.seg.Path()),
			zap.ByteString("stored_magic", stored.Magic[:]),
			zap.Uint32("stored_version", stored.Version),
			zap.Uint32("stored_slot_count", stored.SlotCount),
			zap.Uint32("stored_chunk_size", stored.ChunkSize),
			zap.Uint32("stored_data_bytes", stored.DataBytes),
			zap.Uint32("slot_count", s.lay.slotCount),
			zap.Uint32("chunk_size", s.lay.chunkSize),
			zap.Uint32("data_bytes", s.lay.dataBytes))

		return nil
	}

	if s.opts.ForceReinit {
		err := s.reinitialize(att, stored.Generation+1)
		if err != nil {
			return err
		}

		s.logger.Warn("forced segment reinit, all entries dropped",
			zap.String("path", att.seg.Path()),
			zap.Uint32("generation", stored.Generation+1))
	}

	return nil
}

// reinitialize wipes an attached, valid segment under the segment lock.
//
// Possible errors: [ErrBusy].
func (s *Store) reinitialize(att *attachment, generation uint32) error {
	now := s.now()
	txid := s.nextTxID()

	if !att.lock.Acquire(txid, now) {
		return fmt.Errorf("reinitialize: %w", ErrBusy)
	}
	defer att.lock.Release(txid, now)

	att.reg.initialize(generation, newInstanceID())

	return nil
}

// Reset drops every entry and bumps the segment generation. Other processes
// keep their mappings and observe an empty store.
//
// Possible errors: [ErrClosed], [ErrBusy], guard lock errors.
func (s *Store) Reset() error {
	att, release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	guard, err := s.opener.Guard(s.opts.SegmentID)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	defer func() { _ = guard.Close() }()

	generation := att.reg.generation() + 1

	err = s.reinitialize(att, generation)
	if err != nil {
		return err
	}

	s.logger.Warn("segment reset, all entries dropped", zap.Uint32("generation", generation))

	return nil
}

// Close unmaps the segment. The segment and its entries persist for other
// processes. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.att == nil {
		return nil
	}

	att := s.att
	s.att = nil

	err := att.seg.Close()
	if err != nil {
		return fmt.Errorf("close segment: %w", err)
	}

	return nil
}

// Destroy closes the store and removes the segment. Processes that still map
// it keep working on the unlinked pages; new attachers create a fresh one.
func (s *Store) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	if s.att == nil {
		err := s.opener.Remove(s.opts.SegmentID)
		if err != nil {
			return fmt.Errorf("remove segment: %w", err)
		}

		return nil
	}

	att := s.att
	s.att = nil

	err := att.seg.Delete()
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}

	s.logger.Info("destroyed segment", zap.String("path", att.seg.Path()))

	return nil
}

func (s *Store) now() uint32 {
	sec := s.opts.Clock.Now().Unix()

	switch {
	case sec <= 0:
		return 0
	case sec > int64(^uint32(0)):
		return ^uint32(0)
	default:
		return uint32(sec)
	}
}

// nextTxID returns a lock transaction id unique to this call. Goroutines of
// one process must not share an id, or the reentrant lock would admit both.
func (s *Store) nextTxID() uint32 {
	for {
		id := s.txSeed + s.txSeq.Add(1)*0x9E3779B1
		if id != 0 {
			return id
		}
	}
}

func newInstanceID() [16]byte {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}

	return id
}

// isClosed reports whether err means the store was closed.
func isClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
