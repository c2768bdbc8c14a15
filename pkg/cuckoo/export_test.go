package cuckoo

// Export internal functions for testing.
// This file is only compiled during tests.

// CandidateSlotsForTesting returns the primary and alternate slot of key.
func CandidateSlotsForTesting(key string, slotCount uint32) (primary, alt uint32) {
	c := candidateSlots(key, slotCount)

	return c.primary, c.alt
}

// FreePointerForTesting returns the allocator's free pointer.
func FreePointerForTesting(s *Store) (uint32, error) {
	att, release, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	return att.reg.freePointer(), nil
}

// HoldLockForTesting takes the segment lock with txid and returns a func that
// releases it.
func HoldLockForTesting(s *Store, txid, now uint32) (func(), bool) {
	att, release, err := s.acquire()
	if err != nil {
		return nil, false
	}
	defer release()

	if !att.lock.TryAcquire(txid, now) {
		return nil, false
	}

	lock := att.lock

	return func() { lock.Release(txid, now) }, true
}

// SetTierBitsForTesting overwrites the priority bits of key's published
// header with tier, which may be a value no writer produces. Reports whether
// a header for key was found.
func SetTierBitsForTesting(s *Store, key string, tier uint8) bool {
	att, release, err := s.acquire()
	if err != nil {
		return false
	}
	defer release()

	c := candidateSlots(key, s.lay.slotCount)

	for _, slot := range []uint32{c.primary, c.alt} {
		h, _, publish := att.reg.loadHeader(slot)
		if !h.Full() || !c.matches(slot, h) {
			continue
		}

		h.Flags = h.Flags&^priorityMask | (tier<<priorityShift)&priorityMask

		_, next := headerWords(h)

		return att.reg.casPublish(slot, publish, next)
	}

	return false
}
