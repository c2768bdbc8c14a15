package cuckoo

import (
	"github.com/cespare/xxhash/v2"
)

// FNV-1a 32-bit constants.
const (
	fnv1aOffsetBasis32 uint32 = 2166136261
	fnv1aPrime32       uint32 = 16777619
)

// hashA is FNV-1a 32 over the key bytes. It picks the primary slot and is the
// key_hash stored in the header.
func hashA(key string) uint32 {
	hash := fnv1aOffsetBasis32
	for i := range len(key) {
		hash ^= uint32(key[i])
		hash *= fnv1aPrime32
	}

	return hash
}

// hashB folds xxhash64 to 32 bits. It picks the alternate slot. Both hashes
// must be stable across processes, which rules out runtime-seeded hashes.
func hashB(key string) uint32 {
	h := xxhash.Sum64String(key)

	return uint32(h) ^ uint32(h>>32)
}

// candidates are the two slots a key may occupy plus its fingerprint.
type candidates struct {
	primary uint32
	alt     uint32
	keyHash uint32
}

// candidateSlots reduces both hashes modulo slotCount. The two slots may be
// equal; entries are never relocated between them.
func candidateSlots(key string, slotCount uint32) candidates {
	a := hashA(key)

	return candidates{
		primary: a % slotCount,
		alt:     hashB(key) % slotCount,
		keyHash: a,
	}
}

// matches reports whether h, found at slot, belongs to the key c was computed
// for: the fingerprint must match and the ALT flag must agree with the slot's
// role for this key.
func (c candidates) matches(slot uint32, h Header) bool {
	if h.KeyHash != c.keyHash {
		return false
	}

	if c.primary == c.alt {
		return true
	}

	if slot == c.primary {
		return !h.Alt()
	}

	return h.Alt()
}
