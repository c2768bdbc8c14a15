package cuckoo

// MaxEntrySize is the largest payload a single entry may hold, in bytes.
// payload_len is a u16 on the segment; 0xFFFF is kept out of range.
const MaxEntrySize = 65534

// Implementation limits. Violations are configuration errors and return
// ErrInvalidInput.
const (
	// Upper bound for slot_count; the header table is 16 bytes per slot.
	maxSlotCount = 1 << 26

	// Upper bound for data_bytes. Offsets are u32 relative to the data
	// region, and the whole segment must fit an int on every platform we
	// build for.
	maxDataBytes = 1 << 31

	// chunk_size bounds. Chunks must keep the footer 8-byte aligned.
	minChunkSize = 8
	maxChunkSize = 1 << 20

	// Longest accepted key, in bytes.
	maxKeyLen = 4096

	// Defaults used by DefaultOptions.
	defaultSlotCount    = 4096
	defaultChunkSize    = 1024
	defaultDataBytes    = 1_114_112
	defaultLockAttempts = 5
	defaultLockLease    = 30 // seconds
)
