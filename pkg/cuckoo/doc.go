// Package cuckoo provides a shared-memory key/value cache for short-lived
// entries that many independent processes on one machine read and write.
//
// Entries live in a fixed-size segment (see package shm) that holds a table
// of slot headers, a per-chunk expiry index, a bump-allocated data region and
// a control footer. Each key has two candidate slots derived from two
// independent hashes. Entries are never displaced to their other slot; a
// writer that finds both candidates held by live entries of equal or higher
// priority drops its write.
//
// # Basic Usage
//
//	store, err := cuckoo.Open(cuckoo.DefaultOptions())
//	if err != nil {
//	    // configuration or segment errors
//	}
//	defer store.Close()
//
//	store.Write("session:abc123", 3600, payload, cuckoo.PriorityLow)
//
//	data, ok := store.Read("session:abc123")
//
//	data, err = store.ReadOrPopulate("geo:10.0.0.1", 60, func() ([]byte, error) {
//	    return lookupGeo("10.0.0.1")
//	})
//
// # Failure Model
//
// The cache must never be the reason a request fails. [Store.Read],
// [Store.Write] and [Store.ReadOrPopulate] turn every cache failure into a
// miss or a dropped write. [Store.TryWrite] and [Store.Lookup] report the
// reason instead.
//
// # Concurrency
//
// Allocation and segment (re)initialization are serialized across processes
// by a spinlock cell in the footer (see [Lock]). Writers additionally claim
// their target slot with a compare-and-swap before touching payload bytes,
// and publish the final header with a second compare-and-swap. Readers copy
// the payload and re-check the header, retrying when it changed.
//
// Space is reclaimed only from the end of the data region: defragmentation
// never moves a live payload, so ranges abandoned in the middle of the region
// stay unused until everything after them has expired.
package cuckoo
