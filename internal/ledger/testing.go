package ledger

import "time"

// SeedSnapshot force-writes a snapshot row when using the in-memory store,
// bypassing the ledger. Freshness and integrity tests use it to plant stale or
// corrupted cache values.
func SeedSnapshot(s Store, snap Snapshot) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.snapshots[keyOf(snap.Scope, snap.PaymentMethod)] = snap
	}
}

// SetClock overrides the in-memory store's clock so tests can walk time across
// the snapshot freshness boundary.
func SetClock(s Store, now func() time.Time) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.now = now
	}
}
