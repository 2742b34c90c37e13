package ledger

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type inMemoryStore struct {
	mu        sync.RWMutex
	entries   map[balanceKey][]Entry
	snapshots map[balanceKey]Snapshot
	seq       uint64

	window time.Duration
	now    func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory store. It backs unit tests
// and database-less development mode; one mutex serializes all writes, which
// subsumes the per-key serialization the Postgres store provides with row
// locks.
func NewInMemory(snapshotWindow time.Duration) Store {
	if snapshotWindow <= 0 {
		snapshotWindow = DefaultSnapshotWindow
	}
	return &inMemoryStore{
		entries:   make(map[balanceKey][]Entry),
		snapshots: make(map[balanceKey]Snapshot),
		window:    snapshotWindow,
		now:       time.Now,
	}
}

func (s *inMemoryStore) Append(_ context.Context, drafts ...Draft) ([]Entry, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	// Validate everything up front so a multi-leg append never half-applies.
	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	appended := make([]Entry, 0, len(drafts))
	for i := range drafts {
		d := drafts[i]
		key := keyOf(d.Scope, d.PaymentMethod)

		base := decimal.Zero
		if snap, ok := s.snapshots[key]; ok && snap.FreshAt(now, s.window) {
			base = snap.CurrentBalance
		} else if existing := s.entries[key]; len(existing) > 0 {
			base = existing[len(existing)-1].BalanceAfter
		}

		s.seq++
		entry := Entry{
			ID:            uuid.NewString(),
			Scope:         d.Scope,
			TransactionID: d.TransactionID,
			Amount:        d.Amount,
			Type:          d.Type,
			PaymentMethod: d.PaymentMethod,
			Category:      d.Category,
			Description:   d.Description,
			// Cloned so a caller mutating its draft map cannot rewrite a
			// stored entry.
			Metadata:     maps.Clone(d.Metadata),
			BalanceAfter: base.Add(SignedAmount(d.Type, d.Amount)),
			CreatedAt:    now,
			seq:          s.seq,
		}

		s.entries[key] = append(s.entries[key], entry)
		s.snapshots[key] = Snapshot{
			Scope:              d.Scope,
			PaymentMethod:      d.PaymentMethod,
			CurrentBalance:     entry.BalanceAfter,
			LastRecalculatedAt: now,
		}
		appended = append(appended, entry)
	}
	return appended, nil
}

func (s *inMemoryStore) Snapshot(_ context.Context, scope Scope, method PaymentMethod) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[keyOf(scope, method)]
	if !ok {
		return Snapshot{}, ErrNoSnapshot
	}
	return snap, nil
}

// Recalculate re-derives the key's balance from its latest entry and
// re-primes the snapshot, holding the store lock across both so a concurrent
// append's movement is never lost to a stale refresh.
func (s *inMemoryStore) Recalculate(_ context.Context, scope Scope, method PaymentMethod) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(scope, method)
	balance := decimal.Zero
	if entries := s.entries[key]; len(entries) > 0 {
		balance = entries[len(entries)-1].BalanceAfter
	}
	snap := Snapshot{
		Scope:              scope,
		PaymentMethod:      method,
		CurrentBalance:     balance,
		LastRecalculatedAt: s.now().UTC(),
	}
	s.snapshots[key] = snap
	return snap, nil
}

func (s *inMemoryStore) LatestEntry(_ context.Context, scope Scope, method PaymentMethod) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[keyOf(scope, method)]
	if len(entries) == 0 {
		return Entry{}, ErrNoEntries
	}
	return entries[len(entries)-1], nil
}

func (s *inMemoryStore) Entries(_ context.Context, scope Scope, method PaymentMethod) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[keyOf(scope, method)]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *inMemoryStore) History(_ context.Context, scope Scope, filter HistoryFilter) ([]Entry, error) {
	s.mu.RLock()
	var all []Entry
	for key, entries := range s.entries {
		if key.scope != scope {
			continue
		}
		if filter.PaymentMethod != "" && key.method != filter.PaymentMethod {
			continue
		}
		all = append(all, entries...)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].seq > all[j].seq
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
