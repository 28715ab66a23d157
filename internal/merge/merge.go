// Package merge deduplicates prospect batches into per-campaign record slices.
//
// Batches from discovery may overlap each other and arrive from several goroutines. A Set keeps
// the first record seen for each natural key, stamps it with its campaign key, and hands the
// newly inserted records to an optional Sink for durable storage.
package merge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/outreach/internal/domain"
)

// Sink persists records after they were accepted into a Set.
type Sink interface {
	AppendRecords(ctx context.Context, key domain.TenantKey, records []domain.Record) error
	UpdateRecord(ctx context.Context, key domain.TenantKey, record domain.Record) error
}

// Set is the record slice of one campaign.
type Set struct {
	key   domain.TenantKey
	sink  Sink
	clock func() time.Time

	mu    sync.Mutex
	order []string
	byKey map[string]*domain.Record
}

func newSet(key domain.TenantKey, sink Sink, clock func() time.Time) *Set {
	return &Set{
		key:   key,
		sink:  sink,
		clock: clock,
		byKey: make(map[string]*domain.Record),
	}
}

// Key returns the campaign the set belongs to.
func (s *Set) Key() domain.TenantKey {
	return s.key
}

// Merge inserts every record whose natural key is not yet present and returns only the inserted
// ones, in batch order. Records without a valid email are dropped. The inserted records are
// appended to the sink; a sink failure is returned alongside the inserted records, which stay in
// memory.
func (s *Set) Merge(ctx context.Context, batch []domain.Record) ([]domain.Record, error) {
	inserted := s.insert(batch)
	if len(inserted) == 0 || s.sink == nil {
		return inserted, nil
	}
	if err := s.sink.AppendRecords(ctx, s.key, inserted); err != nil {
		return inserted, fmt.Errorf("append records: %w", err)
	}
	return inserted, nil
}

// Load fills the set from durable storage without writing back to the sink.
func (s *Set) Load(records []domain.Record) int {
	return len(s.insert(records))
}

func (s *Set) insert(batch []domain.Record) []domain.Record {
	if len(batch) == 0 {
		return nil
	}
	now := s.clock()
	stamp := s.key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []domain.Record
	for _, r := range batch {
		k := r.NaturalKey()
		if k == "" || !domain.ValidEmail(k) {
			continue
		}
		if _, exists := s.byKey[k]; exists {
			continue
		}
		rec := r
		rec.Email = k
		rec.CampaignKey = stamp
		if rec.Status == "" {
			rec.Status = domain.RecordDiscovered
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.CreatedAt
		}
		if r.Draft != nil {
			d := *r.Draft
			rec.Draft = &d
		}
		s.byKey[k] = &rec
		s.order = append(s.order, k)
		inserted = append(inserted, cloneRecord(rec))
	}
	return inserted
}

// Update modifies an existing record through fn. It is the only way a stored record changes.
// It returns false when no record has the given natural key.
func (s *Set) Update(ctx context.Context, email string, fn func(*domain.Record)) (domain.Record, bool, error) {
	k := domain.NormalizeEmail(email)

	s.mu.Lock()
	cur, ok := s.byKey[k]
	if !ok {
		s.mu.Unlock()
		return domain.Record{}, false, nil
	}
	next := cloneRecord(*cur)
	fn(&next)
	// Identity fields are owned by the set.
	next.Email = cur.Email
	next.CampaignKey = cur.CampaignKey
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.clock()
	*cur = next
	out := cloneRecord(next)
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.UpdateRecord(ctx, s.key, out); err != nil {
			return out, true, fmt.Errorf("update record: %w", err)
		}
	}
	return out, true, nil
}

// Get returns the record with the given natural key.
func (s *Set) Get(email string) (domain.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byKey[domain.NormalizeEmail(email)]
	if !ok {
		return domain.Record{}, false
	}
	return cloneRecord(*r), true
}

// List returns every record in insertion order.
func (s *Set) List() []domain.Record {
	return s.filter(func(domain.Record) bool { return true })
}

// Pending returns records that still need a draft, in insertion order.
func (s *Set) Pending() []domain.Record {
	return s.filter(domain.Record.NeedsDraft)
}

func (s *Set) filter(keep func(domain.Record) bool) []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Record, 0, len(s.order))
	for _, k := range s.order {
		if r := s.byKey[k]; keep(*r) {
			out = append(out, cloneRecord(*r))
		}
	}
	return out
}

// Len returns the number of records.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Reset empties the set. Durable rows are not touched.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byKey = make(map[string]*domain.Record)
}

func cloneRecord(r domain.Record) domain.Record {
	if r.Draft != nil {
		d := *r.Draft
		r.Draft = &d
	}
	return r
}

// Store holds one Set per campaign.
type Store struct {
	sink  Sink
	clock func() time.Time

	mu   sync.RWMutex
	sets map[domain.TenantKey]*Set
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.clock = fn }
}

// NewStore creates a Store. sink may be nil for a memory-only store.
func NewStore(sink Sink, opts ...Option) *Store {
	s := &Store{
		sink:  sink,
		clock: time.Now,
		sets:  make(map[domain.TenantKey]*Set),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Slice returns the set for key, creating it on first use.
func (s *Store) Slice(key domain.TenantKey) *Set {
	s.mu.RLock()
	set, ok := s.sets[key]
	s.mu.RUnlock()
	if ok {
		return set
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[key]; ok {
		return set
	}
	set = newSet(key, s.sink, s.clock)
	s.sets[key] = set
	return set
}

// Merge merges batch into the set for key and returns the inserted records.
func (s *Store) Merge(ctx context.Context, key domain.TenantKey, batch []domain.Record) ([]domain.Record, error) {
	return s.Slice(key).Merge(ctx, batch)
}

// Drop forgets the set for key. Durable rows are not touched.
func (s *Store) Drop(key domain.TenantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, key)
}

// Len returns the number of campaigns with a live set.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets)
}
