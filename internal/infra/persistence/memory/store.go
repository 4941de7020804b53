// Package memory provides an in-memory property store used for tests and
// ephemeral libraries.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagecore/internal/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store keeps records in a map. Records are cloned on the way in and out so
// callers never share property maps with the store.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]persistence.Record
	now     func() time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{records: make(map[uuid.UUID]persistence.Record), now: time.Now}
}

// Save replaces the record stored under rec.ID.
func (s *Store) Save(ctx context.Context, rec persistence.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		return fmt.Errorf("save record: missing id")
	}
	rec = rec.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the record stored under id.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (persistence.Record, error) {
	if err := ctx.Err(); err != nil {
		return persistence.Record{}, err
	}
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return persistence.Record{}, fmt.Errorf("%w: %s", persistence.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns copies of every record ordered by ID.
func (s *Store) List(ctx context.Context) ([]persistence.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]persistence.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// Delete removes the record stored under id.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, id)
	}
	delete(s.records, id)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
