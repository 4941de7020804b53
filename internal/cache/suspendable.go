package cache

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"imagecore/internal/entity"
)

// Suspendable wraps a Store so that writes can be held back in an overlay
// while a data item is in a transaction. Reads prefer the overlay, and
// removals made while suspended hide the underlying entry until spilled.
type Suspendable struct {
	mu        sync.Mutex
	store     Store
	suspended bool
	overlay   map[entryKey]any
	removed   map[entryKey]struct{}
}

// NewSuspendable wraps store. A nil store behaves as an always-empty cache.
func NewSuspendable(store Store) *Suspendable {
	return &Suspendable{store: store}
}

// Underlying returns the wrapped store.
func (s *Suspendable) Underlying() Store { return s.store }

// Suspended reports whether writes are currently held back.
func (s *Suspendable) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// SuspendCache starts redirecting writes into the overlay. Suspending an
// already suspended cache has no effect.
func (s *Suspendable) SuspendCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	s.suspended = true
	s.overlay = make(map[entryKey]any)
	s.removed = make(map[entryKey]struct{})
}

// SpillCache writes the overlay into the underlying store, resumes direct
// writes and returns the number of entries flushed.
func (s *Suspendable) SpillCache() (int, error) {
	s.mu.Lock()
	overlay, removed := s.overlay, s.removed
	s.overlay, s.removed = nil, nil
	s.suspended = false
	s.mu.Unlock()

	if s.store == nil {
		return 0, nil
	}
	var errs []error
	n := 0
	for k := range removed {
		if err := s.store.Remove(k.id, k.key); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	for k, v := range overlay {
		if err := s.store.Set(k.id, k.key, v); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *Suspendable) Get(id uuid.UUID, key string) (any, bool, error) {
	k := entryKey{id, key}
	s.mu.Lock()
	if s.suspended {
		if v, ok := s.overlay[k]; ok {
			s.mu.Unlock()
			return entity.DeepCopy(v), true, nil
		}
		if _, gone := s.removed[k]; gone {
			s.mu.Unlock()
			return nil, false, nil
		}
	}
	s.mu.Unlock()
	if s.store == nil {
		return nil, false, nil
	}
	return s.store.Get(id, key)
}

func (s *Suspendable) Set(id uuid.UUID, key string, value any) error {
	k := entryKey{id, key}
	s.mu.Lock()
	if s.suspended {
		s.overlay[k] = entity.DeepCopy(value)
		delete(s.removed, k)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Set(id, key, value)
}

func (s *Suspendable) Remove(id uuid.UUID, key string) error {
	k := entryKey{id, key}
	s.mu.Lock()
	if s.suspended {
		delete(s.overlay, k)
		s.removed[k] = struct{}{}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Remove(id, key)
}
