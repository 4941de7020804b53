package model

import (
	"strings"
	"sync"
)

// ChangeKind classifies what a batched data item notification covers.
type ChangeKind uint8

const (
	ChangeData ChangeKind = 1 << iota
	ChangeMetadata
	ChangeDisplays
)

// ChangeSet is a deduplicated set of change kinds.
type ChangeSet uint8

// Changes builds a set from kinds.
func Changes(kinds ...ChangeKind) ChangeSet {
	var s ChangeSet
	for _, k := range kinds {
		s |= ChangeSet(k)
	}
	return s
}

// Has reports whether k is in the set.
func (s ChangeSet) Has(k ChangeKind) bool { return s&ChangeSet(k) != 0 }

// Empty reports whether the set holds nothing.
func (s ChangeSet) Empty() bool { return s == 0 }

func (s ChangeSet) String() string {
	var parts []string
	if s.Has(ChangeData) {
		parts = append(parts, "data")
	}
	if s.Has(ChangeMetadata) {
		parts = append(parts, "metadata")
	}
	if s.Has(ChangeDisplays) {
		parts = append(parts, "displays")
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ChangeScope is the guard returned when a change region opens. End closes
// it; calling End more than once is harmless, so `defer scope.End()` is
// always safe.
type ChangeScope struct {
	once sync.Once
	end  func()
}

func newChangeScope(end func()) *ChangeScope { return &ChangeScope{end: end} }

// End closes the scope.
func (c *ChangeScope) End() { c.once.Do(c.end) }
