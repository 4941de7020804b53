package model

import (
	"slices"
	"strings"
	"time"
)

// SortKey orders data items in a library listing.
type SortKey struct {
	// Live is the title and UUID of a live item, empty otherwise.
	Live string
	Date time.Time
	ID   string
}

// SortKey returns the ordering key of d.
func (d *DataItem) SortKey() SortKey {
	k := SortKey{Date: d.DateForSorting(), ID: d.UUID().String()}
	if d.IsLive() {
		k.Live = d.Title() + k.ID
	}
	return k
}

// Compare orders k before other by live key, then date, then UUID.
func (k SortKey) Compare(other SortKey) int {
	if c := strings.Compare(k.Live, other.Live); c != 0 {
		return c
	}
	if c := k.Date.Compare(other.Date); c != 0 {
		return c
	}
	return strings.Compare(k.ID, other.ID)
}

// SortByDateKey sorts items in place by SortKey.
func SortByDateKey(items []*DataItem) {
	keys := make(map[*DataItem]SortKey, len(items))
	for _, it := range items {
		keys[it] = it.SortKey()
	}
	slices.SortStableFunc(items, func(a, b *DataItem) int {
		return keys[a].Compare(keys[b])
	})
}
