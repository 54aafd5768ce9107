// Package catalog reads authoritative item prices and stock for a placement.
package catalog

import (
	"context"
	"fmt"
	"slices"

	"github.com/dshills/bookstore-orders/internal/storage"
	"github.com/dshills/bookstore-orders/pkg/types"
)

// Entry is the priced, stocked view of one item as of the transaction snapshot
type Entry struct {
	ItemID    int64
	Title     string
	UnitPrice types.Money
	Available int
}

// Snapshot maps item ids to their entries. A requested id with no entry is
// the "not found" marker.
type Snapshot struct {
	ids     []int64
	entries map[int64]Entry
}

// Lookup returns the entry for itemID and whether the item exists
func (s *Snapshot) Lookup(itemID int64) (Entry, bool) {
	e, ok := s.entries[itemID]
	return e, ok
}

// IDs returns the requested ids in ascending order
func (s *Snapshot) IDs() []int64 {
	return s.ids
}

// Len returns the number of items found
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// NewSnapshot builds a snapshot from already-read entries
func NewSnapshot(entries ...Entry) *Snapshot {
	snap := &Snapshot{entries: make(map[int64]Entry, len(entries))}
	for _, e := range entries {
		snap.entries[e.ItemID] = e
		snap.ids = append(snap.ids, e.ItemID)
	}
	slices.Sort(snap.ids)
	return snap
}

// Reader reads catalog snapshots through a transaction
type Reader struct{}

// NewReader creates a catalog reader
func NewReader() *Reader {
	return &Reader{}
}

// Snapshot reads the given items through tx. Ids are sorted and de-duplicated
// before reading, so row locks are always taken in ascending id order.
func (r *Reader) Snapshot(ctx context.Context, tx storage.Storage, itemIDs []int64) (*Snapshot, error) {
	ids := SortedUnique(itemIDs)

	items, err := tx.LockItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	snap := &Snapshot{
		ids:     ids,
		entries: make(map[int64]Entry, len(items)),
	}
	for _, item := range items {
		snap.entries[item.ID] = Entry{
			ItemID:    item.ID,
			Title:     item.Title,
			UnitPrice: item.Price,
			Available: item.Stock,
		}
	}
	return snap, nil
}

// SortedUnique returns a sorted copy of ids without duplicates
func SortedUnique(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
