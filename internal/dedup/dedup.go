package dedup

import (
	"context"
	"fmt"

	"github.com/xwatch/xwatch-bot/internal/models"
)

// ExistenceChecker reports whether an item with the given external id is already stored
type ExistenceChecker interface {
	ItemExists(ctx context.Context, itemID string) (bool, error)
}

// Deduplicator drops items that are already known by external identity
type Deduplicator struct {
	store ExistenceChecker
}

// New creates a deduplicator backed by store
func New(store ExistenceChecker) *Deduplicator {
	return &Deduplicator{store: store}
}

// FilterNew returns the items not yet present in the store, preserving order.
// Repeated ids within the batch are collapsed to their first occurrence.
// On a lookup failure the items checked so far are returned together with the error.
func (d *Deduplicator) FilterNew(ctx context.Context, items []models.Item) ([]models.Item, error) {
	seen := make(map[string]struct{}, len(items))
	fresh := make([]models.Item, 0, len(items))

	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}

		exists, err := d.store.ItemExists(ctx, item.ID)
		if err != nil {
			return fresh, fmt.Errorf("failed to check item %s: %w", item.ID, err)
		}
		if !exists {
			fresh = append(fresh, item)
		}
	}

	return fresh, nil
}
