package cache

import (
	"context"
	"strings"
	"time"

	"github.com/xwatch/xwatch-bot/internal/models"
)

// Store is a short-lived cache for upstream fetch results
type Store interface {
	// Get returns the cached items for key. Expired entries are evicted and reported as a miss.
	Get(ctx context.Context, key string) ([]models.Item, bool)
	Put(ctx context.Context, key string, items []models.Item, ttl time.Duration)
	// Purge removes expired entries and returns how many were dropped
	Purge(ctx context.Context) int
	Len(ctx context.Context) int
}

// HitRecorder is notified on every cache hit
type HitRecorder interface {
	RecordCacheHit()
}

// Key builds the cache key for a fetch of handle in the given mode
func Key(handle string, method models.FetchMethod, query string) string {
	parts := []string{strings.ToLower(handle), string(method)}
	if query != "" {
		parts = append(parts, query)
	}
	return strings.Join(parts, "|")
}
