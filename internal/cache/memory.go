package cache

import (
	"context"
	"sync"
	"time"

	"github.com/xwatch/xwatch-bot/internal/models"
)

type entry struct {
	items     []models.Item
	expiresAt time.Time
}

// MemoryStore is a process-local Store with lazy expiry
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]entry
	recorder HitRecorder
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory cache. recorder may be nil.
func NewMemoryStore(recorder HitRecorder) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]entry),
		recorder: recorder,
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]models.Item, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return nil, false
	}
	if m.recorder != nil {
		m.recorder.RecordCacheHit()
	}
	return copyItems(e.items), true
}

func (m *MemoryStore) Put(_ context.Context, key string, items []models.Item, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{items: copyItems(items), expiresAt: m.now().Add(ttl)}
}

func (m *MemoryStore) Purge(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	purged := 0
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
			purged++
		}
	}
	return purged
}

func (m *MemoryStore) Len(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func copyItems(items []models.Item) []models.Item {
	if items == nil {
		return nil
	}
	out := make([]models.Item, len(items))
	copy(out, items)
	return out
}
