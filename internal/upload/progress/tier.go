// Package progress is the layered read cache for session progress: an
// in-process tier for hot lookups, Redis for cross-instance sharing and
// Postgres as the slow fallback. Writes go through the in-process tier
// synchronously; the outer tiers are refreshed in the background. The cache
// is a projection, never the system of record.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/docsrv/ingest/internal/common"
)

// Tier is one cache level keyed by string, holding opaque JSON values with a
// per-entry TTL. A miss is common.ErrNotFound.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryTier is the in-process level. Expired entries are dropped lazily on
// read and swept periodically by the cache's janitor.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]memoryEntry), now: time.Now}
}

func (t *MemoryTier) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok {
		return nil, common.ErrNotFound
	}
	if t.now().After(e.expiresAt) {
		t.mu.Lock()
		delete(t.entries, key)
		t.mu.Unlock()
		return nil, common.ErrNotFound
	}
	return e.value, nil
}

func (t *MemoryTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	t.entries[key] = memoryEntry{value: value, expiresAt: t.now().Add(ttl)}
	t.mu.Unlock()
	return nil
}

func (t *MemoryTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
	return nil
}

// SweepExpired removes dead entries and reports how many were dropped.
func (t *MemoryTier) SweepExpired() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for key, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, key)
			dropped++
		}
	}
	return dropped
}

func (t *MemoryTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
