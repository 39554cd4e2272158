package progress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/models"
)

// fakeTier records operations; stands in for the Redis and Postgres levels.
type fakeTier struct {
	mu      sync.Mutex
	entries map[string][]byte
	sets    int
	deletes int
}

func newFakeTier() *fakeTier {
	return &fakeTier{entries: make(map[string][]byte)}
}

func (t *fakeTier) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.entries[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	return value, nil
}

func (t *fakeTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = value
	t.sets++
	return nil
}

func (t *fakeTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	t.deletes++
	return nil
}

func (t *fakeTier) setCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sets
}

func record(sessionID string) *models.ProgressRecord {
	return &models.ProgressRecord{
		SessionID:     sessionID,
		Status:        models.SessionUploading,
		TotalBytes:    100,
		ReceivedBytes: 40,
		UpdatedAt:     time.Now().UTC(),
	}
}

func TestCache_PutIsVisibleImmediately(t *testing.T) {
	cache := New(Config{}, newFakeTier(), newFakeTier(), logging.NewNopLogger())

	require.NoError(t, cache.Put(context.Background(), record("s1")))

	got, err := cache.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, int64(40), got.ReceivedBytes)
	assert.Equal(t, int64(1), cache.Stats().L1Hits)
}

func TestCache_OuterTiersWrittenAsync(t *testing.T) {
	l2, l3 := newFakeTier(), newFakeTier()
	cache := New(Config{}, l2, l3, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cache.Start(ctx)
	defer func() {
		cancel()
		cache.Wait()
	}()

	require.NoError(t, cache.Put(context.Background(), record("s1")))

	require.Eventually(t, func() bool {
		return l2.setCount() == 1 && l3.setCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCache_ReadThroughBackPopulates(t *testing.T) {
	l2, l3 := newFakeTier(), newFakeTier()
	cache := New(Config{}, l2, l3, logging.NewNopLogger())
	ctx := context.Background()

	// only the durable tier knows the session (e.g. another instance wrote it
	// and Redis evicted)
	value, err := json.Marshal(record("s1"))
	require.NoError(t, err)
	require.NoError(t, l3.Set(ctx, "progress:s1", value, time.Hour))

	got, err := cache.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, int64(1), cache.Stats().L3Hits)

	// the hit back-populated both faster tiers
	assert.Equal(t, 1, l2.setCount())
	_, err = cache.l1.Get(ctx, "progress:s1")
	assert.NoError(t, err)

	// second read comes from L1
	_, err = cache.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cache.Stats().L1Hits)
}

func TestCache_SharedTierHit(t *testing.T) {
	l2 := newFakeTier()
	cache := New(Config{}, l2, newFakeTier(), logging.NewNopLogger())
	ctx := context.Background()

	value, err := json.Marshal(record("s1"))
	require.NoError(t, err)
	require.NoError(t, l2.Set(ctx, "progress:s1", value, time.Hour))
	l2.sets = 0

	_, err = cache.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cache.Stats().L2Hits)
}

func TestCache_TotalMiss(t *testing.T) {
	cache := New(Config{}, newFakeTier(), newFakeTier(), logging.NewNopLogger())

	_, err := cache.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, int64(1), cache.Stats().Misses)
}

func TestCache_Invalidate(t *testing.T) {
	l2, l3 := newFakeTier(), newFakeTier()
	cache := New(Config{}, l2, l3, logging.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, record("s1")))
	cache.Invalidate(ctx, "s1")

	_, err := cache.Get(ctx, "s1")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 1, l2.deletes)
	assert.Equal(t, 1, l3.deletes)
}

func TestCache_WorksWithoutOuterTiers(t *testing.T) {
	cache := New(Config{}, nil, nil, logging.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, record("s1")))
	got, err := cache.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
}

func TestMemoryTier_TTL(t *testing.T) {
	tier := NewMemoryTier()
	now := time.Unix(5000, 0)
	tier.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k", []byte("v"), time.Minute))

	_, err := tier.Get(ctx, "k")
	assert.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = tier.Get(ctx, "k")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 0, tier.Len(), "expired entry dropped on read")
}

func TestMemoryTier_Sweep(t *testing.T) {
	tier := NewMemoryTier()
	now := time.Unix(5000, 0)
	tier.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, tier.Set(ctx, "b", []byte("2"), time.Hour))

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, tier.SweepExpired())
	assert.Equal(t, 1, tier.Len())
}
