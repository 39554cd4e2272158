package submitter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsrv/ingest/internal/upload/models"
)

func job(sessionID, fileID string, sessionAge time.Duration, order int) *models.IngestionJob {
	return &models.IngestionJob{
		ID:               fileID,
		SessionID:        sessionID,
		FileID:           fileID,
		SessionCreatedAt: time.Unix(1000, 0).Add(sessionAge),
		FileOrder:        order,
	}
}

func popAll(t *testing.T, q *queue, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var ids []string
	for i := 0; i < n; i++ {
		j, err := q.PopWait(ctx, time.Now)
		require.NoError(t, err)
		ids = append(ids, j.FileID)
	}
	return ids
}

func TestQueue_FairOrdering(t *testing.T) {
	q := newQueue()
	q.Push(job("s2", "s2f0", time.Minute, 0))
	q.Push(job("s1", "s1f1", 0, 1))
	q.Push(job("s1", "s1f0", 0, 0))

	assert.Equal(t, []string{"s1f0", "s1f1", "s2f0"}, popAll(t, q, 3))
}

func TestQueue_DeferredJobSinks(t *testing.T) {
	q := newQueue()
	deferred := job("s1", "early", 0, 0)
	deferred.NotBefore = time.Now().Add(time.Hour)
	q.Push(deferred)
	q.Push(job("s2", "later", time.Minute, 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	j, err := q.PopWait(ctx, time.Now)
	require.NoError(t, err)
	assert.Equal(t, "later", j.FileID)

	// only the deferred job remains; PopWait must not return it yet
	shortCtx, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = q.PopWait(shortCtx, time.Now)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_WakesOnPush(t *testing.T) {
	q := newQueue()

	done := make(chan *models.IngestionJob, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		j, _ := q.PopWait(ctx, time.Now)
		done <- j
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(job("s1", "f1", 0, 0))

	select {
	case j := <-done:
		require.NotNil(t, j)
		assert.Equal(t, "f1", j.FileID)
	case <-time.After(time.Second):
		t.Fatal("PopWait did not wake on push")
	}
}

func TestQueue_RemoveSession(t *testing.T) {
	q := newQueue()
	q.Push(job("s1", "f1", 0, 0))
	q.Push(job("s2", "f2", 0, 0))
	q.Push(job("s1", "f3", 0, 1))

	assert.Equal(t, 2, q.Remove("s1"))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, []string{"f2"}, popAll(t, q, 1))
}

func TestTokenBucket_LocalRefill(t *testing.T) {
	b := NewTokenBucket(2, time.Minute)
	now := time.Unix(2000, 0)
	b.now = func() time.Time { return now }

	ok, _ := b.TryAcquire()
	assert.True(t, ok)
	ok, _ = b.TryAcquire()
	assert.True(t, ok)

	ok, retryAt := b.TryAcquire()
	assert.False(t, ok)
	assert.Equal(t, now.Add(time.Minute), retryAt)

	now = now.Add(time.Minute)
	ok, _ = b.TryAcquire()
	assert.True(t, ok)
}

func TestTokenBucket_SyncAdoptsServerView(t *testing.T) {
	b := NewTokenBucket(10, time.Minute)
	b.now = func() time.Time { return time.Unix(2000, 0) }

	reset := time.Unix(2030, 0)
	b.Sync(models.RateLimitStatus{Limit: 5, Remaining: 0, ResetAt: reset})

	ok, retryAt := b.TryAcquire()
	assert.False(t, ok)
	assert.Equal(t, reset, retryAt)

	status := b.Status()
	assert.Equal(t, 5, status.Limit)
	assert.Equal(t, 0, status.Remaining)
}

func TestBreaker_TripsAndRecovers(t *testing.T) {
	b := NewBreaker(3, 30*time.Second)
	now := time.Unix(3000, 0)
	b.now = func() time.Time { return now }

	b.RecordTransientFailure()
	b.RecordTransientFailure()
	ok, _ := b.Allow()
	assert.True(t, ok, "below threshold")

	b.RecordTransientFailure()
	ok, until := b.Allow()
	assert.False(t, ok)
	assert.Equal(t, now.Add(30*time.Second), until)

	now = now.Add(31 * time.Second)
	ok, _ = b.Allow()
	assert.True(t, ok, "cool-down elapsed")

	// still at threshold: one more failure re-opens immediately
	b.RecordTransientFailure()
	ok, _ = b.Allow()
	assert.False(t, ok)

	b.RecordSuccess()
	ok, _ = b.Allow()
	assert.True(t, ok)
}
