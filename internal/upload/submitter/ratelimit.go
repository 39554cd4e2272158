package submitter

import (
	"sync"
	"time"

	"github.com/docsrv/ingest/internal/upload/models"
)

// TokenBucket is the local view of the ingestion service's quota window.
// It starts from a configured budget and is corrected from the service's
// rate-limit headers after every response, so the local count converges on
// the server's even with other clients consuming the same quota.
type TokenBucket struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	remaining int
	resetAt   time.Time
	now       func() time.Time
}

func NewTokenBucket(limit int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		limit:     limit,
		window:    window,
		remaining: limit,
		now:       time.Now,
	}
}

// TryAcquire consumes one token. When the bucket is empty it returns false
// and the instant at which the window resets; the caller defers, it does not
// fail.
func (b *TokenBucket) TryAcquire() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.remaining <= 0 {
		return false, b.resetAt
	}
	b.remaining--
	return true, time.Time{}
}

func (b *TokenBucket) refill() {
	now := b.now()
	if b.resetAt.IsZero() || !now.Before(b.resetAt) {
		b.remaining = b.limit
		b.resetAt = now.Add(b.window)
	}
}

// Sync adopts the service's own view of the window. Zero fields are ignored
// so partial header sets cannot wipe local state.
func (b *TokenBucket) Sync(status models.RateLimitStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if status.Limit > 0 {
		b.limit = status.Limit
	}
	if !status.ResetAt.IsZero() {
		b.resetAt = status.ResetAt
		b.remaining = status.Remaining
	}
}

// Status reports the current window for the rate-limit introspection surface.
func (b *TokenBucket) Status() models.RateLimitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return models.RateLimitStatus{
		Limit:     b.limit,
		Remaining: b.remaining,
		ResetAt:   b.resetAt,
	}
}
