// Package submitter drains the ingestion queue: a bounded worker pool pulls
// assembled documents in fair order and pushes them to the ingestion service,
// honoring its rate limits, backing off on transient failures and tripping a
// circuit breaker when the service looks down.
package submitter

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/docsrv/ingest/internal/upload/models"
)

// jobHeap orders jobs by eligibility time first, then by session age, then
// by file order within the session. A deferred job (future NotBefore) sinks
// below everything that is ready now.
type jobHeap []*models.IngestionJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].NotBefore.Before(h[j].NotBefore)
	}
	if !h[i].SessionCreatedAt.Equal(h[j].SessionCreatedAt) {
		return h[i].SessionCreatedAt.Before(h[j].SessionCreatedAt)
	}
	return h[i].FileOrder < h[j].FileOrder
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*models.IngestionJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// queue is the pending-job set shared between producers (registry, deferrals)
// and the worker pool.
type queue struct {
	mu    sync.Mutex
	items jobHeap
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) Push(job *models.IngestionJob) {
	q.mu.Lock()
	heap.Push(&q.items, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// PopWait blocks until the earliest job becomes eligible, then returns it.
// Wakes early when a new job is pushed, since it may be eligible sooner.
func (q *queue) PopWait(ctx context.Context, now func() time.Time) (*models.IngestionJob, error) {
	for {
		q.mu.Lock()
		var wait time.Duration
		ready := false
		if len(q.items) > 0 {
			wait = q.items[0].NotBefore.Sub(now())
			if wait <= 0 {
				job := heap.Pop(&q.items).(*models.IngestionJob)
				q.mu.Unlock()
				return job, nil
			}
			ready = true
		}
		q.mu.Unlock()

		if !ready {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.wake:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		}
	}
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove drops every pending job of the given session and reports how many
// were dropped. Used on cancellation.
func (q *queue) Remove(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	dropped := 0
	for _, job := range q.items {
		if job.SessionID == sessionID {
			dropped++
			continue
		}
		kept = append(kept, job)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	heap.Init(&q.items)
	return dropped
}
