package submitter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/ingestion"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/models"
	"github.com/docsrv/ingest/internal/upload/repositories/sessions"
)

type fakeContent struct{}

func (fakeContent) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("assembled bytes")), nil
}

// scriptedClient replays a fixed sequence of outcomes.
type scriptedClient struct {
	mu       sync.Mutex
	results  []*ingestion.SubmitResult
	errs     []error
	calls    int
	healthy  bool
	requests []ingestion.SubmitRequest
}

func (c *scriptedClient) Submit(ctx context.Context, req ingestion.SubmitRequest) (*ingestion.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	c.requests = append(c.requests, req)
	if i >= len(c.errs) {
		return nil, fmt.Errorf("unscripted call %d: %w", i, common.ErrFatalIngestion)
	}
	return c.results[i], c.errs[i]
}

func (c *scriptedClient) Healthy(ctx context.Context) bool { return c.healthy }

func (c *scriptedClient) script(result *ingestion.SubmitResult, err error) {
	c.results = append(c.results, result)
	c.errs = append(c.errs, err)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
}

func (o *recordingObserver) FileTransitioned(ctx context.Context, session *models.UploadSession, fileID string, from, to models.FileStatus, errMsg string) {
	o.mu.Lock()
	o.transitions = append(o.transitions, fmt.Sprintf("%s:%s->%s", fileID, from, to))
	o.mu.Unlock()
}

func seedSession(t *testing.T, repo sessions.Repository, fileStatus models.FileStatus) *models.UploadSession {
	t.Helper()
	now := time.Now().UTC()
	s := &models.UploadSession{
		ID:        "s1",
		OwnerID:   "u1",
		TenantID:  "t1",
		Status:    models.SessionQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Files: []*models.FileUploadState{{
			ID:            "f1",
			SessionID:     "s1",
			Order:         0,
			Name:          "a.pdf",
			ContentType:   "application/pdf",
			DeclaredSize:  15,
			ReceivedBytes: 15,
			Status:        fileStatus,
			StorageHandle: "staging/f1/obj",
			UpdatedAt:     now,
		}},
	}
	require.NoError(t, repo.Create(context.Background(), s))
	return s
}

func queuedJob(s *models.UploadSession) *models.IngestionJob {
	f := s.Files[0]
	return &models.IngestionJob{
		ID:               f.ID,
		SessionID:        s.ID,
		FileID:           f.ID,
		TenantID:         s.TenantID,
		StorageHandle:    f.StorageHandle,
		ContentType:      f.ContentType,
		Name:             f.Name,
		Size:             f.DeclaredSize,
		SessionCreatedAt: s.CreatedAt,
		FileOrder:        f.Order,
	}
}

func newTestSubmitter(t *testing.T, cfg Config, client IngestClient) (*Submitter, sessions.Repository, *recordingObserver) {
	t.Helper()
	repo := sessions.NewMemoryRepository()
	obs := &recordingObserver{}
	sub := New(cfg, repo, fakeContent{}, client, obs, logging.NewNopLogger())
	return sub, repo, obs
}

func fileState(t *testing.T, repo sessions.Repository) *models.FileUploadState {
	t.Helper()
	s, err := repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	return s.Files[0]
}

func TestProcess_Success(t *testing.T) {
	client := &scriptedClient{}
	client.script(&ingestion.SubmitResult{
		DocumentID: "doc-1",
		RateLimit:  &models.RateLimitStatus{Limit: 10, Remaining: 9, ResetAt: time.Now().Add(time.Minute)},
	}, nil)

	sub, repo, obs := newTestSubmitter(t, Config{}, client)
	session := seedSession(t, repo, models.FileQueued)

	sub.process(context.Background(), sub.logger, queuedJob(session))

	f := fileState(t, repo)
	assert.Equal(t, models.FileCompleted, f.Status)
	assert.Equal(t, "doc-1", f.ExternalDocumentID)
	assert.Equal(t, 1, f.Attempts)
	assert.Equal(t, []string{"f1:queued->processing", "f1:processing->completed"}, obs.transitions)

	// quota view adopted from the response headers
	assert.Equal(t, 9, sub.RateLimit().Remaining)

	assert.Contains(t, client.requests[0].Metadata, "tenantId")
	assert.Equal(t, "t1", client.requests[0].Metadata["tenantId"])
}

func TestProcess_RateLimitDeferralDoesNotConsumeAttempt(t *testing.T) {
	reset := time.Now().Add(time.Minute)
	client := &scriptedClient{}
	client.script(nil, &ingestion.RateLimitedError{Status: models.RateLimitStatus{Limit: 10, Remaining: 0, ResetAt: reset}})
	client.script(&ingestion.SubmitResult{DocumentID: "doc-1"}, nil)

	sub, repo, _ := newTestSubmitter(t, Config{MaxAttempts: 3}, client)
	session := seedSession(t, repo, models.FileQueued)
	job := queuedJob(session)

	sub.process(context.Background(), sub.logger, job)

	f := fileState(t, repo)
	assert.Equal(t, models.FileQueued, f.Status, "deferred, not failed")
	assert.Equal(t, 0, job.Attempt, "deferral must not consume an attempt")
	assert.Equal(t, 1, sub.QueueDepth())
	assert.WithinDuration(t, reset, job.NotBefore, time.Second)

	// window over: the same job now goes through
	sub.now = func() time.Time { return reset.Add(time.Second) }
	sub.bucket.now = sub.now
	sub.process(context.Background(), sub.logger, job)

	f = fileState(t, repo)
	assert.Equal(t, models.FileCompleted, f.Status)
	assert.Equal(t, 1, f.Attempts)
}

func TestProcess_TransientFailuresExhaustRetries(t *testing.T) {
	client := &scriptedClient{}
	for i := 0; i < 3; i++ {
		client.script(nil, fmt.Errorf("status 502: %w", common.ErrTransientIngestion))
	}

	sub, repo, _ := newTestSubmitter(t, Config{MaxAttempts: 3, BreakerThreshold: 10}, client)
	session := seedSession(t, repo, models.FileQueued)
	job := queuedJob(session)

	sub.process(context.Background(), sub.logger, job)
	f := fileState(t, repo)
	assert.Equal(t, models.FileQueued, f.Status)
	assert.Equal(t, 1, f.Attempts)
	assert.Contains(t, f.LastError, "status 502")

	sub.process(context.Background(), sub.logger, job)
	assert.Equal(t, 2, fileState(t, repo).Attempts)

	sub.process(context.Background(), sub.logger, job)
	f = fileState(t, repo)
	assert.Equal(t, models.FileFailed, f.Status)
	assert.Equal(t, 3, f.Attempts)
	assert.Contains(t, f.LastError, common.ErrMaxRetriesExceeded.Error())
	assert.Equal(t, 3, client.calls)
}

func TestProcess_FatalRejectionFailsImmediately(t *testing.T) {
	client := &scriptedClient{}
	client.script(nil, fmt.Errorf("status 422: unsupported format: %w", common.ErrFatalIngestion))

	sub, repo, obs := newTestSubmitter(t, Config{MaxAttempts: 3}, client)
	session := seedSession(t, repo, models.FileQueued)

	sub.process(context.Background(), sub.logger, queuedJob(session))

	f := fileState(t, repo)
	assert.Equal(t, models.FileFailed, f.Status)
	assert.Equal(t, 1, f.Attempts)
	assert.Contains(t, f.LastError, "unsupported format")
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, []string{"f1:queued->processing", "f1:processing->failed"}, obs.transitions)
}

func TestProcess_PausedSessionDefers(t *testing.T) {
	client := &scriptedClient{}
	sub, repo, _ := newTestSubmitter(t, Config{PauseRecheck: 5 * time.Second}, client)
	session := seedSession(t, repo, models.FileQueued)
	_, err := repo.SetSessionStatus(context.Background(), session.ID, models.SessionPaused)
	require.NoError(t, err)

	job := queuedJob(session)
	sub.process(context.Background(), sub.logger, job)

	assert.Equal(t, 0, client.calls, "paused session must not submit")
	assert.Equal(t, 1, sub.QueueDepth())
	assert.WithinDuration(t, time.Now().Add(5*time.Second), job.NotBefore, time.Second)
	assert.Equal(t, models.FileQueued, fileState(t, repo).Status)
}

func TestProcess_StaleJobDropped(t *testing.T) {
	client := &scriptedClient{}
	sub, repo, obs := newTestSubmitter(t, Config{}, client)
	session := seedSession(t, repo, models.FileProcessing)

	sub.process(context.Background(), sub.logger, queuedJob(session))

	assert.Equal(t, 0, client.calls)
	assert.Equal(t, 0, sub.QueueDepth())
	assert.Empty(t, obs.transitions)
}

func TestProcess_OpenBreakerDefersWithoutSubmitting(t *testing.T) {
	client := &scriptedClient{healthy: false}
	sub, repo, _ := newTestSubmitter(t, Config{BreakerThreshold: 1, BreakerCoolDown: time.Minute}, client)
	session := seedSession(t, repo, models.FileQueued)

	sub.breaker.RecordTransientFailure() // trip it

	job := queuedJob(session)
	sub.process(context.Background(), sub.logger, job)

	assert.Equal(t, 0, client.calls)
	assert.Equal(t, 1, sub.QueueDepth())
	assert.False(t, job.NotBefore.IsZero())
}

func TestProcess_HealthProbeClosesBreakerEarly(t *testing.T) {
	client := &scriptedClient{healthy: true}
	client.script(&ingestion.SubmitResult{DocumentID: "doc-1"}, nil)

	sub, repo, _ := newTestSubmitter(t, Config{BreakerThreshold: 1, BreakerCoolDown: time.Minute}, client)
	session := seedSession(t, repo, models.FileQueued)

	sub.breaker.RecordTransientFailure()

	sub.process(context.Background(), sub.logger, queuedJob(session))

	assert.Equal(t, models.FileCompleted, fileState(t, repo).Status)
}

func TestWorkers_DrainQueue(t *testing.T) {
	client := &scriptedClient{}
	client.script(&ingestion.SubmitResult{DocumentID: "doc-1"}, nil)

	sub, repo, _ := newTestSubmitter(t, Config{Workers: 2}, client)
	session := seedSession(t, repo, models.FileQueued)

	ctx, cancel := context.WithCancel(context.Background())
	sub.Start(ctx)
	sub.Enqueue(queuedJob(session))

	require.Eventually(t, func() bool {
		return fileState(t, repo).Status == models.FileCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	sub.Wait()
}
