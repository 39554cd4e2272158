package submitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/ingestion"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/models"
	"github.com/docsrv/ingest/internal/upload/repositories/sessions"
)

// IngestClient is the downstream ingestion service, as the submitter sees it.
type IngestClient interface {
	Submit(ctx context.Context, req ingestion.SubmitRequest) (*ingestion.SubmitResult, error)
	Healthy(ctx context.Context) bool
}

// ContentSource provides the assembled document bytes for a storage handle.
type ContentSource interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Observer is notified after every file status transition the submitter
// performs. The registry implements it to keep the session status, progress
// cache and broadcast hub in sync.
type Observer interface {
	FileTransitioned(ctx context.Context, session *models.UploadSession, fileID string, from, to models.FileStatus, errMsg string)
}

// Config tunes the worker pool and its failure handling.
type Config struct {
	// Workers is the size of the submission pool.
	Workers int
	// MaxAttempts is the total number of submission attempts per job.
	// Rate-limit deferrals do not consume attempts.
	MaxAttempts int
	// BaseDelay and MaxDelay bound the exponential backoff after a
	// transient failure.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// BreakerThreshold consecutive transient failures open the breaker for
	// BreakerCoolDown.
	BreakerThreshold int
	BreakerCoolDown  time.Duration
	// RateLimit submissions are allowed per RateWindow until the service's
	// own headers correct the picture.
	RateLimit  int
	RateWindow time.Duration
	// PauseRecheck is how long a job of a paused session waits before the
	// next dequeue attempt.
	PauseRecheck time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCoolDown <= 0 {
		c.BreakerCoolDown = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.PauseRecheck <= 0 {
		c.PauseRecheck = 10 * time.Second
	}
}

// Submitter owns the ingestion queue and the worker pool that drains it.
type Submitter struct {
	cfg      Config
	repo     sessions.Repository
	content  ContentSource
	client   IngestClient
	observer Observer
	logger   logging.Logger

	queue   *queue
	bucket  *TokenBucket
	breaker *Breaker
	wg      sync.WaitGroup
	now     func() time.Time
}

func New(cfg Config, repo sessions.Repository, content ContentSource, client IngestClient, observer Observer, logger logging.Logger) *Submitter {
	cfg.setDefaults()
	return &Submitter{
		cfg:      cfg,
		repo:     repo,
		content:  content,
		client:   client,
		observer: observer,
		logger:   logger.With("module", "submitter"),
		queue:    newQueue(),
		bucket:   NewTokenBucket(cfg.RateLimit, cfg.RateWindow),
		breaker:  NewBreaker(cfg.BreakerThreshold, cfg.BreakerCoolDown),
		now:      time.Now,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled; Wait
// blocks until they are gone.
func (s *Submitter) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(worker int) {
			defer s.wg.Done()
			s.runWorker(ctx, worker)
		}(i)
	}
	s.logger.Info(ctx, "submitter started", "workers", s.cfg.Workers)
}

func (s *Submitter) Wait() {
	s.wg.Wait()
}

// Enqueue adds a job to the pending set. Jobs are picked up in order of
// (eligibility, session age, file order).
func (s *Submitter) Enqueue(job *models.IngestionJob) {
	s.queue.Push(job)
}

// Drop removes all pending jobs of a session. In-flight submissions finish
// on their own; their completion transition will lose the compare-and-swap
// against the cancelled file and be discarded.
func (s *Submitter) Drop(sessionID string) int {
	return s.queue.Remove(sessionID)
}

func (s *Submitter) QueueDepth() int {
	return s.queue.Len()
}

// RateLimit reports the current quota window.
func (s *Submitter) RateLimit() models.RateLimitStatus {
	return s.bucket.Status()
}

func (s *Submitter) runWorker(ctx context.Context, worker int) {
	log := s.logger.With("worker", worker)
	for {
		job, err := s.queue.PopWait(ctx, s.now)
		if err != nil {
			log.Debug(ctx, "worker stopping", "reason", err)
			return
		}
		s.process(ctx, log, job)
	}
}

func (s *Submitter) process(ctx context.Context, log logging.Logger, job *models.IngestionJob) {
	log = log.With("sessionID", job.SessionID, "fileID", job.FileID)

	session, err := s.repo.Get(ctx, job.SessionID)
	if err != nil {
		log.Warn(ctx, "dropping job, session unavailable", "error", err)
		return
	}
	if session.Status == models.SessionPaused {
		s.requeueAt(job, s.now().Add(s.cfg.PauseRecheck))
		return
	}
	file := session.FileByID(job.FileID)
	if file == nil || file.Status != models.FileQueued {
		log.Debug(ctx, "dropping stale job")
		return
	}

	if ok, until := s.breaker.Allow(); !ok {
		// one cheap probe; a healthy service ends the cool-down early
		if s.client.Healthy(ctx) {
			s.breaker.Reset()
		} else {
			log.Debug(ctx, "breaker open, deferring", "until", until)
			s.requeueAt(job, until)
			return
		}
	}

	if ok, retryAt := s.bucket.TryAcquire(); !ok {
		log.Debug(ctx, "local rate budget exhausted, deferring", "until", retryAt)
		s.requeueAt(job, retryAt)
		return
	}

	snapshot, err := s.repo.CompareAndSwapFileStatus(ctx, job.SessionID, job.FileID,
		models.FileQueued, models.FileProcessing, nil)
	if err != nil {
		if errors.Is(err, common.ErrStaleTransition) {
			log.Debug(ctx, "dropping job, lost claim")
		} else {
			log.Error(ctx, "cannot claim job", "error", err)
			s.requeueAt(job, s.now().Add(s.cfg.BaseDelay))
		}
		return
	}
	s.notify(ctx, snapshot, job.FileID, models.FileQueued, models.FileProcessing, "")

	result, err := s.submit(ctx, job)
	switch {
	case err == nil:
		s.succeed(ctx, log, job, result)
	case errors.Is(err, common.ErrRateLimited):
		s.deferRateLimited(ctx, log, job, err)
	case errors.Is(err, common.ErrTransientIngestion):
		s.retryOrFail(ctx, log, job, err)
	default:
		s.fail(ctx, log, job, err)
	}
}

func (s *Submitter) submit(ctx context.Context, job *models.IngestionJob) (*ingestion.SubmitResult, error) {
	body, err := s.content.Get(ctx, job.StorageHandle)
	if err != nil {
		return nil, fmt.Errorf("fetch assembled document: %v: %w", err, common.ErrTransientIngestion)
	}
	defer body.Close()

	return s.client.Submit(ctx, ingestion.SubmitRequest{
		Name:        job.Name,
		ContentType: job.ContentType,
		Size:        job.Size,
		Content:     body,
		Metadata: map[string]string{
			"tenantId":  job.TenantID,
			"sessionId": job.SessionID,
			"fileId":    job.FileID,
		},
		CorrelationID: job.CorrelationID,
	})
}

func (s *Submitter) succeed(ctx context.Context, log logging.Logger, job *models.IngestionJob, result *ingestion.SubmitResult) {
	s.breaker.RecordSuccess()
	if result.RateLimit != nil {
		s.bucket.Sync(*result.RateLimit)
	}

	snapshot, err := s.repo.CompareAndSwapFileStatus(ctx, job.SessionID, job.FileID,
		models.FileProcessing, models.FileCompleted, func(f *models.FileUploadState) {
			f.ExternalDocumentID = result.DocumentID
			f.Attempts = job.Attempt + 1
			f.LastError = ""
		})
	if err != nil {
		// cancelled mid-flight; the document made it downstream, record that
		log.Warn(ctx, "submission succeeded but completion lost", "error", err, "documentID", result.DocumentID)
		return
	}
	log.Info(ctx, "document ingested", "documentID", result.DocumentID, "attempts", job.Attempt+1)
	s.notify(ctx, snapshot, job.FileID, models.FileProcessing, models.FileCompleted, "")
}

// deferRateLimited puts the job back without consuming an attempt: being
// told to slow down is not a failure of this document.
func (s *Submitter) deferRateLimited(ctx context.Context, log logging.Logger, job *models.IngestionJob, cause error) {
	resetAt := s.now().Add(s.cfg.RateWindow)
	var rle *ingestion.RateLimitedError
	if errors.As(cause, &rle) {
		s.bucket.Sync(rle.Status)
		if !rle.Status.ResetAt.IsZero() {
			resetAt = rle.Status.ResetAt
		}
	}

	snapshot, err := s.repo.CompareAndSwapFileStatus(ctx, job.SessionID, job.FileID,
		models.FileProcessing, models.FileQueued, nil)
	if err != nil {
		log.Warn(ctx, "cannot requeue rate-limited job", "error", err)
		return
	}
	log.Info(ctx, "rate limited, deferring", "until", resetAt, "attempt", job.Attempt)
	s.notify(ctx, snapshot, job.FileID, models.FileProcessing, models.FileQueued, "")
	s.requeueAt(job, resetAt)
}

func (s *Submitter) retryOrFail(ctx context.Context, log logging.Logger, job *models.IngestionJob, cause error) {
	s.breaker.RecordTransientFailure()
	job.Attempt++

	if job.Attempt >= s.cfg.MaxAttempts {
		msg := fmt.Sprintf("%s: %s", common.ErrMaxRetriesExceeded.Error(), cause.Error())
		snapshot, err := s.repo.CompareAndSwapFileStatus(ctx, job.SessionID, job.FileID,
			models.FileProcessing, models.FileFailed, func(f *models.FileUploadState) {
				f.Attempts = job.Attempt
				f.LastError = msg
			})
		if err != nil {
			log.Warn(ctx, "cannot record exhausted retries", "error", err)
			return
		}
		log.Error(ctx, "retries exhausted", "attempts", job.Attempt, "cause", cause)
		s.notify(ctx, snapshot, job.FileID, models.FileProcessing, models.FileFailed, msg)
		return
	}

	delay := s.backoff(job.Attempt)
	snapshot, err := s.repo.CompareAndSwapFileStatus(ctx, job.SessionID, job.FileID,
		models.FileProcessing, models.FileQueued, func(f *models.FileUploadState) {
			f.Attempts = job.Attempt
			f.LastError = cause.Error()
		})
	if err != nil {
		log.Warn(ctx, "cannot requeue failed job", "error", err)
		return
	}
	log.Warn(ctx, "transient failure, backing off", "attempt", job.Attempt, "delay", delay, "cause", cause)
	s.notify(ctx, snapshot, job.FileID, models.FileProcessing, models.FileQueued, cause.Error())
	s.requeueAt(job, s.now().Add(delay))
}

func (s *Submitter) fail(ctx context.Context, log logging.Logger, job *models.IngestionJob, cause error) {
	job.Attempt++
	snapshot, err := s.repo.CompareAndSwapFileStatus(ctx, job.SessionID, job.FileID,
		models.FileProcessing, models.FileFailed, func(f *models.FileUploadState) {
			f.Attempts = job.Attempt
			f.LastError = cause.Error()
		})
	if err != nil {
		log.Warn(ctx, "cannot record fatal rejection", "error", err)
		return
	}
	log.Error(ctx, "ingestion rejected document", "cause", cause)
	s.notify(ctx, snapshot, job.FileID, models.FileProcessing, models.FileFailed, cause.Error())
}

// backoff returns baseDelay doubled per consumed attempt, capped at maxDelay,
// with up to 25% jitter to spread synchronized retries.
func (s *Submitter) backoff(attempt int) time.Duration {
	delay := s.cfg.BaseDelay
	for i := 1; i < attempt && delay < s.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func (s *Submitter) requeueAt(job *models.IngestionJob, until time.Time) {
	job.NotBefore = until
	s.queue.Push(job)
}

func (s *Submitter) notify(ctx context.Context, session *models.UploadSession, fileID string, from, to models.FileStatus, errMsg string) {
	if s.observer == nil || session == nil {
		return
	}
	s.observer.FileTransitioned(ctx, session, fileID, from, to, errMsg)
}
