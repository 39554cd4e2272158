// Package registry is the authority over upload sessions. Every status
// change in the system goes through it (or through the submitter, which
// reports back here), so the progress cache and the event stream never
// disagree with the repository for long.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/broadcast"
	"github.com/docsrv/ingest/internal/upload/chunkstore"
	"github.com/docsrv/ingest/internal/upload/models"
	"github.com/docsrv/ingest/internal/upload/progress"
	"github.com/docsrv/ingest/internal/upload/repositories/sessions"
	"github.com/docsrv/ingest/internal/upload/validation"
)

// JobQueue is the submitter as the registry sees it.
type JobQueue interface {
	Enqueue(job *models.IngestionJob)
	Drop(sessionID string) int
}

// Config tunes session lifecycle limits.
type Config struct {
	// MaxActiveSessionsPerUser caps concurrent non-terminal sessions.
	MaxActiveSessionsPerUser int
	// MaxFilesPerSession caps the declared file count at initialization.
	MaxFilesPerSession int
	// SessionTTL is how long an active session may live before being expired.
	SessionTTL time.Duration
	// Retention is how long terminal sessions are kept before deletion.
	Retention time.Duration
	// ReaperInterval drives the expiry and retention sweeps.
	ReaperInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxActiveSessionsPerUser <= 0 {
		c.MaxActiveSessionsPerUser = 10
	}
	if c.MaxFilesPerSession <= 0 {
		c.MaxFilesPerSession = 50
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Minute
	}
}

// Registry orchestrates the upload pipeline.
type Registry struct {
	cfg       Config
	repo      sessions.Repository
	chunks    *chunkstore.Store
	validator *validation.Unit
	queue     JobQueue
	cache     *progress.Cache
	publisher broadcast.Publisher
	logger    logging.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

func New(cfg Config, repo sessions.Repository, chunks *chunkstore.Store, validator *validation.Unit,
	queue JobQueue, cache *progress.Cache, publisher broadcast.Publisher, logger logging.Logger) *Registry {
	cfg.setDefaults()
	return &Registry{
		cfg:       cfg,
		repo:      repo,
		chunks:    chunks,
		validator: validator,
		queue:     queue,
		cache:     cache,
		publisher: publisher,
		logger:    logger.With("module", "registry"),
		now:       time.Now,
	}
}

// Start recovers queued work from the repository and launches the lifecycle
// reaper. Call once at boot.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.recoverQueued(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runReaper(ctx)
	}()
	return nil
}

// Wait blocks until all background work has drained.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// InitializeSession registers a batch of declared files and returns the new
// session. Enforces the per-user active-session quota.
func (r *Registry) InitializeSession(ctx context.Context, ownerID, tenantID, correlationID string, decls []models.FileDeclaration) (*models.UploadSession, error) {
	if len(decls) == 0 {
		return nil, fmt.Errorf("no files declared: %w", common.ErrInternal)
	}
	if len(decls) > r.cfg.MaxFilesPerSession {
		return nil, fmt.Errorf("%d files exceeds the per-session limit of %d: %w",
			len(decls), r.cfg.MaxFilesPerSession, common.ErrQuotaExceeded)
	}
	for _, d := range decls {
		if d.Name == "" || d.Size <= 0 || d.TotalChunks <= 0 {
			return nil, fmt.Errorf("invalid declaration for %q: %w", d.Name, common.ErrInternal)
		}
	}

	active, err := r.repo.List(ctx, sessions.ListFilter{OwnerID: ownerID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	if len(active) >= r.cfg.MaxActiveSessionsPerUser {
		return nil, fmt.Errorf("%d active sessions: %w", len(active), common.ErrQuotaExceeded)
	}

	now := r.now().UTC()
	session := &models.UploadSession{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		TenantID:      tenantID,
		Status:        models.SessionUploading,
		CorrelationID: correlationID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(r.cfg.SessionTTL),
		UpdatedAt:     now,
	}
	for i, d := range decls {
		// chunk numbers are 1-based on the wire: chunk n of total N
		chunks := make([]models.ChunkDescriptor, d.TotalChunks)
		for n := range chunks {
			chunks[n] = models.ChunkDescriptor{Number: n + 1}
		}
		session.Files = append(session.Files, &models.FileUploadState{
			ID:            uuid.NewString(),
			SessionID:     session.ID,
			Order:         i,
			Name:          d.Name,
			ContentType:   d.ContentType,
			DeclaredSize:  d.Size,
			Chunks:        chunks,
			Status:        models.FileUploading,
			CorrelationID: correlationID,
			UpdatedAt:     now,
		})
	}

	if err := r.repo.Create(ctx, session); err != nil {
		return nil, err
	}

	r.refreshProjection(ctx, session)
	r.logger.Info(ctx, "session initialized",
		"sessionID", session.ID, "ownerID", ownerID, "files", len(decls))
	return session, nil
}

// Session returns a snapshot of one session.
func (r *Registry) Session(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	return r.repo.Get(ctx, sessionID)
}

// Sessions lists the owner's sessions, newest-first ordering left to the API.
func (r *Registry) Sessions(ctx context.Context, ownerID string, activeOnly bool) ([]*models.UploadSession, error) {
	return r.repo.List(ctx, sessions.ListFilter{OwnerID: ownerID, ActiveOnly: activeOnly})
}

// RecordChunk stores one chunk. Re-sending an already received chunk with
// the same checksum is a no-op; when the last missing chunk lands the file
// moves to assembly and validation in the background.
func (r *Registry) RecordChunk(ctx context.Context, sessionID, fileID string, number int, checksum string, data []byte) (*models.UploadSession, error) {
	session, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.acceptingUploads(session); err != nil {
		return nil, err
	}

	file := session.FileByID(fileID)
	if file == nil {
		return nil, common.ErrFileNotFound
	}
	if file.Status != models.FileUploading {
		return nil, fmt.Errorf("file is %s: %w", file.Status, common.ErrStaleTransition)
	}

	desc := file.ChunkByNumber(number)
	if desc == nil {
		return nil, fmt.Errorf("chunk %d not declared: %w", number, common.ErrNotFound)
	}
	if desc.Received {
		if desc.Checksum == checksum && checksum != "" {
			return session, nil
		}
		if desc.Checksum == chunkstore.Checksum(data) {
			return session, nil
		}
		return nil, fmt.Errorf("chunk %d already received with different content: %w",
			number, common.ErrChunkChecksumMismatch)
	}

	storageKey, err := r.chunks.Write(ctx, fileID, models.ChunkDescriptor{
		Number:   number,
		Length:   int64(len(data)),
		Checksum: checksum,
	}, data)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	snapshot, err := r.repo.UpdateFile(ctx, sessionID, fileID, func(f *models.FileUploadState) {
		d := f.ChunkByNumber(number)
		if d == nil || d.Received {
			return
		}
		d.Length = int64(len(data))
		d.Checksum = chunkstore.Checksum(data)
		d.Received = true
		d.StorageKey = storageKey
		d.ReceivedAt = now
		f.ReceivedBytes += int64(len(data))
	})
	if err != nil {
		return nil, err
	}

	r.refreshProjection(ctx, snapshot)

	if f := snapshot.FileByID(fileID); f != nil && f.ManifestComplete() {
		r.startAssembly(ctx, sessionID, fileID)
	}
	return snapshot, nil
}

// CompleteFile is the client's explicit end-of-upload signal. With chunks
// still missing it reports them instead of proceeding; otherwise it kicks
// off assembly in case the last-chunk trigger was missed.
func (r *Registry) CompleteFile(ctx context.Context, sessionID, fileID string) ([]int, error) {
	session, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.acceptingUploads(session); err != nil {
		return nil, err
	}
	file := session.FileByID(fileID)
	if file == nil {
		return nil, common.ErrFileNotFound
	}
	if file.Status != models.FileUploading {
		// already past upload; nothing to do
		return nil, nil
	}
	if missing := file.MissingChunks(); len(missing) > 0 {
		return missing, common.ErrIncompleteManifest
	}

	r.startAssembly(ctx, sessionID, fileID)
	return nil, nil
}

// MissingChunks lists the chunks not yet received for one file.
func (r *Registry) MissingChunks(ctx context.Context, sessionID, fileID string) ([]int, error) {
	session, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	file := session.FileByID(fileID)
	if file == nil {
		return nil, common.ErrFileNotFound
	}
	return file.MissingChunks(), nil
}

// DownloadURL returns a pre-signed link to the assembled document. Available
// once assembly has produced a storage handle.
func (r *Registry) DownloadURL(ctx context.Context, sessionID, fileID string) (string, error) {
	session, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	file := session.FileByID(fileID)
	if file == nil {
		return "", common.ErrFileNotFound
	}
	if file.StorageHandle == "" {
		return "", fmt.Errorf("document not assembled yet: %w", common.ErrNotFound)
	}
	return r.chunks.PresignDownload(ctx, file.StorageHandle, 15*time.Minute)
}

// Progress serves the read-optimized projection, falling back to the
// repository when every cache tier misses.
func (r *Registry) Progress(ctx context.Context, sessionID string) (*models.ProgressRecord, error) {
	if rec, err := r.cache.Get(ctx, sessionID); err == nil {
		return rec, nil
	}

	session, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rec := models.ProjectProgress(session)
	if err := r.cache.Put(ctx, rec); err != nil {
		r.logger.Warn(ctx, "cannot cache progress", "sessionID", sessionID, "error", err)
	}
	return rec, nil
}

// Cancel terminates the session: pending jobs are dropped, every non-terminal
// file is cancelled and its staged chunks are released. In-flight submissions
// lose their compare-and-swap and resolve on their own.
func (r *Registry) Cancel(ctx context.Context, sessionID string) error {
	return r.terminate(ctx, sessionID, "")
}

func (r *Registry) terminate(ctx context.Context, sessionID, reason string) error {
	session, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session is %s: %w", session.Status, common.ErrSessionCancelled)
	}

	dropped := r.queue.Drop(sessionID)

	for _, f := range session.Files {
		if f.Status.Terminal() {
			continue
		}
		if _, err := r.applyTransition(ctx, sessionID, f.ID, f.Status, models.FileCancelled, reason, func(file *models.FileUploadState) {
			if reason != "" {
				file.LastError = reason
			}
		}); err != nil && !errors.Is(err, common.ErrStaleTransition) {
			return err
		}
		if err := r.chunks.Release(ctx, f.ID); err != nil {
			r.logger.Warn(ctx, "cannot release staging", "fileID", f.ID, "error", err)
		}
	}

	// a paused session skips derivation in afterTransition; settle it here
	final, err := r.repo.Get(ctx, sessionID)
	if err == nil && !final.Status.Terminal() {
		if derived := models.DeriveSessionStatus(final.Files); derived != final.Status {
			if snapshot, err := r.repo.SetSessionStatus(ctx, sessionID, derived); err == nil {
				r.publishSessionEvent(ctx, snapshot, reason)
				r.refreshProjection(ctx, snapshot)
			}
		}
	}

	r.logger.Info(ctx, "session terminated",
		"sessionID", sessionID, "droppedJobs", dropped, "reason", reason)
	return nil
}

// Pause holds the session's queued work without failing it. Files keep their
// status; the submitter re-checks at dequeue time.
func (r *Registry) Pause(ctx context.Context, sessionID string) error {
	session, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session is %s: %w", session.Status, common.ErrSessionCancelled)
	}
	if session.Status == models.SessionPaused {
		return nil
	}

	snapshot, err := r.repo.SetSessionStatus(ctx, sessionID, models.SessionPaused)
	if err != nil {
		return err
	}
	r.publishSessionEvent(ctx, snapshot, "")
	r.refreshProjection(ctx, snapshot)
	r.logger.Info(ctx, "session paused", "sessionID", sessionID)
	return nil
}

// Resume lifts a pause; the session status falls back to whatever the file
// states imply.
func (r *Registry) Resume(ctx context.Context, sessionID string) error {
	session, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionPaused {
		return fmt.Errorf("session is %s, not paused: %w", session.Status, common.ErrStaleTransition)
	}

	snapshot, err := r.repo.SetSessionStatus(ctx, sessionID, models.DeriveSessionStatus(session.Files))
	if err != nil {
		return err
	}
	r.publishSessionEvent(ctx, snapshot, "")
	r.refreshProjection(ctx, snapshot)
	r.logger.Info(ctx, "session resumed", "sessionID", sessionID)
	return nil
}

// RetryFailed puts a failed file back on the queue with a fresh attempt
// budget. Validation rejections are final and cannot be retried.
func (r *Registry) RetryFailed(ctx context.Context, sessionID, fileID string) error {
	session, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	file := session.FileByID(fileID)
	if file == nil {
		return common.ErrFileNotFound
	}
	if file.Status != models.FileFailed {
		return fmt.Errorf("file is %s: %w", file.Status, common.ErrStaleTransition)
	}
	if file.Validation != nil && !file.Validation.Passed {
		return fmt.Errorf("validation rejected this file: %w", common.ErrValidationFailed)
	}

	snapshot, err := r.applyTransition(ctx, sessionID, fileID, models.FileFailed, models.FileQueued, "",
		func(f *models.FileUploadState) {
			f.Attempts = 0
			f.LastError = ""
		})
	if err != nil {
		return err
	}
	r.enqueueFile(snapshot, snapshot.FileByID(fileID))
	r.logger.Info(ctx, "failed file requeued", "sessionID", sessionID, "fileID", fileID)
	return nil
}

// acceptingUploads gates chunk traffic on the session lifecycle.
func (r *Registry) acceptingUploads(session *models.UploadSession) error {
	switch {
	case session.Status == models.SessionCancelled:
		return common.ErrSessionCancelled
	case session.Status.Terminal():
		return fmt.Errorf("session is %s: %w", session.Status, common.ErrSessionCancelled)
	case session.Status == models.SessionPaused:
		return common.ErrSessionPaused
	case session.Expired(r.now()):
		return common.ErrSessionExpired
	}
	return nil
}

// startAssembly claims the file for assembly and runs the
// assemble-validate-enqueue chain in the background. The compare-and-swap
// makes duplicate triggers (last chunk plus explicit complete) harmless.
func (r *Registry) startAssembly(ctx context.Context, sessionID, fileID string) {
	snapshot, err := r.applyTransition(ctx, sessionID, fileID,
		models.FileUploading, models.FileChunkAssembling, "", nil)
	if err != nil {
		if !errors.Is(err, common.ErrStaleTransition) {
			r.logger.Error(ctx, "cannot start assembly", "fileID", fileID, "error", err)
		}
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// detached: the request that delivered the last chunk is done
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		r.assembleAndValidate(bgCtx, snapshot, fileID)
	}()
}

func (r *Registry) assembleAndValidate(ctx context.Context, session *models.UploadSession, fileID string) {
	file := session.FileByID(fileID)
	log := r.logger.With("sessionID", session.ID, "fileID", fileID)

	// offsets become known once the full manifest is in
	var offset int64
	for i := range file.Chunks {
		file.Chunks[i].Offset = offset
		offset += file.Chunks[i].Length
	}

	handle, err := r.chunks.Assemble(ctx, fileID, file.Chunks, file.DeclaredSize, file.ContentType)
	if err != nil {
		log.Error(ctx, "assembly failed", "error", err)
		r.failFile(ctx, session.ID, fileID, models.FileChunkAssembling, fmt.Sprintf("assembly failed: %v", err))
		return
	}

	chunks := file.Chunks
	snapshot, err := r.applyTransition(ctx, session.ID, fileID,
		models.FileChunkAssembling, models.FileValidating, "", func(f *models.FileUploadState) {
			f.StorageHandle = handle
			copy(f.Chunks, chunks)
		})
	if err != nil {
		log.Warn(ctx, "lost file during assembly", "error", err)
		return
	}

	file = snapshot.FileByID(fileID)
	result := r.validator.Validate(ctx, file, func(ctx context.Context) (io.ReadCloser, error) {
		return r.chunks.Open(fileID, file.Chunks)
	})

	if !result.Passed {
		r.failValidation(ctx, session.ID, fileID, result)
		r.releaseStaging(ctx, fileID)
		return
	}

	snapshot, err = r.applyTransition(ctx, session.ID, fileID,
		models.FileValidating, models.FileQueued, "", func(f *models.FileUploadState) {
			f.Validation = result
		})
	if err != nil {
		log.Warn(ctx, "lost file during validation", "error", err)
		return
	}

	r.enqueueFile(snapshot, snapshot.FileByID(fileID))
	r.releaseStaging(ctx, fileID)
	log.Info(ctx, "file queued for ingestion", "handle", handle)
}

func (r *Registry) failValidation(ctx context.Context, sessionID, fileID string, result *models.ValidationResult) {
	reason := common.ErrValidationFailed.Error()
	if len(result.Reasons) > 0 {
		reason = result.Reasons[0]
	}
	if _, err := r.applyTransition(ctx, sessionID, fileID,
		models.FileValidating, models.FileFailed, reason, func(f *models.FileUploadState) {
			f.Validation = result
			f.LastError = reason
		}); err != nil {
		r.logger.Warn(ctx, "cannot record validation failure", "fileID", fileID, "error", err)
	}
}

func (r *Registry) failFile(ctx context.Context, sessionID, fileID string, from models.FileStatus, reason string) {
	if _, err := r.applyTransition(ctx, sessionID, fileID, from, models.FileFailed, reason,
		func(f *models.FileUploadState) {
			f.LastError = reason
		}); err != nil {
		r.logger.Warn(ctx, "cannot record failure", "fileID", fileID, "error", err)
	}
}

func (r *Registry) releaseStaging(ctx context.Context, fileID string) {
	if err := r.chunks.Release(ctx, fileID); err != nil {
		r.logger.Warn(ctx, "cannot release staging", "fileID", fileID, "error", err)
	}
}

func (r *Registry) enqueueFile(session *models.UploadSession, file *models.FileUploadState) {
	if file == nil {
		return
	}
	r.queue.Enqueue(&models.IngestionJob{
		ID:               uuid.NewString(),
		SessionID:        session.ID,
		FileID:           file.ID,
		TenantID:         session.TenantID,
		StorageHandle:    file.StorageHandle,
		ContentType:      file.ContentType,
		Name:             file.Name,
		Size:             file.DeclaredSize,
		SessionCreatedAt: session.CreatedAt,
		FileOrder:        file.Order,
		Attempt:          file.Attempts,
		CorrelationID:    file.CorrelationID,
	})
}

// applyTransition is the single path for file status changes made by the
// registry itself: compare-and-swap, then session status, cache and event
// stream.
func (r *Registry) applyTransition(ctx context.Context, sessionID, fileID string, from, to models.FileStatus, errMsg string, update func(*models.FileUploadState)) (*models.UploadSession, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, common.ErrStaleTransition)
	}
	snapshot, err := r.repo.CompareAndSwapFileStatus(ctx, sessionID, fileID, from, to, update)
	if err != nil {
		return nil, err
	}
	return r.afterTransition(ctx, snapshot, fileID, from, to, errMsg), nil
}

// FileTransitioned implements the submitter's observer: transitions made by
// the worker pool flow through the same bookkeeping as the registry's own.
func (r *Registry) FileTransitioned(ctx context.Context, session *models.UploadSession, fileID string, from, to models.FileStatus, errMsg string) {
	r.afterTransition(ctx, session, fileID, from, to, errMsg)
}

func (r *Registry) afterTransition(ctx context.Context, session *models.UploadSession, fileID string, from, to models.FileStatus, errMsg string) *models.UploadSession {
	derived := models.DeriveSessionStatus(session.Files)
	if derived != session.Status && session.Status != models.SessionPaused {
		updated, err := r.repo.SetSessionStatus(ctx, session.ID, derived)
		if err != nil {
			r.logger.Warn(ctx, "cannot update session status", "sessionID", session.ID, "error", err)
		} else {
			session = updated
		}
	}

	r.refreshProjection(ctx, session)

	correlationID := session.CorrelationID
	if f := session.FileByID(fileID); f != nil && f.CorrelationID != "" {
		correlationID = f.CorrelationID
	}
	r.publisher.Publish(ctx, models.TransitionEvent{
		SessionID:     session.ID,
		FileID:        fileID,
		OldStatus:     from,
		NewStatus:     to,
		SessionStatus: session.Status,
		Error:         errMsg,
		CorrelationID: correlationID,
		Timestamp:     r.now().UTC(),
	})
	return session
}

func (r *Registry) publishSessionEvent(ctx context.Context, session *models.UploadSession, errMsg string) {
	r.publisher.Publish(ctx, models.TransitionEvent{
		SessionID:     session.ID,
		SessionStatus: session.Status,
		Error:         errMsg,
		CorrelationID: session.CorrelationID,
		Timestamp:     r.now().UTC(),
	})
}

func (r *Registry) refreshProjection(ctx context.Context, session *models.UploadSession) {
	if err := r.cache.Put(ctx, models.ProjectProgress(session)); err != nil {
		r.logger.Warn(ctx, "cannot refresh projection", "sessionID", session.ID, "error", err)
	}
}

// recoverQueued re-creates ingestion jobs for files that were queued or
// mid-submission when the previous process died.
func (r *Registry) recoverQueued(ctx context.Context) error {
	// queued first: reclaiming an in-flight file makes it queued, and it
	// must not be picked up twice
	for _, status := range []models.FileStatus{models.FileQueued, models.FileProcessing} {
		list, err := r.repo.List(ctx, sessions.ListFilter{FileStatus: status})
		if err != nil {
			return fmt.Errorf("recover %s files: %w", status, err)
		}
		for _, session := range list {
			for _, f := range session.Files {
				if f.Status != status {
					continue
				}
				if status == models.FileProcessing {
					// the worker that claimed it is gone
					snapshot, err := r.applyTransition(ctx, session.ID, f.ID,
						models.FileProcessing, models.FileQueued, "", nil)
					if err != nil {
						r.logger.Warn(ctx, "cannot reclaim in-flight file", "fileID", f.ID, "error", err)
						continue
					}
					r.enqueueFile(snapshot, snapshot.FileByID(f.ID))
				} else {
					r.enqueueFile(session, f)
				}
				r.logger.Info(ctx, "recovered pending file", "sessionID", session.ID, "fileID", f.ID)
			}
		}
	}
	return nil
}

func (r *Registry) runReaper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expireSessions(ctx)
			r.purgeRetained(ctx)
		}
	}
}

func (r *Registry) expireSessions(ctx context.Context) {
	expired, err := r.repo.List(ctx, sessions.ListFilter{ActiveOnly: true, ExpiredBefore: r.now()})
	if err != nil {
		r.logger.Error(ctx, "expiry sweep failed", "error", err)
		return
	}
	for _, s := range expired {
		if err := r.terminate(ctx, s.ID, common.ErrSessionExpired.Error()); err != nil {
			r.logger.Warn(ctx, "cannot expire session", "sessionID", s.ID, "error", err)
		}
	}
}

// purgeRetained deletes terminal sessions past the retention window.
func (r *Registry) purgeRetained(ctx context.Context) {
	all, err := r.repo.List(ctx, sessions.ListFilter{})
	if err != nil {
		r.logger.Error(ctx, "retention sweep failed", "error", err)
		return
	}
	cutoff := r.now().Add(-r.cfg.Retention)
	for _, s := range all {
		if !s.Status.Terminal() || s.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.repo.Delete(ctx, s.ID); err != nil {
			r.logger.Warn(ctx, "cannot delete retained session", "sessionID", s.ID, "error", err)
			continue
		}
		r.cache.Invalidate(ctx, s.ID)
		r.logger.Info(ctx, "retained session deleted", "sessionID", s.ID)
	}
}
