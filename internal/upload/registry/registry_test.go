package registry

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/chunkstore"
	"github.com/docsrv/ingest/internal/upload/models"
	"github.com/docsrv/ingest/internal/upload/progress"
	"github.com/docsrv/ingest/internal/upload/repositories/sessions"
	"github.com/docsrv/ingest/internal/upload/validation"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	delete(f.objects, key)
	f.mu.Unlock()
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*models.IngestionJob
	dropped []string
}

func (q *fakeQueue) Enqueue(job *models.IngestionJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
}

func (q *fakeQueue) Drop(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropped = append(q.dropped, sessionID)
	n := 0
	kept := q.jobs[:0]
	for _, j := range q.jobs {
		if j.SessionID == sessionID {
			n++
			continue
		}
		kept = append(kept, j)
	}
	q.jobs = kept
	return n
}

func (q *fakeQueue) jobCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.TransitionEvent
}

func (p *fakePublisher) Publish(ctx context.Context, event models.TransitionEvent) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *fakePublisher) statuses(fileID string) []models.FileStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.FileStatus
	for _, e := range p.events {
		if e.FileID == fileID {
			out = append(out, e.NewStatus)
		}
	}
	return out
}

type env struct {
	registry  *Registry
	repo      sessions.Repository
	queue     *fakeQueue
	publisher *fakePublisher
	objects   *fakeObjects
}

func newEnv(t *testing.T, cfg Config, policy validation.Policy) *env {
	t.Helper()
	nop := logging.NewNopLogger()
	objects := newFakeObjects()
	store, err := chunkstore.NewStore(t.TempDir(), objects, 2, nop)
	require.NoError(t, err)

	repo := sessions.NewMemoryRepository()
	queue := &fakeQueue{}
	publisher := &fakePublisher{}
	cache := progress.New(progress.Config{}, nil, nil, nop)

	reg := New(cfg, repo, store, validation.NewUnit(policy, nil, nop), queue, cache, publisher, nop)
	return &env{registry: reg, repo: repo, queue: queue, publisher: publisher, objects: objects}
}

func initSession(t *testing.T, e *env, decls ...models.FileDeclaration) *models.UploadSession {
	t.Helper()
	if len(decls) == 0 {
		decls = []models.FileDeclaration{{Name: "a.bin", Size: 10, ContentType: "application/octet-stream", TotalChunks: 3}}
	}
	s, err := e.registry.InitializeSession(context.Background(), "u1", "t1", "corr-1", decls)
	require.NoError(t, err)
	return s
}

func sendChunk(t *testing.T, e *env, sessionID, fileID string, number int, data []byte) *models.UploadSession {
	t.Helper()
	s, err := e.registry.RecordChunk(context.Background(), sessionID, fileID, number, chunkstore.Checksum(data), data)
	require.NoError(t, err)
	return s
}

func waitForFileStatus(t *testing.T, e *env, sessionID, fileID string, want models.FileStatus) *models.UploadSession {
	t.Helper()
	var snapshot *models.UploadSession
	require.Eventually(t, func() bool {
		s, err := e.repo.Get(context.Background(), sessionID)
		if err != nil {
			return false
		}
		snapshot = s
		return s.FileByID(fileID).Status == want
	}, 2*time.Second, 10*time.Millisecond, "file never reached %s", want)
	return snapshot
}

func TestInitializeSession_Quota(t *testing.T) {
	e := newEnv(t, Config{MaxActiveSessionsPerUser: 2}, validation.Policy{})

	initSession(t, e)
	initSession(t, e)

	_, err := e.registry.InitializeSession(context.Background(), "u1", "t1", "",
		[]models.FileDeclaration{{Name: "c.bin", Size: 1, TotalChunks: 1}})
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)

	// other users are unaffected
	_, err = e.registry.InitializeSession(context.Background(), "u2", "t1", "",
		[]models.FileDeclaration{{Name: "d.bin", Size: 1, TotalChunks: 1}})
	assert.NoError(t, err)
}

func TestInitializeSession_RejectsBadDeclarations(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	ctx := context.Background()

	_, err := e.registry.InitializeSession(ctx, "u1", "t1", "", nil)
	assert.Error(t, err)

	_, err = e.registry.InitializeSession(ctx, "u1", "t1", "",
		[]models.FileDeclaration{{Name: "", Size: 1, TotalChunks: 1}})
	assert.Error(t, err)

	_, err = e.registry.InitializeSession(ctx, "u1", "t1", "",
		[]models.FileDeclaration{{Name: "x", Size: 1, TotalChunks: 0}})
	assert.Error(t, err)
}

func TestRecordChunk_FullPipelineToQueued(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)
	fileID := s.Files[0].ID

	sendChunk(t, e, s.ID, fileID, 1, []byte("abcd"))
	sendChunk(t, e, s.ID, fileID, 2, []byte("efgh"))

	snapshot, err := e.repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), snapshot.FileByID(fileID).ReceivedBytes)
	assert.Equal(t, models.FileUploading, snapshot.FileByID(fileID).Status)

	sendChunk(t, e, s.ID, fileID, 3, []byte("ij"))

	snapshot = waitForFileStatus(t, e, s.ID, fileID, models.FileQueued)
	f := snapshot.FileByID(fileID)
	assert.NotEmpty(t, f.StorageHandle)
	require.NotNil(t, f.Validation)
	assert.True(t, f.Validation.Passed)
	assert.Equal(t, models.SessionQueued, snapshot.Status)

	require.Equal(t, 1, e.queue.jobCount())
	job := e.queue.jobs[0]
	assert.Equal(t, f.StorageHandle, job.StorageHandle)
	assert.Equal(t, "t1", job.TenantID)

	// the assembled object holds the concatenated bytes
	body, err := e.objects.Get(context.Background(), f.StorageHandle)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, "abcdefghij", string(data))

	assert.Equal(t,
		[]models.FileStatus{models.FileChunkAssembling, models.FileValidating, models.FileQueued},
		e.publisher.statuses(fileID))
}

func TestRecordChunk_DuplicateIsIdempotent(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)
	fileID := s.Files[0].ID

	sendChunk(t, e, s.ID, fileID, 1, []byte("abcd"))
	sendChunk(t, e, s.ID, fileID, 1, []byte("abcd"))

	snapshot, err := e.repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snapshot.FileByID(fileID).ReceivedBytes)
}

func TestRecordChunk_RejectsConflictingResend(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)
	fileID := s.Files[0].ID

	sendChunk(t, e, s.ID, fileID, 1, []byte("abcd"))

	_, err := e.registry.RecordChunk(context.Background(), s.ID, fileID, 1,
		chunkstore.Checksum([]byte("WXYZ")), []byte("WXYZ"))
	assert.ErrorIs(t, err, common.ErrChunkChecksumMismatch)
}

func TestRecordChunk_UndeclaredChunk(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)

	_, err := e.registry.RecordChunk(context.Background(), s.ID, s.Files[0].ID, 7,
		chunkstore.Checksum([]byte("x")), []byte("x"))
	assert.ErrorIs(t, err, common.ErrNotFound)

	// numbering starts at 1, so chunk 0 is never declared
	_, err = e.registry.RecordChunk(context.Background(), s.ID, s.Files[0].ID, 0,
		chunkstore.Checksum([]byte("x")), []byte("x"))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestValidationFailure_FileFailsAndRetryIsRefused(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{MaxFileSize: 4})
	s := initSession(t, e, models.FileDeclaration{Name: "big.bin", Size: 10, TotalChunks: 1})
	fileID := s.Files[0].ID

	sendChunk(t, e, s.ID, fileID, 1, []byte("abcdefghij"))

	snapshot := waitForFileStatus(t, e, s.ID, fileID, models.FileFailed)
	f := snapshot.FileByID(fileID)
	require.NotNil(t, f.Validation)
	assert.False(t, f.Validation.Passed)
	assert.Contains(t, f.LastError, "size limit")
	assert.Equal(t, models.SessionFailed, snapshot.Status)
	assert.Equal(t, 0, e.queue.jobCount())

	err := e.registry.RetryFailed(context.Background(), s.ID, fileID)
	assert.ErrorIs(t, err, common.ErrValidationFailed)
}

func TestCompleteFile_ReportsMissingChunks(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)
	fileID := s.Files[0].ID

	sendChunk(t, e, s.ID, fileID, 1, []byte("abcd"))
	sendChunk(t, e, s.ID, fileID, 3, []byte("ij"))

	missing, err := e.registry.CompleteFile(context.Background(), s.ID, fileID)
	assert.ErrorIs(t, err, common.ErrIncompleteManifest)
	assert.Equal(t, []int{2}, missing)

	got, err := e.registry.MissingChunks(context.Background(), s.ID, fileID)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, got)
}

func TestCancel_DropsJobsAndCancelsFiles(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)
	fileID := s.Files[0].ID

	sendChunk(t, e, s.ID, fileID, 1, []byte("abcd"))
	sendChunk(t, e, s.ID, fileID, 2, []byte("efgh"))
	sendChunk(t, e, s.ID, fileID, 3, []byte("ij"))
	waitForFileStatus(t, e, s.ID, fileID, models.FileQueued)

	require.NoError(t, e.registry.Cancel(context.Background(), s.ID))

	snapshot, err := e.repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, snapshot.Status)
	assert.Equal(t, models.FileCancelled, snapshot.FileByID(fileID).Status)
	assert.Equal(t, 0, e.queue.jobCount())

	// cancelling twice is an error, the session is terminal
	assert.Error(t, e.registry.Cancel(context.Background(), s.ID))

	// no more chunks accepted
	_, err = e.registry.RecordChunk(context.Background(), s.ID, fileID, 1,
		chunkstore.Checksum([]byte("abcd")), []byte("abcd"))
	assert.ErrorIs(t, err, common.ErrSessionCancelled)
}

func TestPauseAndResume(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)
	fileID := s.Files[0].ID

	sendChunk(t, e, s.ID, fileID, 1, []byte("abcd"))
	require.NoError(t, e.registry.Pause(context.Background(), s.ID))

	_, err := e.registry.RecordChunk(context.Background(), s.ID, fileID, 2,
		chunkstore.Checksum([]byte("efgh")), []byte("efgh"))
	assert.ErrorIs(t, err, common.ErrSessionPaused)

	snapshot, err := e.repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, snapshot.Status)

	require.NoError(t, e.registry.Resume(context.Background(), s.ID))
	snapshot, err = e.repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionUploading, snapshot.Status)

	sendChunk(t, e, s.ID, fileID, 2, []byte("efgh"))
}

func TestRetryFailed_TransientFailureRequeues(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)
	fileID := s.Files[0].ID

	sendChunk(t, e, s.ID, fileID, 1, []byte("abcd"))
	sendChunk(t, e, s.ID, fileID, 2, []byte("efgh"))
	sendChunk(t, e, s.ID, fileID, 3, []byte("ij"))
	waitForFileStatus(t, e, s.ID, fileID, models.FileQueued)

	// simulate the submitter exhausting retries
	_, err := e.repo.CompareAndSwapFileStatus(context.Background(), s.ID, fileID,
		models.FileQueued, models.FileProcessing, nil)
	require.NoError(t, err)
	_, err = e.repo.CompareAndSwapFileStatus(context.Background(), s.ID, fileID,
		models.FileProcessing, models.FileFailed, func(f *models.FileUploadState) {
			f.Attempts = 3
			f.LastError = "max retries exceeded"
		})
	require.NoError(t, err)
	e.queue.Drop(s.ID)

	require.NoError(t, e.registry.RetryFailed(context.Background(), s.ID, fileID))

	snapshot, err := e.repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	f := snapshot.FileByID(fileID)
	assert.Equal(t, models.FileQueued, f.Status)
	assert.Equal(t, 0, f.Attempts, "manual retry gets a fresh budget")
	assert.Empty(t, f.LastError)
	assert.Equal(t, 1, e.queue.jobCount())
}

func TestRetryFailed_RefusedWhileNotFailed(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)

	err := e.registry.RetryFailed(context.Background(), s.ID, s.Files[0].ID)
	assert.ErrorIs(t, err, common.ErrStaleTransition)
}

func TestProgress_FallsBackToRepository(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	s := initSession(t, e)
	fileID := s.Files[0].ID

	sendChunk(t, e, s.ID, fileID, 1, []byte("abcd"))

	rec, err := e.registry.Progress(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, rec.SessionID)
	assert.Equal(t, int64(4), rec.ReceivedBytes)
	assert.Equal(t, int64(10), rec.TotalBytes)

	_, err = e.registry.Progress(context.Background(), "unknown")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}

func TestStart_RecoversQueuedAndInFlightFiles(t *testing.T) {
	e := newEnv(t, Config{}, validation.Policy{})
	now := time.Now().UTC()
	seed := &models.UploadSession{
		ID: "s-old", OwnerID: "u1", TenantID: "t1",
		Status: models.SessionProcessing, CreatedAt: now, UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Files: []*models.FileUploadState{
			{ID: "f-q", SessionID: "s-old", Order: 0, Name: "a", DeclaredSize: 4, ReceivedBytes: 4,
				Status: models.FileQueued, StorageHandle: "staging/f-q/x", UpdatedAt: now},
			{ID: "f-p", SessionID: "s-old", Order: 1, Name: "b", DeclaredSize: 4, ReceivedBytes: 4,
				Status: models.FileProcessing, StorageHandle: "staging/f-p/x", Attempts: 1, UpdatedAt: now},
		},
	}
	require.NoError(t, e.repo.Create(context.Background(), seed))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.registry.Start(ctx))
	cancel()
	e.registry.Wait()

	assert.Equal(t, 2, e.queue.jobCount())

	snapshot, err := e.repo.Get(context.Background(), "s-old")
	require.NoError(t, err)
	assert.Equal(t, models.FileQueued, snapshot.FileByID("f-p").Status, "in-flight file reclaimed")
}

func TestReaper_ExpiresAndPurges(t *testing.T) {
	e := newEnv(t, Config{Retention: time.Hour}, validation.Policy{})
	ctx := context.Background()
	now := time.Now().UTC()

	expired := &models.UploadSession{
		ID: "s-exp", OwnerID: "u1", TenantID: "t1",
		Status: models.SessionUploading, CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
		Files: []*models.FileUploadState{{
			ID: "f1", SessionID: "s-exp", Name: "a", DeclaredSize: 4,
			Status: models.FileUploading, UpdatedAt: now.Add(-time.Hour),
		}},
	}
	require.NoError(t, e.repo.Create(ctx, expired))

	e.registry.expireSessions(ctx)

	snapshot, err := e.repo.Get(ctx, "s-exp")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, snapshot.Status)
	assert.Equal(t, models.FileCancelled, snapshot.FileByID("f1").Status)
	assert.Contains(t, snapshot.FileByID("f1").LastError, "expired")

	// old terminal sessions get purged after the retention window
	old := &models.UploadSession{
		ID: "s-done", OwnerID: "u1", TenantID: "t1",
		Status: models.SessionCompleted, CreatedAt: now.Add(-72 * time.Hour),
		UpdatedAt: now.Add(-48 * time.Hour),
		Files: []*models.FileUploadState{{
			ID: "f2", SessionID: "s-done", Name: "b", DeclaredSize: 4,
			Status: models.FileCompleted, UpdatedAt: now.Add(-48 * time.Hour),
		}},
	}
	require.NoError(t, e.repo.Create(ctx, old))

	e.registry.purgeRetained(ctx)

	_, err = e.repo.Get(ctx, "s-done")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)

	// the freshly cancelled session is inside retention, it stays
	_, err = e.repo.Get(ctx, "s-exp")
	assert.NoError(t, err)
}
