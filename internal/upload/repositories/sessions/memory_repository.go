package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/upload/models"
)

// MemoryRepository is a mutex-guarded in-process implementation. Used by
// tests and by single-instance deployments that do not need durability.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*models.UploadSession
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*models.UploadSession)}
}

func (r *MemoryRepository) Create(ctx context.Context, session *models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return common.ErrInternal
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, common.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) List(ctx context.Context, filter ListFilter) ([]*models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.UploadSession
	for _, s := range r.sessions {
		if filter.OwnerID != "" && s.OwnerID != filter.OwnerID {
			continue
		}
		if filter.ActiveOnly && s.Status.Terminal() {
			continue
		}
		if !filter.ExpiredBefore.IsZero() && !s.Expired(filter.ExpiredBefore) {
			continue
		}
		if filter.FileStatus != "" && !anyFileIn(s, filter.FileStatus) {
			continue
		}
		result = append(result, s.Clone())
	}
	return result, nil
}

func anyFileIn(s *models.UploadSession, status models.FileStatus) bool {
	for _, f := range s.Files {
		if f.Status == status {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) CompareAndSwapFileStatus(ctx context.Context, sessionID, fileID string, from, to models.FileStatus, update func(*models.FileUploadState)) (*models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, common.ErrSessionNotFound
	}
	f := s.FileByID(fileID)
	if f == nil {
		return nil, common.ErrFileNotFound
	}
	if f.Status != from {
		return nil, common.ErrStaleTransition
	}

	f.Status = to
	f.UpdatedAt = time.Now().UTC()
	if update != nil {
		update(f)
	}
	s.UpdatedAt = f.UpdatedAt
	return s.Clone(), nil
}

func (r *MemoryRepository) UpdateFile(ctx context.Context, sessionID, fileID string, update func(*models.FileUploadState)) (*models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, common.ErrSessionNotFound
	}
	f := s.FileByID(fileID)
	if f == nil {
		return nil, common.ErrFileNotFound
	}

	if update != nil {
		update(f)
	}
	f.UpdatedAt = time.Now().UTC()
	s.UpdatedAt = f.UpdatedAt
	return s.Clone(), nil
}

func (r *MemoryRepository) SetSessionStatus(ctx context.Context, sessionID string, to models.SessionStatus) (*models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, common.ErrSessionNotFound
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return s.Clone(), nil
}

func (r *MemoryRepository) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return common.ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	return nil
}
