// Package sessions stores the canonical upload-session aggregate (session +
// per-file states + chunk manifests). The repository, not its callers,
// enforces the compare-and-swap discipline on file status transitions.
package sessions

import (
	"context"
	"time"

	"github.com/docsrv/ingest/internal/upload/models"
)

// ListFilter narrows List results. Zero value lists everything.
type ListFilter struct {
	OwnerID string
	// ActiveOnly excludes sessions whose status is terminal.
	ActiveOnly bool
	// ExpiredBefore, when set, selects sessions with expiry before the instant.
	ExpiredBefore time.Time
	// FileStatus, when set, selects sessions owning at least one file in
	// that status (used to recover queued work after a restart).
	FileStatus models.FileStatus
}

// Repository persists upload sessions. Implementations must make
// CompareAndSwapFileStatus atomic with respect to concurrent callers: the
// status check and the update are one operation, and a losing caller gets
// common.ErrStaleTransition.
type Repository interface {
	Create(ctx context.Context, session *models.UploadSession) error
	Get(ctx context.Context, sessionID string) (*models.UploadSession, error)
	List(ctx context.Context, filter ListFilter) ([]*models.UploadSession, error)

	// CompareAndSwapFileStatus atomically moves the file from `from` to `to`
	// and applies the optional update to the rest of the file row. Returns
	// the updated session snapshot. When the file's current status is not
	// `from`, nothing changes and common.ErrStaleTransition is returned.
	CompareAndSwapFileStatus(ctx context.Context, sessionID, fileID string, from, to models.FileStatus, update func(*models.FileUploadState)) (*models.UploadSession, error)

	// UpdateFile applies a mutation that does not change the file status
	// (chunk manifest bookkeeping, received-byte counters).
	UpdateFile(ctx context.Context, sessionID, fileID string, update func(*models.FileUploadState)) (*models.UploadSession, error)

	// SetSessionStatus records the derived session status.
	SetSessionStatus(ctx context.Context, sessionID string, to models.SessionStatus) (*models.UploadSession, error)

	Delete(ctx context.Context, sessionID string) error
}
