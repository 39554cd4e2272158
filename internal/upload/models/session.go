package models

import "time"

// UploadSession is a batch upload request spanning one or more files.
// Owned exclusively by the registry; everything else reads copies.
type UploadSession struct {
	ID            string
	OwnerID       string
	TenantID      string
	Status        SessionStatus
	Files         []*FileUploadState
	CorrelationID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UpdatedAt     time.Time
}

// FileByID returns the file state with the given id, or nil.
func (s *UploadSession) FileByID(fileID string) *FileUploadState {
	for _, f := range s.Files {
		if f.ID == fileID {
			return f
		}
	}
	return nil
}

// Expired reports whether the session passed its expiry at the given instant.
func (s *UploadSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Clone returns a deep copy safe to hand to readers.
func (s *UploadSession) Clone() *UploadSession {
	out := *s
	out.Files = make([]*FileUploadState, len(s.Files))
	for i, f := range s.Files {
		out.Files[i] = f.Clone()
	}
	return &out
}

// FileDeclaration describes one file announced at session initialization.
type FileDeclaration struct {
	Name        string
	Size        int64
	ContentType string
	TotalChunks int
}
