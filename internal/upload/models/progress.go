package models

import "time"

// FileProgress is the read-optimized projection of one file's state.
type FileProgress struct {
	FileID        string     `json:"fileId"`
	Name          string     `json:"name"`
	Status        FileStatus `json:"status"`
	DeclaredSize  int64      `json:"declaredSize"`
	ReceivedBytes int64      `json:"receivedBytes"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
}

// ProgressRecord is the denormalized session projection held by the progress
// cache. Eventually consistent with the registry, never the system of record.
type ProgressRecord struct {
	SessionID      string         `json:"sessionId"`
	Status         SessionStatus  `json:"status"`
	Files          []FileProgress `json:"files"`
	TotalBytes     int64          `json:"totalBytes"`
	ReceivedBytes  int64          `json:"receivedBytes"`
	CompletedFiles int            `json:"completedFiles"`
	FailedFiles    int            `json:"failedFiles"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ProjectProgress builds the progress projection from a session snapshot.
func ProjectProgress(s *UploadSession) *ProgressRecord {
	rec := &ProgressRecord{
		SessionID: s.ID,
		Status:    s.Status,
		Files:     make([]FileProgress, 0, len(s.Files)),
		UpdatedAt: time.Now().UTC(),
	}
	for _, f := range s.Files {
		rec.TotalBytes += f.DeclaredSize
		rec.ReceivedBytes += f.ReceivedBytes
		switch f.Status {
		case FileCompleted:
			rec.CompletedFiles++
		case FileFailed:
			rec.FailedFiles++
		}
		rec.Files = append(rec.Files, FileProgress{
			FileID:        f.ID,
			Name:          f.Name,
			Status:        f.Status,
			DeclaredSize:  f.DeclaredSize,
			ReceivedBytes: f.ReceivedBytes,
			Attempts:      f.Attempts,
			LastError:     f.LastError,
		})
	}
	return rec
}

// TransitionEvent is published on every file status change.
type TransitionEvent struct {
	SessionID     string        `json:"sessionId"`
	FileID        string        `json:"fileId,omitempty"`
	OldStatus     FileStatus    `json:"oldStatus,omitempty"`
	NewStatus     FileStatus    `json:"newStatus,omitempty"`
	SessionStatus SessionStatus `json:"sessionStatus"`
	Error         string        `json:"error,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
