// Package models holds the value types of the upload pipeline: sessions,
// per-file upload state, chunk descriptors, ingestion jobs and the
// denormalized progress projection. The structs carry no behavior besides
// derivations over their own data; all mutation goes through the registry.
package models

// SessionStatus is the lifecycle status of an upload session.
type SessionStatus string

const (
	SessionInitialized     SessionStatus = "initialized"
	SessionUploading       SessionStatus = "uploading"
	SessionValidating      SessionStatus = "validating"
	SessionQueued          SessionStatus = "queued"
	SessionProcessing      SessionStatus = "processing"
	SessionCompleted       SessionStatus = "completed"
	SessionPartiallyFailed SessionStatus = "partially_failed"
	SessionFailed          SessionStatus = "failed"
	SessionCancelled       SessionStatus = "cancelled"
	SessionPaused          SessionStatus = "paused"
)

// Terminal reports whether no further transitions are possible for the session.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionPartiallyFailed, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// FileStatus is the lifecycle status of a single file within a session.
type FileStatus string

const (
	FileUploading       FileStatus = "uploading"
	FileChunkAssembling FileStatus = "chunk_assembling"
	FileValidating      FileStatus = "validating"
	FileQueued          FileStatus = "queued"
	FileProcessing      FileStatus = "processing"
	FileCompleted       FileStatus = "completed"
	FileFailed          FileStatus = "failed"
	FileCancelled       FileStatus = "cancelled"
)

// Terminal reports whether the file can no longer change status.
func (s FileStatus) Terminal() bool {
	switch s {
	case FileCompleted, FileFailed, FileCancelled:
		return true
	}
	return false
}

// fileTransitions is the per-file state machine. Every status change is a
// compare-and-swap against the current status; an attempt from any other
// status is a stale transition and must be reported, never applied.
var fileTransitions = map[FileStatus][]FileStatus{
	FileUploading:       {FileValidating, FileChunkAssembling, FileFailed, FileCancelled},
	FileChunkAssembling: {FileValidating, FileFailed, FileCancelled},
	FileValidating:      {FileQueued, FileFailed, FileCancelled},
	FileQueued:          {FileProcessing, FileFailed, FileCancelled},
	// Processing may return to Queued: rate-limit deferrals and transient
	// retries put the document back on the queue without failing it.
	FileProcessing: {FileCompleted, FileQueued, FileFailed, FileCancelled},
	// Failed files may be re-queued by a manual retry when the failure
	// was transient; validation failures stay terminal (enforced by the
	// registry, which owns the retry decision).
	FileFailed: {FileQueued, FileCancelled},
}

// CanTransition reports whether moving a file from one status to another is
// allowed by the state machine.
func CanTransition(from, to FileStatus) bool {
	for _, next := range fileTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeriveSessionStatus aggregates per-file statuses into the session status.
// A session completes only when every file completed; a mix of completed and
// failed files yields PartiallyFailed; all failed yields Failed. Cancelled
// wins when every file was cancelled. While any file is still moving the
// session reflects the earliest active phase.
func DeriveSessionStatus(files []*FileUploadState) SessionStatus {
	if len(files) == 0 {
		return SessionInitialized
	}

	var completed, failed, cancelled int
	active := false
	phase := SessionCompleted

	for _, f := range files {
		switch f.Status {
		case FileCompleted:
			completed++
		case FileFailed:
			failed++
		case FileCancelled:
			cancelled++
		default:
			active = true
			if p := phaseOf(f.Status); phaseRank(p) < phaseRank(phase) {
				phase = p
			}
		}
	}

	if active {
		return phase
	}

	switch {
	case cancelled == len(files):
		return SessionCancelled
	case completed == len(files):
		return SessionCompleted
	case failed+cancelled == len(files):
		return SessionFailed
	default:
		return SessionPartiallyFailed
	}
}

func phaseOf(s FileStatus) SessionStatus {
	switch s {
	case FileUploading, FileChunkAssembling:
		return SessionUploading
	case FileValidating:
		return SessionValidating
	case FileQueued:
		return SessionQueued
	default:
		return SessionProcessing
	}
}

func phaseRank(s SessionStatus) int {
	switch s {
	case SessionUploading:
		return 0
	case SessionValidating:
		return 1
	case SessionQueued:
		return 2
	case SessionProcessing:
		return 3
	default:
		return 4
	}
}
