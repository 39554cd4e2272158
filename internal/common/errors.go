// Package common defines shared constants and sentinel errors used across
// the upload pipeline. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Generic service-level errors.
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")

	// Session lifecycle errors.
	ErrSessionNotFound  = errors.New("session not found")
	ErrFileNotFound     = errors.New("file not found")
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionPaused    = errors.New("session paused")
	ErrSessionCancelled = errors.New("session cancelled")
	ErrQuotaExceeded    = errors.New("upload quota exceeded")

	// StaleTransition reports a compare-and-swap that found the file in an
	// unexpected status. The losing caller must treat it as a no-op.
	ErrStaleTransition = errors.New("stale transition")

	// Chunk integrity errors. The caller must re-send the offending chunk.
	ErrChunkChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrChunkSizeMismatch     = errors.New("chunk size mismatch")
	ErrIncompleteManifest    = errors.New("incomplete chunk manifest")

	// Validation policy rejection. Non-retryable, user-facing.
	ErrValidationFailed = errors.New("validation failed")

	// Ingestion outcomes. RateLimited is a deferral, not a failure.
	ErrRateLimited        = errors.New("rate limited")
	ErrTransientIngestion = errors.New("transient ingestion error")
	ErrFatalIngestion     = errors.New("fatal ingestion error")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// Auth errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
