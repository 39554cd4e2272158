package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docsrv/ingest/internal/common"
)

// statusOf maps the pipeline's sentinel errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, common.ErrUnauthorized),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrSessionNotFound),
		errors.Is(err, common.ErrFileNotFound),
		errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, common.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, common.ErrChunkChecksumMismatch),
		errors.Is(err, common.ErrChunkSizeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrSessionPaused),
		errors.Is(err, common.ErrSessionCancelled),
		errors.Is(err, common.ErrIncompleteManifest),
		errors.Is(err, common.ErrStaleTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error()}
	if status == http.StatusInternalServerError {
		// do not leak internals
		body = gin.H{"error": "internal error"}
	}
	c.AbortWithStatusJSON(status, body)
}
