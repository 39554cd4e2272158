// Package httpapi is the public HTTP surface of the upload service: the
// chunk upload endpoints, session lifecycle controls, progress reads and the
// per-session event stream.
package httpapi

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/server/auth"
)

const (
	ctxUserID        = "userID"
	ctxTenantID      = "tenantID"
	ctxCorrelationID = "correlationID"
)

// correlationMiddleware assigns every request a correlation id, taking the
// client's when present, and reflects it in the response.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(common.CorrelationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxCorrelationID, id)
		c.Header(common.CorrelationIDHeader, id)
		c.Next()
	}
}

func requestLogMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"correlationID", c.GetString(ctxCorrelationID),
		)
	}
}

// authMiddleware verifies the bearer token and stores the identity on the
// request context.
func authMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(common.AccessTokenHeaderName)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abortWithError(c, common.ErrUnauthorized)
			return
		}

		claims, err := auth.ParseToken(token, secret)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxTenantID, claims.TenantID)
		c.Next()
	}
}
