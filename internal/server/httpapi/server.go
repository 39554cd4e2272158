package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/broadcast"
	"github.com/docsrv/ingest/internal/upload/models"
	"github.com/docsrv/ingest/internal/upload/registry"
)

// Limits exposes the submitter's rate-limit view to the API.
type Limits interface {
	RateLimit() models.RateLimitStatus
	QueueDepth() int
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	registry     *registry.Registry
	hub          *broadcast.Hub
	limits       Limits
	secret       []byte
	corsOrigins  []string
	maxChunkSize int64
	logger       logging.Logger
}

func NewServer(reg *registry.Registry, hub *broadcast.Hub, limits Limits, secret []byte, corsOrigins []string, maxChunkSize int64, logger logging.Logger) *Server {
	return &Server{
		registry:     reg,
		hub:          hub,
		limits:       limits,
		secret:       secret,
		corsOrigins:  corsOrigins,
		maxChunkSize: maxChunkSize,
		logger:       logger,
	}
}

// Router assembles the gin engine with middleware and all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(correlationMiddleware())
	r.Use(requestLogMiddleware(s.logger))
	r.Use(cors.New(s.corsConfig()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1/upload")
	api.Use(authMiddleware(s.secret))
	{
		api.POST("", s.initializeSession)
		api.GET("", s.listSessions)
		api.GET("/ratelimit", s.rateLimit)
		api.POST("/file", s.uploadFile)
		api.POST("/chunk", s.recordChunk)
		api.POST("/chunk/complete", s.completeFile)
		api.GET("/:sessionId", s.getSession)
		api.GET("/:sessionId/progress", s.getProgress)
		api.GET("/:sessionId/events", s.streamEvents)
		api.GET("/:sessionId/files/:fileId/missing", s.missingChunks)
		api.GET("/:sessionId/files/:fileId/download", s.downloadFile)
		api.POST("/:sessionId/cancel", s.cancelSession)
		api.POST("/:sessionId/pause", s.pauseSession)
		api.POST("/:sessionId/resume", s.resumeSession)
		api.POST("/:sessionId/files/:fileId/retry", s.retryFile)
	}

	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", common.CorrelationIDHeader},
		ExposeHeaders:    []string{common.CorrelationIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(s.corsOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = s.corsOrigins
	}
	return cfg
}

// ownedSession loads a session and verifies the caller owns it. Foreign
// sessions read as not found.
func (s *Server) ownedSession(c *gin.Context, sessionID string) (*models.UploadSession, bool) {
	session, err := s.registry.Session(c.Request.Context(), sessionID)
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	if session.OwnerID != c.GetString(ctxUserID) {
		abortWithError(c, common.ErrSessionNotFound)
		return nil, false
	}
	return session, true
}
