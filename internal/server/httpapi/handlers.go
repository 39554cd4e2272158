package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/upload/chunkstore"
	"github.com/docsrv/ingest/internal/upload/models"
)

type fileDeclarationRequest struct {
	Name        string `json:"name" binding:"required"`
	Size        int64  `json:"size" binding:"required,gt=0"`
	ContentType string `json:"contentType"`
	TotalChunks int    `json:"totalChunks" binding:"required,gt=0"`
}

type initializeRequest struct {
	Files []fileDeclarationRequest `json:"files" binding:"required,min=1,dive"`
}

type fileResponse struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	DeclaredSize       int64     `json:"declaredSize"`
	ReceivedBytes      int64     `json:"receivedBytes"`
	TotalChunks        int       `json:"totalChunks"`
	Attempts           int       `json:"attempts"`
	ExternalDocumentID string    `json:"externalDocumentId,omitempty"`
	LastError          string    `json:"lastError,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type sessionResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	CorrelationID string         `json:"correlationId"`
	Files         []fileResponse `json:"files"`
	CreatedAt     time.Time      `json:"createdAt"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func toSessionResponse(s *models.UploadSession) sessionResponse {
	out := sessionResponse{
		ID:            s.ID,
		Status:        string(s.Status),
		CorrelationID: s.CorrelationID,
		Files:         make([]fileResponse, 0, len(s.Files)),
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		UpdatedAt:     s.UpdatedAt,
	}
	for _, f := range s.Files {
		out.Files = append(out.Files, fileResponse{
			ID:                 f.ID,
			Name:               f.Name,
			Status:             string(f.Status),
			DeclaredSize:       f.DeclaredSize,
			ReceivedBytes:      f.ReceivedBytes,
			TotalChunks:        len(f.Chunks),
			Attempts:           f.Attempts,
			ExternalDocumentID: f.ExternalDocumentID,
			LastError:          f.LastError,
			UpdatedAt:          f.UpdatedAt,
		})
	}
	return out
}

func (s *Server) initializeSession(c *gin.Context) {
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decls := make([]models.FileDeclaration, 0, len(req.Files))
	for _, f := range req.Files {
		decls = append(decls, models.FileDeclaration{
			Name:        f.Name,
			Size:        f.Size,
			ContentType: f.ContentType,
			TotalChunks: f.TotalChunks,
		})
	}

	session, err := s.registry.InitializeSession(c.Request.Context(),
		c.GetString(ctxUserID), c.GetString(ctxTenantID), c.GetString(ctxCorrelationID), decls)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(session))
}

func (s *Server) listSessions(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	sessions, err := s.registry.Sessions(c.Request.Context(), c.GetString(ctxUserID), activeOnly)
	if err != nil {
		abortWithError(c, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, toSessionResponse(session))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) getSession(c *gin.Context) {
	session, ok := s.ownedSession(c, c.Param("sessionId"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session))
}

// recordChunk accepts one chunk as a multipart form: sessionId, fileId,
// chunkNumber, checksum and the bytes in the "chunk" part.
func (s *Server) recordChunk(c *gin.Context) {
	sessionID := c.PostForm("sessionId")
	fileID := c.PostForm("fileId")
	number, err := strconv.Atoi(c.PostForm("chunkNumber"))
	if err != nil || sessionID == "" || fileID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "sessionId, fileId and chunkNumber are required"})
		return
	}
	checksum := c.PostForm("checksum")

	part, err := c.FormFile("chunk")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "chunk part is required"})
		return
	}
	if s.exceedsChunkLimit(c, part.Size) {
		return
	}
	src, err := part.Open()
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if _, ok := s.ownedSession(c, sessionID); !ok {
		return
	}

	session, err := s.registry.RecordChunk(c.Request.Context(), sessionID, fileID, number, checksum, data)
	if err != nil {
		abortWithError(c, err)
		return
	}

	file := session.FileByID(fileID)
	c.JSON(http.StatusOK, gin.H{
		"fileId":        file.ID,
		"status":        file.Status,
		"receivedBytes": file.ReceivedBytes,
		"missingChunks": file.MissingChunks(),
	})
}

// uploadFile accepts a whole document in one request and runs it through the
// same pipeline as a chunked upload, as a one-chunk session.
func (s *Server) uploadFile(c *gin.Context) {
	part, err := c.FormFile("file")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "file part is required"})
		return
	}
	// a single-shot upload is one chunk, so the same ceiling applies
	if s.exceedsChunkLimit(c, part.Size) {
		return
	}
	src, err := part.Open()
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if len(data) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "file is empty"})
		return
	}

	ctx := c.Request.Context()
	session, err := s.registry.InitializeSession(ctx,
		c.GetString(ctxUserID), c.GetString(ctxTenantID), c.GetString(ctxCorrelationID),
		[]models.FileDeclaration{{
			Name:        part.Filename,
			Size:        int64(len(data)),
			ContentType: part.Header.Get("Content-Type"),
			TotalChunks: 1,
		}})
	if err != nil {
		abortWithError(c, err)
		return
	}

	session, err = s.registry.RecordChunk(ctx, session.ID, session.Files[0].ID, 1, chunkstore.Checksum(data), data)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(session))
}

func (s *Server) downloadFile(c *gin.Context) {
	if _, ok := s.ownedSession(c, c.Param("sessionId")); !ok {
		return
	}

	url, err := s.registry.DownloadURL(c.Request.Context(), c.Param("sessionId"), c.Param("fileId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fileId": c.Param("fileId"), "url": url})
}

// exceedsChunkLimit rejects oversized parts before any buffering happens.
func (s *Server) exceedsChunkLimit(c *gin.Context, size int64) bool {
	if s.maxChunkSize > 0 && size > s.maxChunkSize {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("chunk of %d bytes exceeds the limit of %d", size, s.maxChunkSize),
		})
		return true
	}
	return false
}

type completeRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	FileID    string `json:"fileId" binding:"required"`
}

func (s *Server) completeFile(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, ok := s.ownedSession(c, req.SessionID); !ok {
		return
	}

	missing, err := s.registry.CompleteFile(c.Request.Context(), req.SessionID, req.FileID)
	if err != nil {
		if errors.Is(err, common.ErrIncompleteManifest) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":         err.Error(),
				"missingChunks": missing,
			})
			return
		}
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"fileId": req.FileID, "complete": true})
}

func (s *Server) missingChunks(c *gin.Context) {
	if _, ok := s.ownedSession(c, c.Param("sessionId")); !ok {
		return
	}

	missing, err := s.registry.MissingChunks(c.Request.Context(), c.Param("sessionId"), c.Param("fileId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fileId": c.Param("fileId"), "missingChunks": missing})
}

func (s *Server) getProgress(c *gin.Context) {
	if _, ok := s.ownedSession(c, c.Param("sessionId")); !ok {
		return
	}

	record, err := s.registry.Progress(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) cancelSession(c *gin.Context) {
	s.lifecycle(c, s.registry.Cancel)
}

func (s *Server) pauseSession(c *gin.Context) {
	s.lifecycle(c, s.registry.Pause)
}

func (s *Server) resumeSession(c *gin.Context) {
	s.lifecycle(c, s.registry.Resume)
}

func (s *Server) lifecycle(c *gin.Context, op func(ctx context.Context, sessionID string) error) {
	sessionID := c.Param("sessionId")
	if _, ok := s.ownedSession(c, sessionID); !ok {
		return
	}

	if err := op(c.Request.Context(), sessionID); err != nil {
		abortWithError(c, err)
		return
	}

	session, err := s.registry.Session(c.Request.Context(), sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session))
}

func (s *Server) retryFile(c *gin.Context) {
	if _, ok := s.ownedSession(c, c.Param("sessionId")); !ok {
		return
	}

	if err := s.registry.RetryFailed(c.Request.Context(), c.Param("sessionId"), c.Param("fileId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"fileId": c.Param("fileId"), "retrying": true})
}

func (s *Server) rateLimit(c *gin.Context) {
	status := s.limits.RateLimit()
	c.JSON(http.StatusOK, gin.H{
		"limit":      status.Limit,
		"remaining":  status.Remaining,
		"resetAt":    status.ResetAt,
		"queueDepth": s.limits.QueueDepth(),
	})
}
