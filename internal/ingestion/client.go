// Package ingestion is the HTTP client for the downstream document
// ingestion service. It classifies every response into one of four
// outcomes (succeeded, rate limited, transient, fatal) so the submitter
// can decide between completing, deferring and retrying without knowing
// anything about HTTP.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/models"
)

// SubmitRequest carries one assembled document to the ingestion service.
type SubmitRequest struct {
	Name          string
	ContentType   string
	Size          int64
	Content       io.Reader
	Metadata      map[string]string
	CorrelationID string
}

// SubmitResult is the successful outcome of a submission.
type SubmitResult struct {
	// DocumentID is the handle the ingestion service assigned.
	DocumentID string
	// RateLimit reflects the quota headers of the response, nil when the
	// service did not send them.
	RateLimit *models.RateLimitStatus
}

// RateLimitedError reports an HTTP 429 deferral together with the quota
// window the service advertised. It unwraps to common.ErrRateLimited.
type RateLimitedError struct {
	Status models.RateLimitStatus
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.Status.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitedError) Unwrap() error { return common.ErrRateLimited }

// Client talks to one ingestion service endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  logging.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger logging.Logger) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("module", "ingestion_client"),
	}
}

// Submit streams the document to the ingestion service as a multipart
// request. Error classification:
//
//	network failure / 5xx  -> common.ErrTransientIngestion
//	HTTP 429               -> *RateLimitedError (common.ErrRateLimited)
//	any other 4xx          -> common.ErrFatalIngestion
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeSubmitBody(mw, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/documents", pr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.setCommonHeaders(httpReq, req.CorrelationID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %v: %w", req.Name, err, common.ErrTransientIngestion)
	}
	defer resp.Body.Close()

	limit := parseRateLimit(resp.Header)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var body struct {
			DocumentID string `json:"documentId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.DocumentID == "" {
			return nil, fmt.Errorf("submit %s: malformed response: %w", req.Name, common.ErrTransientIngestion)
		}
		return &SubmitResult{DocumentID: body.DocumentID, RateLimit: limit}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		status := models.RateLimitStatus{ResetAt: time.Now().Add(retryAfter(resp.Header))}
		if limit != nil {
			status = *limit
		}
		return nil, &RateLimitedError{Status: status}

	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("submit %s: status %d: %w", req.Name, resp.StatusCode, common.ErrTransientIngestion)

	default:
		detail := readErrorDetail(resp.Body)
		return nil, fmt.Errorf("submit %s: status %d: %s: %w", req.Name, resp.StatusCode, detail, common.ErrFatalIngestion)
	}
}

// Healthy probes the ingestion service. Used by the circuit breaker to
// decide when a cool-down may end early.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v3/health", nil)
	if err != nil {
		return false
	}
	c.setCommonHeaders(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) setCommonHeaders(req *http.Request, correlationID string) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if correlationID != "" {
		req.Header.Set(common.CorrelationIDHeader, correlationID)
	}
}

func writeSubmitBody(mw *multipart.Writer, req SubmitRequest) error {
	if len(req.Metadata) > 0 {
		meta, err := json.Marshal(req.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if err := mw.WriteField("metadata", string(meta)); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}

	part, err := mw.CreateFormFile("file", req.Name)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, req.Content); err != nil {
		return fmt.Errorf("stream content: %w", err)
	}
	return mw.Close()
}

// parseRateLimit reads the X-RateLimit-* trio; Reset is unix seconds.
func parseRateLimit(h http.Header) *models.RateLimitStatus {
	limitStr := h.Get("X-RateLimit-Limit")
	if limitStr == "" {
		return nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return nil
	}
	remaining, _ := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	status := &models.RateLimitStatus{Limit: limit, Remaining: remaining}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		status.ResetAt = time.Unix(reset, 0)
	}
	return status
}

func retryAfter(h http.Header) time.Duration {
	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 30 * time.Second
}

func readErrorDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil || len(raw) == 0 {
		return "no detail"
	}
	var wrapped struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.Error != "" {
		return wrapped.Error
	}
	return strings.TrimSpace(string(raw))
}
