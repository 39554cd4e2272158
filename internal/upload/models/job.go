package models

import "time"

// IngestionOutcome classifies the result of one submission attempt against
// the external ingestion service.
type IngestionOutcome string

const (
	OutcomeSucceeded   IngestionOutcome = "succeeded"
	OutcomeRateLimited IngestionOutcome = "rate_limited"
	OutcomeTransient   IngestionOutcome = "transient_error"
	OutcomeFatal       IngestionOutcome = "fatal_error"
)

// IngestionJob is one unit of work for the submitter: an assembled, validated
// file waiting to be pushed to the ingestion service. Created when a file
// reaches Queued; destroyed on terminal success or after retries run out.
type IngestionJob struct {
	ID            string
	SessionID     string
	FileID        string
	TenantID      string
	StorageHandle string
	ContentType   string
	Name          string
	Size          int64

	// Queue ordering: FIFO-ish fairness by session creation time, then by
	// file order within the session. Manual retries keep the original
	// session key so they only jump the queue within their own session.
	SessionCreatedAt time.Time
	FileOrder        int

	// Attempt is the number of submission attempts already consumed.
	// Rate-limit deferrals do not increment it.
	Attempt int
	// NotBefore is the next-eligible time; zero means immediately.
	NotBefore     time.Time
	CorrelationID string
}

// RateLimitStatus mirrors the ingestion service's current quota window,
// refreshed from response metadata and consulted before every submission.
type RateLimitStatus struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}
