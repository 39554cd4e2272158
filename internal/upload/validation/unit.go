// Package validation enforces the acceptance policy for uploaded files:
// size ceiling, declared-vs-sniffed content-type agreement and a pluggable
// content scan. Validation runs exactly once per file; the registry's
// compare-and-swap discipline suppresses duplicate triggers.
package validation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/models"
)

// Policy is the static part of the acceptance rules.
type Policy struct {
	// MaxFileSize is the per-file byte ceiling. Zero means unlimited.
	MaxFileSize int64
	// AllowedExtensions whitelists file extensions (lowercase, with dot).
	// Empty means any extension is accepted.
	AllowedExtensions []string
	// RequireTypeAgreement rejects files whose sniffed content type
	// contradicts the declared one.
	RequireTypeAgreement bool
}

// Scanner is a pluggable content scan (antivirus hook, corpus-specific
// sanity checks). A non-nil error fails validation with the error text as
// the reason.
type Scanner interface {
	Scan(ctx context.Context, name string, content io.Reader) error
}

// Unit applies the policy to a completed file.
type Unit struct {
	policy  Policy
	scanner Scanner
	logger  logging.Logger
}

func NewUnit(policy Policy, scanner Scanner, logger logging.Logger) *Unit {
	return &Unit{policy: policy, scanner: scanner, logger: logger.With("module", "validation")}
}

// Validate checks the file against the policy. The open callback provides
// the staged content; it is only invoked when a content check is needed.
// The returned result always carries human-readable reasons on failure.
func (u *Unit) Validate(ctx context.Context, f *models.FileUploadState, open func(context.Context) (io.ReadCloser, error)) *models.ValidationResult {
	result := &models.ValidationResult{Passed: true}

	if u.policy.MaxFileSize > 0 && f.DeclaredSize > u.policy.MaxFileSize {
		fail(result, fmt.Sprintf("file exceeds size limit of %d bytes", u.policy.MaxFileSize))
	}

	if f.ReceivedBytes != f.DeclaredSize {
		fail(result, fmt.Sprintf("received %d bytes, declared %d", f.ReceivedBytes, f.DeclaredSize))
	}

	if len(u.policy.AllowedExtensions) > 0 && !u.extensionAllowed(f.Name) {
		fail(result, fmt.Sprintf("file type %q is not allowed", filepath.Ext(f.Name)))
	}

	// Content checks only make sense when the metadata checks passed and
	// there is content to look at.
	if result.Passed && (u.policy.RequireTypeAgreement || u.scanner != nil) {
		u.checkContent(ctx, f, open, result)
	}

	if !result.Passed {
		u.logger.Info(ctx, "validation rejected file", "fileID", f.ID, "reasons", strings.Join(result.Reasons, "; "))
	}
	return result
}

func fail(r *models.ValidationResult, reason string) {
	r.Passed = false
	r.Reasons = append(r.Reasons, reason)
}

func (u *Unit) extensionAllowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range u.policy.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (u *Unit) checkContent(ctx context.Context, f *models.FileUploadState, open func(context.Context) (io.ReadCloser, error), result *models.ValidationResult) {
	content, err := open(ctx)
	if err != nil {
		fail(result, fmt.Sprintf("content unavailable: %v", err))
		return
	}
	defer content.Close()

	if u.policy.RequireTypeAgreement {
		head := make([]byte, 512)
		n, err := io.ReadFull(content, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			fail(result, fmt.Sprintf("content unreadable: %v", err))
			return
		}
		sniffed := http.DetectContentType(head[:n])
		if !typesAgree(f.ContentType, sniffed) {
			fail(result, fmt.Sprintf("declared content type %q does not match detected %q", f.ContentType, sniffed))
			return
		}
		// hand the scanner the rest of the stream including the sniffed head
		if u.scanner != nil {
			if err := u.scanner.Scan(ctx, f.Name, io.MultiReader(strings.NewReader(string(head[:n])), content)); err != nil {
				fail(result, err.Error())
			}
		}
		return
	}

	if u.scanner != nil {
		if err := u.scanner.Scan(ctx, f.Name, content); err != nil {
			fail(result, err.Error())
		}
	}
}

// typesAgree compares a declared media type against http.DetectContentType's
// sniff. The sniffer is coarse (most text formats come back text/plain, any
// binary it cannot classify comes back application/octet-stream), so this is
// a contradiction check, not an equality check.
func typesAgree(declared, sniffed string) bool {
	declared = normalizeType(declared)
	sniffed = normalizeType(sniffed)

	if declared == "" || declared == "application/octet-stream" || sniffed == "application/octet-stream" {
		return true
	}
	if declared == sniffed {
		return true
	}
	// the sniffer reports most textual formats as text/plain
	if sniffed == "text/plain" {
		return strings.HasPrefix(declared, "text/") ||
			declared == "application/json" ||
			declared == "application/xml" ||
			declared == "text/csv" ||
			declared == "application/x-ndjson"
	}
	// same major type (e.g. declared image/jpg vs sniffed image/jpeg)
	declaredMajor, _, _ := strings.Cut(declared, "/")
	sniffedMajor, _, _ := strings.Cut(sniffed, "/")
	return declaredMajor == sniffedMajor
}

func normalizeType(t string) string {
	t, _, _ = strings.Cut(t, ";")
	return strings.ToLower(strings.TrimSpace(t))
}
