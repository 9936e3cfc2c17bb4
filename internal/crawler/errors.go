package crawler

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

var (
	// ErrMalformedXML marks content that failed to parse as XML. Candidates
	// failing with it are skipped rather than aborting the run.
	ErrMalformedXML = errors.New("malformed xml")
	// ErrObjectExists is returned by BlobStore.Put when the name is taken.
	ErrObjectExists = errors.New("object already exists")
	// ErrObjectNotFound is returned when a named object is absent.
	ErrObjectNotFound = errors.New("object not found")
	// ErrEmptyContent is returned when asked to store zero bytes.
	ErrEmptyContent = errors.New("empty content")
	// ErrBodyTooLarge is returned by a Fetcher when a response exceeds its
	// body size limit. The body is never returned truncated.
	ErrBodyTooLarge = errors.New("response body exceeds size limit")
)

// Pipeline stages used in StageError.
const (
	StageSearch       = "search"
	StageFetch        = "fetch"
	StageCanonicalize = "canonicalize"
	StageStore        = "store"
	StageCache        = "cache"
)

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable reports whether the status is worth another attempt: GitHub
// answers rate limiting with 403 or 429.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusForbidden:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// StageError attaches pipeline context to a fatal error.
type StageError struct {
	Stage string
	URL   string
	Page  int
	Err   error
}

func (e *StageError) Error() string {
	switch {
	case e.Page > 0:
		return fmt.Sprintf("%s page %d: %v", e.Stage, e.Page, e.Err)
	case e.URL != "":
		return fmt.Sprintf("%s %s: %v", e.Stage, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrorFields extracts structured log fields from an error chain so fatal
// failures are reported with stage, URL, page and status.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		fields = append(fields, zap.String("stage", stageErr.Stage))
		if stageErr.URL != "" {
			fields = append(fields, zap.String("url", stageErr.URL))
		}
		if stageErr.Page > 0 {
			fields = append(fields, zap.Int("page", stageErr.Page))
		}
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		fields = append(fields, zap.Int("status", statusErr.StatusCode))
	}
	return fields
}
