package crawler

import (
	"net/http"
	"time"
)

// Candidate is one search result that may point at a target document.
type Candidate struct {
	Name    string
	HTMLURL string
	RawURL  string
	Repo    string
	Page    int
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Candidate outcomes reported to the metrics recorder.
const (
	OutcomeCached    = "cached"
	OutcomeMalformed = "malformed"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeAdded     = "added"
)

// Reconcile outcomes reported to the metrics recorder.
const (
	OutcomeValid       = "valid"
	OutcomeDeleted     = "deleted"
	OutcomeKept        = "kept"
	OutcomeDeleteError = "delete_error"
	OutcomeReadError   = "read_error"
)

// RunSummary accumulates what a single pipeline run did.
type RunSummary struct {
	RunID        string
	PagesFetched int
	Candidates   int
	CacheHits    int
	Malformed    int
	Duplicates   int
	Rejected     int
	Added        int
	Reconcile    ReconcileSummary
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration is the wall time between start and finish, zero while running.
func (s RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Changed reports whether the run added or removed any stored document.
func (s RunSummary) Changed() bool {
	return s.Added > 0 || s.Reconcile.Deleted > 0
}

// ReconcileSummary accumulates the outcome of one reconciliation sweep.
type ReconcileSummary struct {
	Checked      int
	Invalid      int
	Deleted      int
	Kept         int
	DeleteErrors int
	ReadErrors   int
}
