package crawler

import (
	"context"
	"iter"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// CandidateSource yields search results lazily, page by page.
type CandidateSource interface {
	Candidates(ctx context.Context) iter.Seq2[Candidate, error]
	PagesFetched() int
}

// URLCache is the persistent "already considered" ledger of raw URLs.
type URLCache interface {
	Contains(url string) bool
	Add(url string)
	Len() int
	Flush() error
}

// Canonicalizer turns raw XML into its canonical byte form.
type Canonicalizer interface {
	Canonicalize(raw []byte) ([]byte, error)
}

// Validator decides whether raw content is an acceptable target document.
type Validator interface {
	Valid(raw []byte) bool
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// BlobStore persists named objects. Put must not overwrite an existing
// object; it returns ErrObjectExists instead.
type BlobStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// ContentStore is the content-addressed document store keyed by hash.
type ContentStore interface {
	HashOf(canonical []byte) (string, error)
	Name(hash string) string
	Exists(ctx context.Context, hash string) (bool, error)
	Put(ctx context.Context, hash string, raw []byte) error
	Read(ctx context.Context, hash string) ([]byte, error)
	Delete(ctx context.Context, hash string) error
	List(ctx context.Context) ([]string, error)
}

// Prompter solicits a yes/no decision from an operator.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// RetryPolicy decides if and when a failed request is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Limiter paces outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Recorder receives pipeline counters. A nil Recorder is allowed.
type Recorder interface {
	ObservePage()
	ObserveFetch(stage string, code int, bytes int)
	ObserveCandidate(outcome string)
	ObserveReconcile(outcome string)
}

// Clock abstracts time for run timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
