package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Dependencies bundles the collaborators an Engine drives.
type Dependencies struct {
	Source        CandidateSource
	Fetcher       Fetcher
	Limiter       Limiter
	Retry         RetryPolicy
	Cache         URLCache
	Canonicalizer Canonicalizer
	Store         ContentStore
	Validator     Validator
	Reconciler    *Reconciler
	Recorder      Recorder
	IDs           IDGenerator
	Clock         Clock
}

// Engine is one pipeline session. It is single-threaded: the cache and store
// are only ever touched from the goroutine calling Run.
type Engine struct {
	deps   Dependencies
	logger *zap.Logger
}

// NewEngine wires an Engine.
func NewEngine(deps Dependencies, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	return &Engine{deps: deps, logger: logger}
}

// Run performs the traversal, flushes the URL cache and, when reconcile is
// set, sweeps the store. The summary is returned even on error so the caller
// can report partial progress.
func (e *Engine) Run(ctx context.Context, reconcile bool) (RunSummary, error) {
	summary, err := e.Crawl(ctx)
	if err != nil {
		return summary, err
	}
	if !reconcile || e.deps.Reconciler == nil {
		return summary, nil
	}
	rec, err := e.deps.Reconciler.Reconcile(ctx)
	summary.Reconcile = rec
	summary.FinishedAt = e.deps.Clock.Now()
	if err != nil {
		return summary, fmt.Errorf("reconcile: %w", err)
	}
	return summary, nil
}

// Crawl walks every search page, ingests new candidates and flushes the URL
// cache once traversal has completed.
func (e *Engine) Crawl(ctx context.Context) (RunSummary, error) {
	summary := RunSummary{RunID: e.newRunID(), StartedAt: e.deps.Clock.Now()}
	logger := e.logger.With(zap.String("run_id", summary.RunID))
	logger.Info("Starting the crawling process", zap.Int("cached_urls", e.deps.Cache.Len()))

	finish := func(err error) (RunSummary, error) {
		summary.PagesFetched = e.deps.Source.PagesFetched()
		summary.FinishedAt = e.deps.Clock.Now()
		return summary, err
	}

	for candidate, err := range e.deps.Source.Candidates(ctx) {
		if err != nil {
			return finish(err)
		}
		if err := e.process(ctx, candidate, &summary, logger); err != nil {
			return finish(err)
		}
	}

	if err := e.deps.Cache.Flush(); err != nil {
		return finish(&StageError{Stage: StageCache, Err: err})
	}
	logger.Info("Traversal complete",
		zap.Int("pages", e.deps.Source.PagesFetched()),
		zap.Int("candidates", summary.Candidates),
		zap.Int("cache_hits", summary.CacheHits),
		zap.Int("added", summary.Added),
		zap.Int("cached_urls", e.deps.Cache.Len()),
	)
	return finish(nil)
}

func (e *Engine) process(ctx context.Context, c Candidate, summary *RunSummary, logger *zap.Logger) error {
	summary.Candidates++
	if e.deps.Cache.Contains(c.RawURL) {
		summary.CacheHits++
		e.deps.Recorder.ObserveCandidate(OutcomeCached)
		return nil
	}
	e.deps.Cache.Add(c.RawURL)

	resp, err := FetchWithRetry(ctx, e.deps.Fetcher, e.deps.Limiter, e.deps.Retry, FetchRequest{URL: c.RawURL}, logger)
	if err != nil {
		e.deps.Recorder.ObserveFetch(StageFetch, statusOf(err), 0)
		return &StageError{Stage: StageFetch, URL: c.RawURL, Err: err}
	}
	e.deps.Recorder.ObserveFetch(StageFetch, resp.StatusCode, len(resp.Body))

	canonical, err := e.deps.Canonicalizer.Canonicalize(resp.Body)
	if err != nil {
		if errors.Is(err, ErrMalformedXML) {
			summary.Malformed++
			e.deps.Recorder.ObserveCandidate(OutcomeMalformed)
			logger.Info("Skipping invalid XML file", zap.String("url", c.RawURL), zap.Error(err))
			return nil
		}
		return &StageError{Stage: StageCanonicalize, URL: c.RawURL, Err: err}
	}

	hash, err := e.deps.Store.HashOf(canonical)
	if err != nil {
		return &StageError{Stage: StageStore, URL: c.RawURL, Err: err}
	}
	exists, err := e.deps.Store.Exists(ctx, hash)
	if err != nil {
		return &StageError{Stage: StageStore, URL: c.RawURL, Err: err}
	}
	if exists {
		summary.Duplicates++
		e.deps.Recorder.ObserveCandidate(OutcomeDuplicate)
		logger.Debug("Content already stored", zap.String("url", c.RawURL), zap.String("hash", hash))
		return nil
	}
	if len(resp.Body) == 0 || !e.deps.Validator.Valid(resp.Body) {
		summary.Rejected++
		e.deps.Recorder.ObserveCandidate(OutcomeRejected)
		logger.Debug("Candidate failed validation", zap.String("url", c.RawURL))
		return nil
	}

	if err := e.deps.Store.Put(ctx, hash, resp.Body); err != nil {
		return &StageError{Stage: StageStore, URL: c.RawURL, Err: err}
	}
	summary.Added++
	e.deps.Recorder.ObserveCandidate(OutcomeAdded)
	logger.Info("New file found",
		zap.String("url", c.RawURL),
		zap.String("file", e.deps.Store.Name(hash)),
	)
	return nil
}

func (e *Engine) newRunID() string {
	if e.deps.IDs == nil {
		return ""
	}
	id, err := e.deps.IDs.NewID()
	if err != nil {
		e.logger.Warn("Failed to generate run id", zap.Error(err))
		return ""
	}
	return id
}

func statusOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type nopRecorder struct{}

func (nopRecorder) ObservePage()                  {}
func (nopRecorder) ObserveFetch(string, int, int) {}
func (nopRecorder) ObserveCandidate(string)       {}
func (nopRecorder) ObserveReconcile(string)       {}
