// Package app builds the long-lived services of a keyboxer invocation from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyboxer/internal/canonical"
	"github.com/JakeFAU/keyboxer/internal/config"
	"github.com/JakeFAU/keyboxer/internal/crawler"
	collyfetcher "github.com/JakeFAU/keyboxer/internal/fetcher/colly"
	"github.com/JakeFAU/keyboxer/internal/hash/sha256"
	"github.com/JakeFAU/keyboxer/internal/id/uuid"
	"github.com/JakeFAU/keyboxer/internal/keybox"
	"github.com/JakeFAU/keyboxer/internal/metrics"
	"github.com/JakeFAU/keyboxer/internal/policy/ratelimit"
	"github.com/JakeFAU/keyboxer/internal/prompt"
	"github.com/JakeFAU/keyboxer/internal/search"
	gcsstore "github.com/JakeFAU/keyboxer/internal/storage/gcs"
	localstore "github.com/JakeFAU/keyboxer/internal/storage/local"
	"github.com/JakeFAU/keyboxer/internal/store"
	"github.com/JakeFAU/keyboxer/internal/urlcache"
)

// Options carries process-level collaborators that do not come from config.
type Options struct {
	// Crawl builds the search traversal and URL cache. Reconcile-only
	// invocations leave it unset and need no token.
	Crawl bool
	// In and Out back the operator prompt; nil selects stdin and stdout.
	In  io.Reader
	Out io.Writer
	// Validator replaces the default keybox validator.
	Validator crawler.Validator
	// GCSClient is used for the gcs backend instead of dialing one.
	GCSClient *storage.Client
}

// App holds the shared services for one invocation.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	recorder   *metrics.Recorder
	store      *store.Store
	reconciler *crawler.Reconciler
	engine     *crawler.Engine

	closers []func() error
}

// New wires every service the invocation needs. It fails fast on the first
// service that cannot be built.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Crawl {
		if err := cfg.ValidateCrawl(); err != nil {
			return nil, err
		}
	}
	a := &App{cfg: cfg, logger: logger}

	recorder, err := metrics.New()
	if err != nil {
		return nil, err
	}
	a.recorder = recorder

	blobs, err := a.blobStore(ctx, opts.GCSClient)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store, err = store.New(blobs, sha256.New(), cfg.GitHub.Extension)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("content store: %w", err)
	}

	validator := opts.Validator
	if validator == nil {
		validator = keybox.NewValidator(logger.Named("keybox"))
	}
	in, out := opts.In, opts.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	reconcileOpts := []crawler.ReconcilerOption{crawler.WithRecorder(recorder)}
	if cfg.Reconcile.AssumeNo {
		reconcileOpts = append(reconcileOpts, crawler.WithAssumeNo())
	}
	a.reconciler = crawler.NewReconciler(a.store, validator, prompt.New(in, out), logger.Named("reconcile"), reconcileOpts...)

	if !opts.Crawl {
		return a, nil
	}

	cache, err := urlcache.Load(cfg.Cache.Path)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("url cache: %w", err)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.Timeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{
		RPS:     cfg.HTTP.RateLimitRPS,
		Burst:   cfg.HTTP.RateLimitBurst,
		OnDelay: recorder.ObserveRateLimitDelay,
	})
	retry := crawler.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, cfg.BackoffInitial(), cfg.BackoffMax())

	source, err := search.New(search.Config{
		APIURL:     cfg.GitHub.APIURL,
		Token:      cfg.GitHub.Token,
		Query:      cfg.GitHub.Query,
		PerPage:    cfg.GitHub.PerPage,
		APIVersion: cfg.GitHub.APIVersion,
		Extension:  cfg.GitHub.Extension,
		WebHost:    cfg.GitHub.WebHost,
		RawBaseURL: cfg.GitHub.RawBaseURL,
	}, fetcher, logger.Named("search"),
		search.WithLimiter(limiter),
		search.WithRetryPolicy(retry),
		search.WithRecorder(recorder),
	)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("search client: %w", err)
	}

	a.engine = crawler.NewEngine(crawler.Dependencies{
		Source:        source,
		Fetcher:       fetcher,
		Limiter:       limiter,
		Retry:         retry,
		Cache:         cache,
		Canonicalizer: canonical.New(),
		Store:         a.store,
		Validator:     validator,
		Reconciler:    a.reconciler,
		Recorder:      recorder,
		IDs:           uuid.New(),
	}, logger.Named("crawler"))
	return a, nil
}

func (a *App) blobStore(ctx context.Context, client *storage.Client) (crawler.BlobStore, error) {
	switch a.cfg.Store.Backend {
	case config.BackendGCS:
		if client == nil {
			var err error
			client, err = storage.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("create gcs client: %w", err)
			}
			a.closers = append(a.closers, client.Close)
		}
		a.logger.Info("Using GCS store", zap.String("bucket", a.cfg.Store.GCSBucket), zap.String("prefix", a.cfg.Store.Prefix))
		blobs, err := gcsstore.New(client, gcsstore.Config{
			Bucket:      a.cfg.Store.GCSBucket,
			Prefix:      a.cfg.Store.Prefix,
			ContentType: a.cfg.Store.ContentType,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs store: %w", err)
		}
		return blobs, nil
	case config.BackendLocal:
		a.logger.Info("Using local store", zap.String("dir", a.cfg.Store.Dir))
		blobs, err := localstore.New(localstore.Config{BaseDir: a.cfg.Store.Dir})
		if err != nil {
			return nil, fmt.Errorf("local store: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", a.cfg.Store.Backend)
	}
}

// Engine returns the pipeline session, or nil when built without Crawl.
func (a *App) Engine() *crawler.Engine {
	return a.engine
}

// Reconciler returns the store sweeper.
func (a *App) Reconciler() *crawler.Reconciler {
	return a.reconciler
}

// Recorder returns the metrics recorder shared by every service.
func (a *App) Recorder() *metrics.Recorder {
	return a.recorder
}

// Finish records the run outcome and pushes metrics when a gateway is
// configured. A failed push is logged, not returned.
func (a *App) Finish(ctx context.Context, runID string, took time.Duration, runErr error) {
	a.recorder.ObserveRun(took, runErr)
	if a.cfg.Metrics.PushgatewayURL == "" {
		return
	}
	if err := a.recorder.Push(ctx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job, runID); err != nil {
		a.logger.Warn("Failed to push metrics", zap.Error(err))
	}
}

// Close releases clients opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
