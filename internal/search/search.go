// Package search walks the GitHub code-search API and yields candidate
// documents page by page.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyboxer/internal/crawler"
)

// Defaults applied by New.
const (
	DefaultAPIURL     = "https://api.github.com"
	DefaultQuery      = "<AndroidAttestation>"
	DefaultPerPage    = 100
	DefaultAPIVersion = "2022-11-28"
	DefaultExtension  = ".xml"
	DefaultWebHost    = "github.com"
	DefaultRawBaseURL = "https://raw.githubusercontent.com"

	maxPerPage = 100
)

// Config describes the search endpoint and how results map to raw URLs.
type Config struct {
	APIURL     string
	Token      string
	Query      string
	PerPage    int
	APIVersion string
	Extension  string
	WebHost    string
	RawBaseURL string
}

// PageError reports a search page that could not be retrieved.
type PageError struct {
	Page       int
	StatusCode int
	Err        error
}

func (e *PageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to retrieve search results for page %d: status %d", e.Page, e.StatusCode)
	}
	return fmt.Sprintf("failed to retrieve search results for page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// Client implements crawler.CandidateSource.
type Client struct {
	cfg      Config
	endpoint *url.URL
	rawBase  *url.URL
	fetcher  crawler.Fetcher
	limiter  crawler.Limiter
	retry    crawler.RetryPolicy
	recorder crawler.Recorder
	logger   *zap.Logger

	pages int
}

// Option customizes a Client.
type Option func(*Client)

// WithLimiter paces page requests.
func WithLimiter(l crawler.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithRetryPolicy retries failed page requests.
func WithRetryPolicy(p crawler.RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithRecorder reports page fetches.
func WithRecorder(r crawler.Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// New validates cfg and builds a Client.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger, opts ...Option) (*Client, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("token is required")
	}
	applyDefaults(&cfg)

	endpoint, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/") + "/search/code")
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	rawBase, err := url.Parse(cfg.RawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse raw base url: %w", err)
	}
	if rawBase.Scheme == "" || rawBase.Host == "" {
		return nil, fmt.Errorf("raw base url %q must be absolute", cfg.RawBaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:      cfg,
		endpoint: endpoint,
		rawBase:  rawBase,
		fetcher:  fetcher,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func applyDefaults(cfg *Config) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.PerPage <= 0 || cfg.PerPage > maxPerPage {
		cfg.PerPage = DefaultPerPage
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.WebHost == "" {
		cfg.WebHost = DefaultWebHost
	}
	if cfg.RawBaseURL == "" {
		cfg.RawBaseURL = DefaultRawBaseURL
	}
}

// PagesFetched returns the number of pages retrieved by the last traversal,
// including the terminating empty page.
func (c *Client) PagesFetched() int {
	return c.pages
}

type searchResponse struct {
	TotalCount int          `json:"total_count"`
	Items      []searchItem `json:"items"`
}

type searchItem struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	HTMLURL    string `json:"html_url"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Candidates walks pages starting at 1 until a page carries no items. A page
// failure is yielded as the final element.
func (c *Client) Candidates(ctx context.Context) iter.Seq2[crawler.Candidate, error] {
	return func(yield func(crawler.Candidate, error) bool) {
		c.pages = 0
		for page := 1; ; page++ {
			items, err := c.fetchPage(ctx, page)
			if err != nil {
				yield(crawler.Candidate{}, err)
				return
			}
			if len(items) == 0 {
				return
			}
			for _, item := range items {
				candidate, ok := c.candidate(item, page)
				if !ok {
					continue
				}
				if !yield(candidate, nil) {
					return
				}
			}
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, page int) ([]searchItem, error) {
	pageURL := c.pageURL(page)
	c.logger.Info("Fetching results for page", zap.Int("page", page))

	resp, err := crawler.FetchWithRetry(ctx, c.fetcher, c.limiter, c.retry, crawler.FetchRequest{
		URL:     pageURL,
		Headers: c.headers(),
	}, c.logger)
	if err != nil {
		if c.recorder != nil {
			c.recorder.ObserveFetch(crawler.StageSearch, statusOf(err), 0)
		}
		pageErr := &PageError{Page: page, StatusCode: statusOf(err), Err: err}
		return nil, &crawler.StageError{Stage: crawler.StageSearch, URL: pageURL, Page: page, Err: pageErr}
	}
	if c.recorder != nil {
		c.recorder.ObserveFetch(crawler.StageSearch, resp.StatusCode, len(resp.Body))
	}
	if resp.StatusCode != http.StatusOK {
		pageErr := &PageError{
			Page:       page,
			StatusCode: resp.StatusCode,
			Err:        &crawler.StatusError{URL: pageURL, StatusCode: resp.StatusCode},
		}
		return nil, &crawler.StageError{Stage: crawler.StageSearch, URL: pageURL, Page: page, Err: pageErr}
	}

	var decoded searchResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, &crawler.StageError{
			Stage: crawler.StageSearch,
			URL:   pageURL,
			Page:  page,
			Err:   fmt.Errorf("decode search results: %w", err),
		}
	}
	c.pages++
	if c.recorder != nil {
		c.recorder.ObservePage()
	}
	c.logger.Debug("Search page received",
		zap.Int("page", page),
		zap.Int("items", len(decoded.Items)),
		zap.Int("total_count", decoded.TotalCount),
	)
	return decoded.Items, nil
}

func (c *Client) candidate(item searchItem, page int) (crawler.Candidate, bool) {
	if !crawler.HasExtension(item.Name, c.cfg.Extension) {
		return crawler.Candidate{}, false
	}
	raw, err := crawler.RawURL(item.HTMLURL, c.cfg.WebHost, c.rawBase)
	if err != nil {
		c.logger.Warn("Skipping result with unusable html_url",
			zap.String("name", item.Name),
			zap.String("html_url", item.HTMLURL),
			zap.Error(err),
		)
		return crawler.Candidate{}, false
	}
	return crawler.Candidate{
		Name:    item.Name,
		HTMLURL: item.HTMLURL,
		RawURL:  raw,
		Repo:    item.Repository.FullName,
		Page:    page,
	}, true
}

func (c *Client) pageURL(page int) string {
	u := *c.endpoint
	q := u.Query()
	q.Set("q", c.cfg.Query)
	q.Set("per_page", strconv.Itoa(c.cfg.PerPage))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.Token)
	h.Set("Accept", "application/vnd.github+json")
	h.Set("X-GitHub-Api-Version", c.cfg.APIVersion)
	return h
}

func statusOf(err error) int {
	var statusErr *crawler.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

var _ crawler.CandidateSource = (*Client)(nil)
