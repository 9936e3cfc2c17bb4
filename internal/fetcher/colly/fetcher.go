// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/keyboxer/internal/crawler"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	Transport   http.RoundTripper
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Every request is issued, including repeats of the
// same URL, and robots.txt is not consulted.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.Transport == nil {
		cfg.Transport = newHTTPTransport()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	// One byte over the limit lets an oversized body be told apart from
	// one that fits exactly.
	c.MaxBodySize = cfg.MaxBodySize + 1
	c.WithTransport(&rawTransport{base: cfg.Transport, limit: cfg.MaxBodySize})

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET. Non-2xx responses are reported as
// *crawler.StatusError. The body is returned exactly as received on the
// wire, without charset conversion; a body over MaxBodySize fails with
// crawler.ErrBodyTooLarge.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	raw := &rawBody{}
	ctx = context.WithValue(ctx, rawBodyKey{}, raw)
	collector := f.buildCollector(ctx, request, time.Now(), raw, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	raw *rawBody,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.Context = ctx
	collector.SetRequestTimeout(f.cfg.Timeout)

	f.configureCollectorHooks(collector, request, start, raw, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	raw *rawBody,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		// colly rewrites r.Body to UTF-8 when Content-Type names another
		// charset; the transport copy is what arrived on the wire.
		body := r.Body
		if raw != nil && raw.seen {
			body = raw.buf.Bytes()
		}
		if len(body) > f.cfg.MaxBodySize {
			*fetchErr = fmt.Errorf("GET %s: %w (limit %d bytes)", request.URL, crawler.ErrBodyTooLarge, f.cfg.MaxBodySize)
			return
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = &crawler.StatusError{URL: request.URL, StatusCode: r.StatusCode}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

type rawBodyKey struct{}

// rawBody holds the undecoded bytes of the last response seen for one Fetch.
type rawBody struct {
	buf  bytes.Buffer
	seen bool
}

// rawTransport copies every response body it hands to colly into the
// rawBody carried by the request context, and refuses successful responses
// whose declared length is already over the limit.
type rawTransport struct {
	base  http.RoundTripper
	limit int
}

func (t *rawTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusMultipleChoices && resp.ContentLength > int64(t.limit) {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("content length %d: %w (limit %d bytes)", resp.ContentLength, crawler.ErrBodyTooLarge, t.limit)
	}
	raw, ok := req.Context().Value(rawBodyKey{}).(*rawBody)
	if !ok {
		return resp, nil
	}
	// Redirects pass through here once per hop; keep the final body only.
	raw.buf.Reset()
	raw.seen = true
	resp.Body = &teeReadCloser{Reader: io.TeeReader(resp.Body, &raw.buf), Closer: resp.Body}
	return resp, nil
}

type teeReadCloser struct {
	io.Reader
	io.Closer
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
}
