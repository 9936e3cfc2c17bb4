package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/keyboxer/internal/app"
	"github.com/JakeFAU/keyboxer/internal/config"
)

const (
	goodDoc   = `<AndroidAttestation><Keybox id="1"/></AndroidAttestation>`
	dupDoc    = "<AndroidAttestation>\n  <Keybox  id='1'></Keybox>\n</AndroidAttestation>\n"
	brokenDoc = `<AndroidAttestation>`
	plainDoc  = `<AndroidAttestation/>`
)

type toggleValidator struct {
	reject atomic.Bool
}

func (v *toggleValidator) Valid(raw []byte) bool {
	return !v.reject.Load() && bytes.Contains(raw, []byte("<Keybox"))
}

type fakeGitHub struct {
	mu       sync.Mutex
	rawHits  map[string]int
	searches int
	pushes   int
}

func (f *fakeGitHub) handler() http.Handler {
	docs := map[string]string{
		"/raw/o/r/main/good.xml":   goodDoc,
		"/raw/o/r/main/dup.xml":    dupDoc,
		"/raw/o/r/main/broken.xml": brokenDoc,
		"/raw/o/r/main/plain.xml":  plainDoc,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/search/code", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.searches++
		f.mu.Unlock()
		type item struct {
			Name    string `json:"name"`
			HTMLURL string `json:"html_url"`
		}
		var items []item
		if r.URL.Query().Get("page") == "1" {
			for _, name := range []string{"good.xml", "dup.xml", "broken.xml", "plain.xml", "readme.md"} {
				items = append(items, item{Name: name, HTMLURL: "https://github.test/o/r/blob/main/" + name})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"total_count": len(items), "items": items})
	})
	mux.HandleFunc("/raw/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.rawHits[r.URL.Path]++
		f.mu.Unlock()
		doc, ok := docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(doc))
	})
	mux.HandleFunc("/metrics/", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.pushes++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newFake(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	f := &fakeGitHub{rawHits: map[string]int{}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func testConfig(dir, srvURL string) config.Config {
	return config.Config{
		GitHub: config.GitHubConfig{
			Token:      "token",
			APIURL:     srvURL,
			WebHost:    "github.test",
			RawBaseURL: srvURL + "/raw",
			Query:      "<AndroidAttestation>",
			PerPage:    100,
			APIVersion: "2022-11-28",
			Extension:  ".xml",
		},
		Cache:     config.CacheConfig{Path: filepath.Join(dir, "cache.txt")},
		Store:     config.StoreConfig{Backend: config.BackendLocal, Dir: filepath.Join(dir, "keys")},
		HTTP:      config.HTTPConfig{TimeoutSeconds: 5, RateLimitBurst: 1},
		Reconcile: config.ReconcileConfig{Enabled: true},
		Metrics:   config.MetricsConfig{Job: "keyboxer"},
	}
}

func TestAppCrawlEndToEnd(t *testing.T) {
	fake, srv := newFake(t)
	dir := t.TempDir()
	cfg := testConfig(dir, srv.URL)
	validator := &toggleValidator{}
	ctx := context.Background()

	a, err := app.New(ctx, cfg, nil, app.Options{Crawl: true, Validator: validator, In: strings.NewReader("")})
	require.NoError(t, err)
	summary, err := a.Engine().Run(ctx, true)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 2, summary.PagesFetched)
	assert.Equal(t, 4, summary.Candidates)
	assert.Equal(t, 1, summary.Added)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 1, summary.Malformed)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 1, summary.Reconcile.Checked)
	assert.True(t, summary.Changed())

	entries, err := os.ReadDir(cfg.Store.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	stored, err := os.ReadFile(filepath.Join(cfg.Store.Dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, goodDoc, string(stored))

	cached, err := os.ReadFile(cfg.Cache.Path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(cached)), "\n"), 4)

	// A second run sees only cached URLs and downloads nothing.
	a, err = app.New(ctx, cfg, nil, app.Options{Crawl: true, Validator: validator, In: strings.NewReader("")})
	require.NoError(t, err)
	summary, err = a.Engine().Crawl(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.CacheHits)
	assert.Equal(t, 0, summary.Added)
	assert.False(t, summary.Changed())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for path, hits := range fake.rawHits {
		assert.Equal(t, 1, hits, "raw document %s fetched more than once", path)
	}
	assert.Len(t, fake.rawHits, 4)
}

func TestAppReconcileOnlyDeletesOnConfirmation(t *testing.T) {
	_, srv := newFake(t)
	dir := t.TempDir()
	cfg := testConfig(dir, srv.URL)
	validator := &toggleValidator{}
	ctx := context.Background()

	a, err := app.New(ctx, cfg, nil, app.Options{Crawl: true, Validator: validator, In: strings.NewReader("")})
	require.NoError(t, err)
	_, err = a.Engine().Crawl(ctx)
	require.NoError(t, err)

	validator.reject.Store(true)
	cfg.GitHub.Token = ""

	var out bytes.Buffer
	a, err = app.New(ctx, cfg, nil, app.Options{Validator: validator, In: strings.NewReader("Y\n"), Out: &out})
	require.NoError(t, err)
	assert.Nil(t, a.Engine())

	rec, err := a.Reconciler().Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Invalid)
	assert.Equal(t, 1, rec.Deleted)
	assert.Contains(t, out.String(), "is no longer valid")

	entries, err := os.ReadDir(cfg.Store.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppCrawlRequiresToken(t *testing.T) {
	cfg := testConfig(t.TempDir(), "http://127.0.0.1:1")
	cfg.GitHub.Token = ""

	_, err := app.New(context.Background(), cfg, nil, app.Options{Crawl: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github.token")
}

func TestAppFinishPushesMetrics(t *testing.T) {
	fake, srv := newFake(t)
	cfg := testConfig(t.TempDir(), srv.URL)
	cfg.Metrics.PushgatewayURL = srv.URL

	a, err := app.New(context.Background(), cfg, nil, app.Options{})
	require.NoError(t, err)
	a.Finish(context.Background(), "run-1", time.Second, nil)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.pushes)
}

func TestAppGCSBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	defer client.Close()

	cfg := testConfig(t.TempDir(), srv.URL)
	cfg.Store = config.StoreConfig{Backend: config.BackendGCS, GCSBucket: "bucket", Prefix: "keys"}

	a, err := app.New(context.Background(), cfg, nil, app.Options{GCSClient: client})
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestAppUnknownBackend(t *testing.T) {
	cfg := testConfig(t.TempDir(), "http://127.0.0.1:1")
	cfg.Store.Backend = "tape"

	_, err := app.New(context.Background(), cfg, nil, app.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("unknown store backend: %s", "tape"))
}
