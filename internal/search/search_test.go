package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/keyboxer/internal/crawler"
	collyfetcher "github.com/JakeFAU/keyboxer/internal/fetcher/colly"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests []*http.Request
	pages    map[int][]searchItem
	status   map[int]int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Clone(context.Background()))
	f.mu.Unlock()

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if code, ok := f.status[page]; ok {
		http.Error(w, "nope", code)
		return
	}
	items := f.pages[page]
	if items == nil {
		items = []searchItem{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(searchResponse{TotalCount: 237, Items: items})
}

func (f *fakeAPI) seen() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.requests...)
}

func pageItems(page, n int, name func(i int) string) []searchItem {
	out := make([]searchItem, n)
	for i := range out {
		out[i].Name = name(i)
		out[i].HTMLURL = fmt.Sprintf("https://github.com/owner/repo%d/blob/main/dir/%s", page, out[i].Name)
		out[i].Repository.FullName = fmt.Sprintf("owner/repo%d", page)
	}
	return out
}

func xmlName(i int) string { return fmt.Sprintf("keybox%d.xml", i) }

func newClient(t *testing.T, srvURL string, opts ...Option) *Client {
	t.Helper()
	c, err := New(Config{APIURL: srvURL, Token: "secret"}, collyfetcher.New(collyfetcher.Config{}), nil, opts...)
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, c *Client) ([]crawler.Candidate, error) {
	t.Helper()
	var (
		out []crawler.Candidate
		err error
	)
	for cand, e := range c.Candidates(context.Background()) {
		if e != nil {
			err = e
			break
		}
		out = append(out, cand)
	}
	return out, err
}

func TestCandidatesTraversesUntilEmptyPage(t *testing.T) {
	api := &fakeAPI{pages: map[int][]searchItem{
		1: pageItems(1, 100, xmlName),
		2: pageItems(2, 100, xmlName),
		3: pageItems(3, 37, xmlName),
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newClient(t, srv.URL)
	got, err := collect(t, c)
	require.NoError(t, err)

	assert.Len(t, got, 237)
	assert.Len(t, api.seen(), 4)
	assert.Equal(t, 4, c.PagesFetched())
	for i, r := range api.seen() {
		assert.Equal(t, "/search/code", r.URL.Path)
		assert.Equal(t, strconv.Itoa(i+1), r.URL.Query().Get("page"))
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		assert.Equal(t, DefaultQuery, r.URL.Query().Get("q"))
	}

	first := got[0]
	assert.Equal(t, "keybox0.xml", first.Name)
	assert.Equal(t, "https://raw.githubusercontent.com/owner/repo1/main/dir/keybox0.xml", first.RawURL)
	assert.Equal(t, "owner/repo1", first.Repo)
	assert.Equal(t, 1, first.Page)
	assert.Equal(t, 3, got[236].Page)
}

func TestCandidatesSendsCredentialHeaders(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	_, err := collect(t, newClient(t, srv.URL))
	require.NoError(t, err)

	require.Len(t, api.seen(), 1)
	h := api.seen()[0].Header
	assert.Equal(t, "Bearer secret", h.Get("Authorization"))
	assert.Equal(t, "application/vnd.github+json", h.Get("Accept"))
	assert.Equal(t, DefaultAPIVersion, h.Get("X-GitHub-Api-Version"))
}

func TestCandidatesFiltersByExtension(t *testing.T) {
	names := []string{"keybox.xml", "README.md", "KEYBOX.XML", "keybox.xml.bak", "notes.txt"}
	api := &fakeAPI{pages: map[int][]searchItem{
		1: pageItems(1, len(names), func(i int) string { return names[i] }),
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	got, err := collect(t, newClient(t, srv.URL))
	require.NoError(t, err)

	var kept []string
	for _, c := range got {
		kept = append(kept, c.Name)
	}
	assert.Equal(t, []string{"keybox.xml", "KEYBOX.XML"}, kept)
}

func TestCandidatesPageFailureIsFatal(t *testing.T) {
	api := &fakeAPI{
		pages:  map[int][]searchItem{1: pageItems(1, 2, xmlName)},
		status: map[int]int{2: http.StatusInternalServerError},
	}
	srv := httptest.NewServer(api)
	defer srv.Close()

	got, err := collect(t, newClient(t, srv.URL))
	require.Error(t, err)
	assert.Len(t, got, 2)

	var pageErr *PageError
	require.True(t, errors.As(err, &pageErr))
	assert.Equal(t, 2, pageErr.Page)
	assert.Equal(t, http.StatusInternalServerError, pageErr.StatusCode)

	var stageErr *crawler.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, crawler.StageSearch, stageErr.Stage)
}

func TestCandidatesRetriesWhenConfigured(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"total_count":0,"items":[]}`))
	}))
	defer srv.Close()

	policy := crawler.NewExponentialRetryPolicy(1, 1, 1)
	_, err := collect(t, newClient(t, srv.URL, WithRetryPolicy(policy)))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestCandidatesMissingItemsKeyStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":"nothing"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	got, err := collect(t, c)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, c.PagesFetched())
}

func TestCandidatesRejectsBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items": [`))
	}))
	defer srv.Close()

	_, err := collect(t, newClient(t, srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode search results")
}

func TestCandidatesStopsWhenConsumerBreaks(t *testing.T) {
	api := &fakeAPI{pages: map[int][]searchItem{
		1: pageItems(1, 100, xmlName),
		2: pageItems(2, 100, xmlName),
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c := newClient(t, srv.URL)
	n := 0
	for _, err := range c.Candidates(context.Background()) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Len(t, api.seen(), 1)
}

func TestNewValidation(t *testing.T) {
	fetcher := collyfetcher.New(collyfetcher.Config{})

	_, err := New(Config{}, fetcher, nil)
	require.Error(t, err)

	_, err = New(Config{Token: "t"}, nil, nil)
	require.Error(t, err)

	_, err = New(Config{Token: "t", RawBaseURL: "raw.example"}, fetcher, nil)
	require.Error(t, err)

	c, err := New(Config{Token: "t", PerPage: 500}, fetcher, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPerPage, c.cfg.PerPage)
}
