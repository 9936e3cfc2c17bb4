package cmd

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyboxer/internal/app"
	"github.com/JakeFAU/keyboxer/internal/config"
)

type containsValidator string

func (v containsValidator) Valid(raw []byte) bool {
	return strings.Contains(string(raw), string(v))
}

func withValidator(t *testing.T, v containsValidator) {
	t.Helper()
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts app.Options) (*app.App, error) {
		opts.Validator = v
		return orig(ctx, cfg, logger, opts)
	}
	t.Cleanup(func() { newApp = orig })
}

func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/code", func(w http.ResponseWriter, r *http.Request) {
		items := []map[string]string{}
		if r.URL.Query().Get("page") == "1" {
			items = append(items, map[string]string{
				"name":     "keybox.xml",
				"html_url": "https://github.test/o/r/blob/main/keybox.xml",
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	})
	mux.HandleFunc("/raw/o/r/main/keybox.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<AndroidAttestation><Keybox/></AndroidAttestation>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, srvURL, token string) string {
	t.Helper()
	path := filepath.Join(dir, "keyboxer.yaml")
	body := fmt.Sprintf(`
github:
  token: %q
  api_url: %s
  web_host: github.test
  raw_base_url: %s/raw
cache:
  path: %s
store:
  dir: %s
logging:
  development: false
  level: error
`, token, srvURL, srvURL, filepath.Join(dir, "cache.txt"), filepath.Join(dir, "keys"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func clearTokenEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("KEYBOXER_GITHUB_TOKEN", "")
}

func TestRunStoresThenReconcileDeletes(t *testing.T) {
	clearTokenEnv(t)
	srv := fakeGitHub(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, srv.URL, "token")

	withValidator(t, "<Keybox")
	_, err := execRoot(t, "", "run", "--config", cfgPath)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	withValidator(t, "never matches")
	out, err := execRoot(t, "n\n", "reconcile", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "is no longer valid")
	entries, err = os.ReadDir(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "declined deletion must keep the file")

	_, err = execRoot(t, "y\n", "reconcile", "--config", cfgPath, "--assume-no")
	require.NoError(t, err)
	entries, err = os.ReadDir(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "assume-no must keep the file")

	_, err = execRoot(t, "y\n", "reconcile", "--config", cfgPath)
	require.NoError(t, err)
	entries, err = os.ReadDir(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCrawlRequiresToken(t *testing.T) {
	clearTokenEnv(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "http://127.0.0.1:1", "")

	_, err := execRoot(t, "", "crawl", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github.token")
}

func TestReconcileNeedsNoToken(t *testing.T) {
	clearTokenEnv(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "http://127.0.0.1:1", "")

	_, err := execRoot(t, "", "reconcile", "--config", cfgPath)
	require.NoError(t, err)
}

func TestBadConfigFails(t *testing.T) {
	_, err := execRoot(t, "", "crawl", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestCrawlFetchFailureIsFatal(t *testing.T) {
	clearTokenEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, srv.URL, "token")

	_, err := execRoot(t, "", "crawl", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page 1")
}
