package urlcache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "cache.txt")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestLoadRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Load("  ")
	require.Error(t, err)
}

func TestLoadReadsExistingLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.txt")
	content := "https://raw.example/a.xml\nhttps://raw.example/b.xml\r\n\nhttps://raw.example/a.xml\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Contains("https://raw.example/a.xml"))
	assert.True(t, c.Contains("https://raw.example/b.xml\n"))
	assert.False(t, c.Contains("https://raw.example/c.xml"))
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()

	c, err := Load(filepath.Join(t.TempDir(), "cache.txt"))
	require.NoError(t, err)

	c.Add("https://raw.example/a.xml")
	c.Add("https://raw.example/a.xml\n")
	c.Add("")
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("https://raw.example/a.xml\n"))
}

func TestFlushRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.txt")
	c, err := Load(path)
	require.NoError(t, err)
	urls := []string{"https://raw.example/b.xml", "https://raw.example/a.xml", "https://raw.example/c.xml"}
	for _, u := range urls {
		c.Add(u)
	}
	require.NoError(t, c.Flush())

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "\n"), "every entry must be newline-terminated")
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	sort.Strings(lines)
	sort.Strings(urls)
	assert.Equal(t, urls, lines)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Len())
	for _, u := range urls {
		assert.True(t, reloaded.Contains(u))
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFlushAfterRepeatedRunsKeepsDistinctCount(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.txt")
	seen := []string{"https://raw.example/a.xml", "https://raw.example/b.xml"}
	for run := 0; run < 5; run++ {
		c, err := Load(path)
		require.NoError(t, err)
		for _, u := range seen {
			c.Add(u)
		}
		require.NoError(t, c.Flush())
		assert.Equal(t, len(seen), c.Len())
	}
}
