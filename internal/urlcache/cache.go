// Package urlcache persists the set of raw download URLs already considered
// by previous runs, one URL per line in a plain text file.
package urlcache

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Cache is an in-memory URL set backed by a text file. It is not safe for
// concurrent use.
type Cache struct {
	path    string
	entries map[string]struct{}
}

// Load reads path into a Cache, creating an empty file (and its directory)
// when it does not exist yet.
func Load(path string) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	c := &Cache{path: path, entries: make(map[string]struct{})}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := normalize(scanner.Text()); line != "" {
			c.entries[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cache %s: %w", path, err)
	}
	return c, nil
}

// Path returns the backing file.
func (c *Cache) Path() string {
	return c.path
}

// Contains reports whether url was seen. A trailing newline is ignored.
func (c *Cache) Contains(url string) bool {
	_, ok := c.entries[normalize(url)]
	return ok
}

// Add marks url as seen. It is idempotent.
func (c *Cache) Add(url string) {
	if key := normalize(url); key != "" {
		c.entries[key] = struct{}{}
	}
}

// Len returns the number of distinct URLs.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Flush rewrites the backing file with the full set. The new content is
// written to a sibling temp file and renamed into place.
func (c *Cache) Flush() error {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), "."+filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp cache: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace cache %s: %w", c.path, err)
	}
	return nil
}

func normalize(url string) string {
	return strings.TrimRight(url, "\r\n")
}
