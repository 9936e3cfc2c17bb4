// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/keyboxer/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket      string
	Prefix      string
	ContentType string
}

// BlobStore keeps objects under a prefix of a GCS bucket.
type BlobStore struct {
	client      *storage.Client
	bucket      string
	prefix      string
	contentType string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/xml"
	}
	return &BlobStore{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      prefix,
		contentType: contentType,
	}, nil
}

func (s *BlobStore) object(name string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + name)
}

// Exists reports whether the named object exists.
func (s *BlobStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.object(name).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat gs://%s/%s%s: %w", s.bucket, s.prefix, name, err)
	}
}

// Put uploads data with a does-not-exist precondition so an existing object
// is never replaced.
func (s *BlobStore) Put(ctx context.Context, name string, data []byte) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required")
	}
	writer := s.object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = s.contentType
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("put %s: %w", name, crawler.ErrObjectExists)
		}
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Get downloads the named object.
func (s *BlobStore) Get(ctx context.Context, name string) ([]byte, error) {
	reader, err := s.object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("get %s: %w", name, crawler.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	defer reader.Close() //nolint:errcheck // read-only handle

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Delete removes the named object.
func (s *BlobStore) Delete(ctx context.Context, name string) error {
	err := s.object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", name, crawler.ErrObjectNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// List returns object names below the prefix, without the prefix, sorted.
// Nested "directories" are not descended into.
func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix, Delimiter: "/"})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		if attrs.Name == "" {
			continue
		}
		names = append(names, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	slices.Sort(names)
	return names, nil
}
