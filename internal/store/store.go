// Package store implements the content-addressed document store: documents
// are named by the digest of their canonical form and hold the original
// fetched bytes.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/keyboxer/internal/crawler"
	"github.com/JakeFAU/keyboxer/internal/hash/sha256"
)

// DefaultExtension is appended to every stored document name.
const DefaultExtension = ".xml"

// Store implements crawler.ContentStore on top of a crawler.BlobStore.
type Store struct {
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	ext    string
}

// New builds a Store. An empty ext selects DefaultExtension.
func New(blobs crawler.BlobStore, hasher crawler.Hasher, ext string) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	if ext == "" {
		ext = DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Store{blobs: blobs, hasher: hasher, ext: strings.ToLower(ext)}, nil
}

// HashOf digests canonical bytes.
func (s *Store) HashOf(canonical []byte) (string, error) {
	h, err := s.hasher.Hash(canonical)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return h, nil
}

// Name is the object name for hash.
func (s *Store) Name(hash string) string {
	return hash + s.ext
}

// Exists reports whether a document with hash is stored.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	ok, err := s.blobs.Exists(ctx, s.Name(hash))
	if err != nil {
		return false, fmt.Errorf("check %s: %w", hash, err)
	}
	return ok, nil
}

// Put stores raw under hash. Empty content and existing entries are refused.
func (s *Store) Put(ctx context.Context, hash string, raw []byte) error {
	if !sha256.IsDigest(hash) {
		return fmt.Errorf("invalid content hash %q", hash)
	}
	if len(raw) == 0 {
		return fmt.Errorf("put %s: %w", hash, crawler.ErrEmptyContent)
	}
	if err := s.blobs.Put(ctx, s.Name(hash), raw); err != nil {
		return fmt.Errorf("put %s: %w", hash, err)
	}
	return nil
}

// Read returns the raw bytes stored under hash.
func (s *Store) Read(ctx context.Context, hash string) ([]byte, error) {
	data, err := s.blobs.Get(ctx, s.Name(hash))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", hash, err)
	}
	return data, nil
}

// Delete removes the document stored under hash.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if err := s.blobs.Delete(ctx, s.Name(hash)); err != nil {
		return fmt.Errorf("delete %s: %w", hash, err)
	}
	return nil
}

// List returns the hashes of all stored documents. Objects whose names are
// not <digest><ext> are ignored.
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := s.blobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	hashes := make([]string, 0, len(names))
	for _, name := range names {
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, s.ext) {
			continue
		}
		hash := lower[:len(lower)-len(s.ext)]
		if !sha256.IsDigest(hash) || s.Name(hash) != name {
			continue
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}
