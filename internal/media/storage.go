package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore is the durable object storage the pipeline uploads into.
type BlobStore interface {
	// Put stores the object under key. An existing key returns ErrObjectExists.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	// URL returns the public URL of key.
	URL(key string) string
}

// FSStore keeps objects on the local filesystem under root. The API serves
// root at publicURL.
type FSStore struct {
	root      string
	publicURL string
}

// NewFSStore creates a filesystem blob store.
func NewFSStore(root, publicURL string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &FSStore{root: abs, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Root returns the absolute directory objects are written to.
func (s *FSStore) Root() string { return s.root }

// Put writes r to key, refusing to replace an existing object.
func (s *FSStore) Put(_ context.Context, key string, r io.Reader, _ string) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrObjectExists, key)
		}
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("write file: %w", err)
	}
	return f.Close()
}

// URL joins publicURL and the escaped key segments.
func (s *FSStore) URL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.publicURL + "/" + strings.Join(parts, "/")
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, key)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, key)
	}
	joined := filepath.Join(s.root, clean)
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, key)
	}
	return joined, nil
}
