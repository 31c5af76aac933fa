// Package storage persists evidence and document artifacts and hands back
// URLs that can be read immediately.
package storage

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get for a path that was never written.
var ErrNotFound = eris.New("storage: object not found")

// ObjectStore writes blobs under logical paths.
type ObjectStore interface {
	// Put stores data at path, replacing any previous object, and returns its URL.
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// LocalStore is an ObjectStore on a local directory.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if dir == "" {
		return nil, eris.New("storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "storage: create %s", dir)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put writes data atomically through a temp file and rename.
func (s *LocalStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "storage: put")
	}
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", eris.Wrapf(err, "storage: create parent of %s", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return "", eris.Wrapf(err, "storage: temp file for %s", path)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return "", eris.Wrapf(err, "storage: write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrapf(err, "storage: close %s", path)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", eris.Wrapf(err, "storage: rename %s", path)
	}

	zap.L().Debug("storage: object written",
		zap.String("path", path),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)),
	)
	return s.URL(path), nil
}

// Get reads the object at path.
func (s *LocalStore) Get(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full) //nolint:gosec // path is confined to s.dir by resolve
	if os.IsNotExist(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s", path)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "storage: read %s", path)
	}
	return data, nil
}

// Load reads the object behind ref when ref is a URL minted by this store.
// Data URLs are decoded in place. ok is false for any other reference.
func (s *LocalStore) Load(ctx context.Context, ref string) ([]byte, string, bool, error) {
	if data, contentType, ok, err := ParseDataURL(ref); ok {
		return data, contentType, true, err
	}
	path, found := strings.CutPrefix(ref, s.baseURL+"/")
	if !found || s.baseURL == "" {
		return nil, "", false, nil
	}
	data, err := s.Get(ctx, path)
	if err != nil {
		return nil, "", true, err
	}
	return data, ContentTypeFor(path), true, nil
}

// URL returns the public URL of path.
func (s *LocalStore) URL(path string) string {
	return s.baseURL + "/" + strings.TrimLeft(filepath.ToSlash(path), "/")
}

// resolve maps a logical path into the store directory, rejecting escapes.
func (s *LocalStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", eris.Errorf("storage: invalid path %q", path)
	}
	if strings.Contains(path, "..") {
		return "", eris.Errorf("storage: path %q escapes the store", path)
	}
	return filepath.Join(s.dir, clean), nil
}

// ParseDataURL decodes a base64 data URL such as "data:image/png;base64,...".
// ok is false when s is not a data URL.
func ParseDataURL(s string) (data []byte, contentType string, ok bool, err error) {
	rest, found := strings.CutPrefix(s, "data:")
	if !found {
		return nil, "", false, nil
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return nil, "", true, eris.New("storage: data url has no payload")
	}
	contentType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", true, eris.New("storage: data url must be base64")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", true, eris.Wrap(err, "storage: decode data url")
	}
	return data, contentType, true, nil
}

// ExtensionFor returns a file extension for common evidence content types.
func ExtensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/svg+xml":
		return ".svg"
	case "video/webm":
		return ".webm"
	case "video/mp4":
		return ".mp4"
	case "text/html", "text/html; charset=utf-8":
		return ".html"
	}
	return ".bin"
}

// ContentTypeFor is the inverse of ExtensionFor.
func ContentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".html":
		return "text/html; charset=utf-8"
	}
	return "application/octet-stream"
}
