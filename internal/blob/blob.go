// Package blob stores the binary content of photos and files under
// slash-separated keys relative to a storage root:
//
//	Photos/<ci>/photo1_20250314092653.jpg
//	Files/<ci>/20250314092653_contract.pdf
//
// Backends: Local (a directory tree through afero) and Minio (an S3 bucket).
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when a key has no stored content.
var ErrNotFound = errors.New("blob not found")

// Backend is a durable key/value store for binary content.
type Backend interface {
	// Put stores r under key, replacing any previous content, and returns the
	// number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open returns the content and size of key, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Stat returns the size of key, or ErrNotFound.
	Stat(ctx context.Context, key string) (int64, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// RemoveAll deletes every key under prefix.
	RemoveAll(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
	Kind() string
}

const (
	photosDir = "Photos"
	filesDir  = "Files"
)

// PhotosPrefix is the key prefix of a client's photos.
func PhotosPrefix(ci string) string { return path.Join(photosDir, ci) }

// FilesPrefix is the key prefix of a client's files.
func FilesPrefix(ci string) string { return path.Join(filesDir, ci) }

// PhotoKey returns the key for a photo file name inside the client's photo directory.
func PhotoKey(ci, name string) string { return path.Join(photosDir, ci, name) }

// FileKey returns the key for a file name inside the client's file directory.
func FileKey(ci, name string) string { return path.Join(filesDir, ci, name) }

// ValidateKey rejects keys that are empty, absolute, or escape the root.
func ValidateKey(key string) error {
	if key == "" || key == "." {
		return fmt.Errorf("invalid blob key %q", key)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	if path.Clean(key) != key || key == ".." || strings.HasPrefix(key, "../") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}
