package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Local keeps blobs in a directory tree.
type Local struct {
	fs afero.Fs
}

var _ Backend = (*Local)(nil)

// NewLocal returns a backend rooted at dir on the OS filesystem, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root %s: %w", dir, err)
	}
	return NewLocalFs(afero.NewBasePathFs(osFs, dir)), nil
}

// NewLocalFs returns a backend on an arbitrary afero filesystem whose root is the storage root.
func NewLocalFs(fsys afero.Fs) *Local {
	return &Local{fs: fsys}
}

func (l *Local) Kind() string { return "local" }

// osPath maps a key to an absolute path inside the backend's filesystem.
func osPath(key string) string {
	return filepath.Join(string(filepath.Separator), filepath.FromSlash(key))
}

// Put writes to a temporary sibling and renames it into place so readers
// never observe a partial file.
func (l *Local) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dst := osPath(key)
	if err := l.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("blob: mkdir for %s: %w", key, err)
	}

	tmp := dst + ".part-" + uuid.NewString()
	f, err := l.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("blob: create %s: %w", key, err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = l.fs.Remove(tmp)
		return 0, fmt.Errorf("blob: write %s: %w", key, errors.Join(copyErr, closeErr))
	}

	if err := l.fs.Rename(tmp, dst); err != nil {
		_ = l.fs.Remove(tmp)
		return 0, fmt.Errorf("blob: commit %s: %w", key, err)
	}
	return n, nil
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ValidateKey(key); err != nil {
		return nil, 0, err
	}
	f, err := l.fs.Open(osPath(key))
	if err != nil {
		return nil, 0, wrapNotExist(key, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("blob: stat %s: %w", key, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return f, info.Size(), nil
}

func (l *Local) Stat(_ context.Context, key string) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	info, err := l.fs.Stat(osPath(key))
	if err != nil {
		return 0, wrapNotExist(key, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return info.Size(), nil
}

func (l *Local) Remove(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := l.fs.Remove(osPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: remove %s: %w", key, err)
	}
	return nil
}

func (l *Local) RemoveAll(_ context.Context, prefix string) error {
	if err := ValidateKey(prefix); err != nil {
		return err
	}
	if err := l.fs.RemoveAll(osPath(prefix)); err != nil {
		return fmt.Errorf("blob: remove %s: %w", prefix, err)
	}
	return nil
}

// Ping checks that the root is still reachable.
func (l *Local) Ping(_ context.Context) error {
	if _, err := l.fs.Stat(string(filepath.Separator)); err != nil {
		return fmt.Errorf("blob: storage root unavailable: %w", err)
	}
	return nil
}

func wrapNotExist(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("blob: %s: %w", key, err)
}
