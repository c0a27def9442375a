package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
)

// extractZip unpacks the archive at src on fsys into dstDir. Entry counts and
// sizes are checked against the central directory before anything is written
// and enforced again while copying, since the directory can lie.
func extractZip(fsys afero.Fs, src, dstDir string, limits Limits) error {
	f, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	var (
		declaredFiles int
		declaredBytes uint64
	)
	for _, zf := range zr.File {
		if !zf.Mode().IsRegular() {
			continue
		}
		declaredFiles++
		declaredBytes += zf.UncompressedSize64
	}
	if declaredFiles > limits.MaxFiles {
		return fmt.Errorf("%w: archive holds %d files, limit is %d", ErrQuotaExceeded, declaredFiles, limits.MaxFiles)
	}
	if declaredBytes > uint64(limits.MaxExtractedBytes) {
		return fmt.Errorf("%w: archive expands to %d bytes, limit is %d", ErrQuotaExceeded, declaredBytes, limits.MaxExtractedBytes)
	}

	if err := fsys.MkdirAll(dstDir, 0o700); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}

	remaining := limits.MaxExtractedBytes
	for _, zf := range zr.File {
		rel, err := entryPath(zf.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, filepath.FromSlash(rel))

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := fsys.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("create %s: %w", rel, err)
			}
			continue
		case !mode.IsRegular():
			// Symlinks and devices are never materialised.
			continue
		}

		n, err := extractEntry(fsys, zf, target, remaining)
		if err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// entryPath cleans an entry name and rejects names that would land outside
// the extraction root.
func entryPath(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if clean == "." || clean == ".." || path.IsAbs(clean) || strings.HasPrefix(clean, "../") || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: illegal entry path %q", ErrExtractionFailed, name)
	}
	return clean, nil
}

func extractEntry(fsys afero.Fs, zf *zip.File, target string, remaining int64) (int64, error) {
	if err := fsys.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return 0, fmt.Errorf("create dir for %s: %w", zf.Name, err)
	}

	rc, err := zf.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open entry %s: %v", ErrExtractionFailed, zf.Name, err)
	}
	defer rc.Close()

	out, err := fsys.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", zf.Name, err)
	}

	n, copyErr := io.Copy(out, io.LimitReader(rc, remaining+1))
	closeErr := out.Close()
	switch {
	case copyErr != nil:
		return 0, fmt.Errorf("%w: read entry %s: %v", ErrExtractionFailed, zf.Name, copyErr)
	case closeErr != nil:
		return 0, fmt.Errorf("write %s: %w", zf.Name, closeErr)
	case n > remaining:
		return 0, fmt.Errorf("%w: extracted content exceeds the configured size limit", ErrQuotaExceeded)
	}
	return n, nil
}

// isArchiveError reports whether err is a client-caused archive problem.
func isArchiveError(err error) bool {
	return errors.Is(err, ErrExtractionFailed) || errors.Is(err, ErrQuotaExceeded)
}
