// Package ingest turns an uploaded zip archive into stored client files.
//
// The archive is written to a private scratch directory, fully extracted,
// and every regular file inside except nested zip archives is copied into
// blob storage and recorded as a FileRecord. Files are processed independently: a failure on one is
// reported in Result.Failed and the rest are still ingested. The scratch
// directory is removed on every path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"client-file-vault/internal/blob"
	"client-file-vault/internal/metrics"
	"client-file-vault/internal/store"
)

var (
	// ErrClientNotFound means the target client does not exist. Nothing is written.
	ErrClientNotFound = errors.New("client not found")
	// ErrExtractionFailed means the upload is not a readable zip archive or
	// contains entries that escape the extraction root.
	ErrExtractionFailed = errors.New("archive extraction failed")
	// ErrQuotaExceeded means the upload or its contents exceed the configured limits.
	ErrQuotaExceeded = errors.New("archive exceeds ingestion limits")
	// ErrNothingStored means the archive had files but none could be stored.
	ErrNothingStored = errors.New("no file from the archive could be stored")
)

// Store is the slice of the storage gateway the engine needs.
type Store interface {
	ClientExists(ctx context.Context, ci string) (bool, error)
	CreateFile(ctx context.Context, f *store.FileRecord) error
}

// Limits bound the resources one ingestion may use.
type Limits struct {
	MaxUploadBytes    int64
	MaxFiles          int
	MaxExtractedBytes int64
	Timeout           time.Duration
}

// DefaultLimits are used for zero fields of Config.Limits.
var DefaultLimits = Limits{
	MaxUploadBytes:    100 << 20,
	MaxFiles:          1000,
	MaxExtractedBytes: 1 << 30,
	Timeout:           5 * time.Minute,
}

// Upload is the archive payload.
type Upload struct {
	Name string
	Body io.Reader
}

// Failure describes one archive entry that could not be stored.
type Failure struct {
	FileName string `json:"file_name"`
	Error    string `json:"error"`
}

// Result lists what one ingestion stored and what it skipped.
type Result struct {
	Files  []store.FileRecord
	Failed []Failure
}

// Config wires an Engine.
type Config struct {
	Store Store
	Blobs blob.Backend

	// Scratch holds temporary extraction directories under ScratchRoot.
	// Defaults to the OS filesystem and its temp directory.
	Scratch     afero.Fs
	ScratchRoot string

	Limits Limits
	Logger *zap.Logger
	Now    func() time.Time
}

// Engine runs archive ingestions. It is safe for concurrent use.
type Engine struct {
	store       Store
	blobs       blob.Backend
	scratch     afero.Fs
	scratchRoot string
	limits      Limits
	logger      *zap.Logger
	now         func() time.Time
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		store:       cfg.Store,
		blobs:       cfg.Blobs,
		scratch:     cfg.Scratch,
		scratchRoot: cfg.ScratchRoot,
		limits:      cfg.Limits,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if e.scratch == nil {
		e.scratch = afero.NewOsFs()
	}
	if e.scratchRoot == "" {
		e.scratchRoot = os.TempDir()
	}
	if e.limits.MaxUploadBytes <= 0 {
		e.limits.MaxUploadBytes = DefaultLimits.MaxUploadBytes
	}
	if e.limits.MaxFiles <= 0 {
		e.limits.MaxFiles = DefaultLimits.MaxFiles
	}
	if e.limits.MaxExtractedBytes <= 0 {
		e.limits.MaxExtractedBytes = DefaultLimits.MaxExtractedBytes
	}
	if e.limits.Timeout <= 0 {
		e.limits.Timeout = DefaultLimits.Timeout
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Ingest stores every regular file of the archive for client ci.
func (e *Engine) Ingest(ctx context.Context, ci string, up Upload) (*Result, error) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, e.limits.Timeout)
	defer cancel()

	exists, err := e.store.ClientExists(ctx, ci)
	if err != nil {
		return nil, fmt.Errorf("ingest: check client: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("client %s: %w", ci, ErrClientNotFound)
	}

	dir := filepath.Join(e.scratchRoot, "ingest-"+uuid.NewString())
	if err := e.scratch.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ingest: create scratch dir: %w", err)
	}
	defer func() {
		if err := e.scratch.RemoveAll(dir); err != nil {
			e.logger.Warn("scratch cleanup failed", zap.String("dir", dir), zap.Error(err))
		}
	}()

	archive := filepath.Join(dir, "upload.zip")
	if err := e.saveUpload(archive, up.Body); err != nil {
		return nil, err
	}

	extracted := filepath.Join(dir, "extracted")
	if err := extractZip(e.scratch, archive, extracted, e.limits); err != nil {
		if isArchiveError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("ingest: extract: %w", err)
	}

	paths, err := e.enumerate(extracted)
	if err != nil {
		return nil, fmt.Errorf("ingest: enumerate: %w", err)
	}

	res := &Result{Files: make([]store.FileRecord, 0, len(paths)), Failed: make([]Failure, 0)}
	for i, p := range paths {
		name := filepath.Base(p)
		if err := ctx.Err(); err != nil {
			// Out of time: report everything not yet attempted.
			for _, rest := range paths[i:] {
				res.Failed = append(res.Failed, Failure{FileName: filepath.Base(rest), Error: err.Error()})
			}
			metrics.IngestedFiles.WithLabelValues("failed").Add(float64(len(paths) - i))
			break
		}

		rec, err := e.storeOne(ctx, ci, p, name)
		if err != nil {
			e.logger.Warn("file ingestion failed",
				zap.String("ci", ci), zap.String("file", name), zap.Error(err))
			res.Failed = append(res.Failed, Failure{FileName: name, Error: err.Error()})
			metrics.IngestedFiles.WithLabelValues("failed").Inc()
			continue
		}
		res.Files = append(res.Files, *rec)
		metrics.IngestedFiles.WithLabelValues("stored").Inc()
	}

	e.logger.Info("archive ingested",
		zap.String("ci", ci),
		zap.String("archive", up.Name),
		zap.Int("stored", len(res.Files)),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("duration", time.Since(start)),
	)

	if len(res.Files) == 0 && len(res.Failed) > 0 {
		return res, fmt.Errorf("ingest: %w (%d failures, first: %s)", ErrNothingStored, len(res.Failed), res.Failed[0].Error)
	}
	return res, nil
}

func (e *Engine) saveUpload(dst string, body io.Reader) error {
	if body == nil {
		return fmt.Errorf("%w: empty upload", ErrExtractionFailed)
	}
	out, err := e.scratch.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("ingest: create upload file: %w", err)
	}

	n, copyErr := io.Copy(out, io.LimitReader(body, e.limits.MaxUploadBytes+1))
	closeErr := out.Close()
	switch {
	case copyErr != nil:
		return fmt.Errorf("ingest: save upload: %w", copyErr)
	case closeErr != nil:
		return fmt.Errorf("ingest: save upload: %w", closeErr)
	case n > e.limits.MaxUploadBytes:
		return fmt.Errorf("%w: upload larger than %d bytes", ErrQuotaExceeded, e.limits.MaxUploadBytes)
	case n == 0:
		return fmt.Errorf("%w: empty upload", ErrExtractionFailed)
	}
	return nil
}

// enumerate lists every regular file under root in lexical order. Nested
// zip archives are skipped.
func (e *Engine) enumerate(root string) ([]string, error) {
	var paths []string
	err := afero.Walk(e.scratch, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && !isZipName(p) {
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

func isZipName(p string) bool {
	return strings.EqualFold(filepath.Ext(p), ".zip")
}

// storeOne copies one extracted file into blob storage and records it. The
// blob is removed again if the record cannot be created.
func (e *Engine) storeOne(ctx context.Context, ci, src, name string) (*store.FileRecord, error) {
	at := e.now()
	safe := SanitizeFilename(name)

	key := blob.FileKey(ci, StoredName(at, safe))
	if _, err := e.blobs.Stat(ctx, key); err == nil {
		key = blob.FileKey(ci, StoredName(at, uuid.NewString()[:8]+"_"+safe))
	} else if !errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("check destination: %w", err)
	}

	f, err := e.scratch.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open extracted file: %w", err)
	}
	_, err = e.blobs.Put(ctx, key, f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("copy to storage: %w", err)
	}

	size, err := e.blobs.Stat(ctx, key)
	if err != nil {
		e.discard(key)
		return nil, fmt.Errorf("stat stored file: %w", err)
	}

	rec := &store.FileRecord{
		ClientCI:    ci,
		FileName:    name,
		StoragePath: key,
		FileType:    FileType(name),
		SizeBytes:   size,
		UploadedAt:  store.Normalize(at),
	}
	if err := e.store.CreateFile(ctx, rec); err != nil {
		e.discard(key)
		return nil, fmt.Errorf("record file: %w", err)
	}
	return rec, nil
}

// discard removes a blob whose record was never created. It runs detached
// from the request context so a cancelled request still cleans up.
func (e *Engine) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.blobs.Remove(ctx, key); err != nil {
		e.logger.Error("orphaned blob", zap.String("key", key), zap.Error(err))
	}
}
