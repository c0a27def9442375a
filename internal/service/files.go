package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"client-file-vault/internal/blob"
	"client-file-vault/internal/ingest"
	"client-file-vault/internal/store"
)

// Ingester runs archive ingestion; *ingest.Engine implements it.
type Ingester interface {
	Ingest(ctx context.Context, ci string, up ingest.Upload) (*ingest.Result, error)
}

// FileView is a FileRecord as returned to callers.
type FileView struct {
	store.FileRecord
	SizeHuman   string `json:"size_human"`
	DownloadURL string `json:"download_url"`
}

// NewFileView decorates rec with its readable size and download path.
func NewFileView(rec store.FileRecord) FileView {
	return FileView{
		FileRecord:  rec,
		SizeHuman:   FormatSize(rec.SizeBytes),
		DownloadURL: "/files/" + strconv.FormatInt(rec.ID, 10) + "/download",
	}
}

// IngestResult is the outcome of one archive upload.
type IngestResult struct {
	Files  []FileView       `json:"files"`
	Failed []ingest.Failure `json:"failed"`
}

// Download is an open stored file. The caller closes Body.
type Download struct {
	Body        io.ReadCloser
	Name        string
	ContentType string
	Size        int64
}

// FileService lists, streams, ingests and deletes client files.
type FileService struct {
	store    store.FileStore
	blobs    blob.Backend
	ingester Ingester
	cache    *FileCache
	logger   *zap.Logger
}

// NewFileService wires a FileService. cache may be nil.
func NewFileService(st store.FileStore, blobs blob.Backend, ingester Ingester, cache *FileCache, logger *zap.Logger) *FileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileService{store: st, blobs: blobs, ingester: ingester, cache: cache, logger: logger}
}

// Ingest stores the files of an uploaded archive for client ci. When some
// files were skipped the result lists them and err is nil; when every file
// failed both the result and ErrNothingStored are returned.
func (s *FileService) Ingest(ctx context.Context, ci string, up ingest.Upload) (*IngestResult, error) {
	res, err := s.ingester.Ingest(ctx, ci, up)
	if res == nil {
		if err == nil {
			err = errors.New("ingest returned no result")
		}
		return nil, err
	}

	out := &IngestResult{Files: make([]FileView, 0, len(res.Files)), Failed: res.Failed}
	if out.Failed == nil {
		out.Failed = []ingest.Failure{}
	}
	for _, rec := range res.Files {
		s.cache.Add(rec)
		out.Files = append(out.Files, NewFileView(rec))
	}
	return out, err
}

// ListByClient returns the client's files, newest first. An unknown client
// has no files.
func (s *FileService) ListByClient(ctx context.Context, ci string) ([]FileView, error) {
	recs, err := s.store.ListFilesByClient(ctx, ci)
	if err != nil {
		return nil, storageErr("list files", err)
	}
	views := make([]FileView, 0, len(recs))
	for _, r := range recs {
		views = append(views, NewFileView(r))
	}
	return views, nil
}

func (s *FileService) record(ctx context.Context, id int64) (store.FileRecord, error) {
	if rec, ok := s.cache.Get(id); ok {
		return rec, nil
	}
	rec, err := s.store.GetFile(ctx, id)
	if err != nil {
		return store.FileRecord{}, storageErr(fmt.Sprintf("get file %d", id), err)
	}
	s.cache.Add(*rec)
	return *rec, nil
}

// Fetch opens the content of file id. A missing record and a record whose
// content is gone both yield ErrNotFound.
func (s *FileService) Fetch(ctx context.Context, id int64) (*Download, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return nil, err
	}

	body, size, err := s.blobs.Open(ctx, rec.StoragePath)
	if errors.Is(err, blob.ErrNotFound) {
		s.cache.Remove(id)
		s.logger.Warn("file content missing", zap.Int64("file_id", id), zap.String("key", rec.StoragePath))
		return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("open file %d", id), err)
	}

	ext := rec.FileType
	if ext == "" {
		ext = ingest.FileType(rec.FileName)
	}
	return &Download{
		Body:        body,
		Name:        rec.FileName,
		ContentType: ContentType(ext),
		Size:        size,
	}, nil
}

// Delete removes the content and then the record of file id. Content that is
// already gone is not an error.
func (s *FileService) Delete(ctx context.Context, id int64) error {
	rec, err := s.store.GetFile(ctx, id)
	if err != nil {
		return storageErr(fmt.Sprintf("get file %d", id), err)
	}
	if err := s.blobs.Remove(ctx, rec.StoragePath); err != nil {
		return storageErr("remove "+rec.StoragePath, err)
	}
	if err := s.store.DeleteFile(ctx, id); err != nil {
		return storageErr(fmt.Sprintf("delete file %d", id), err)
	}
	s.cache.Remove(id)
	return nil
}
