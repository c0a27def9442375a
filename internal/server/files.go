package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"client-file-vault/internal/ingest"
	"client-file-vault/internal/logging"
)

func (s *Server) handleUploadZip(w http.ResponseWriter, r *http.Request) {
	ci := chi.URLParam(r, "ci")

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		s.formError(w, r, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("archive")
	if err != nil {
		badRequest(w, "a zip file is required in the 'archive' field")
		return
	}
	defer f.Close()

	if hdr.Size == 0 {
		badRequest(w, "the uploaded archive is empty")
		return
	}
	if !strings.EqualFold(path.Ext(hdr.Filename), ".zip") {
		badRequest(w, "the uploaded file must be a .zip archive")
		return
	}

	res, err := s.files.Ingest(r.Context(), ci, ingest.Upload{Name: hdr.Filename, Body: f})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "files uploaded",
		"file_count": len(res.Files),
		"files":      res.Files,
		"failed":     res.Failed,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.files.ListByClient(r.Context(), chi.URLParam(r, "ci"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return id, nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	dl, err := s.files.Fetch(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer dl.Body.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Body); err != nil {
		logging.FromContext(r.Context(), s.logger).Warn("download interrupted",
			zap.Int64("file_id", id), zap.Error(err))
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.files.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "file deleted"})
}
