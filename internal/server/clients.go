package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"client-file-vault/internal/service"
)

// maxMemory is the part of a multipart form kept in memory; the rest spills
// to temporary files.
const maxMemory = 32 << 20

// parseForm accepts multipart and urlencoded bodies up to the upload cap.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	err := r.ParseMultipartForm(maxMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	return err
}

func (s *Server) formError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		s.writeServiceError(w, r, err)
		return
	}
	badRequest(w, "invalid form body: "+err.Error())
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		s.formError(w, r, err)
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	var photos [3]*service.PhotoUpload
	for i := range photos {
		field := fmt.Sprintf("photo%d", i+1)
		f, hdr, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			continue
		}
		if err != nil {
			badRequest(w, field+": "+err.Error())
			return
		}
		defer func(f multipart.File) { _ = f.Close() }(f)
		photos[i] = &service.PhotoUpload{Name: hdr.Filename, Body: f}
	}

	client, err := s.clients.Register(r.Context(), service.RegisterInput{
		CI:      r.FormValue("ci"),
		Name:    r.FormValue("name"),
		Address: r.FormValue("address"),
		Phone:   r.FormValue("phone"),
	}, photos)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "client registered",
		"client":  client,
	})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.clients.Get(r.Context(), chi.URLParam(r, "ci"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.clients.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	ci := chi.URLParam(r, "ci")
	if err := s.clients.Delete(r.Context(), ci); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "client " + ci + " deleted"})
}
