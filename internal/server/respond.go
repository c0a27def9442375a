package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"client-file-vault/internal/logging"
	"client-file-vault/internal/service"
)

// Error codes of the JSON error body.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeClientNotFound   = "CLIENT_NOT_FOUND"
	CodeDuplicateClient  = "DUPLICATE_CLIENT"
	CodeValidationError  = "VALIDATION_ERROR"
	CodeExtractionFailed = "EXTRACTION_FAILED"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternalError    = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{"code":...,"message":...}}.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, CodeValidationError, message)
}

// writeServiceError maps a service error to its HTTP status. Internal
// failures are logged and answered with a generic message.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, service.ErrClientNotFound):
		writeError(w, http.StatusNotFound, CodeClientNotFound, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, service.ErrDuplicateClient):
		writeError(w, http.StatusBadRequest, CodeDuplicateClient, err.Error())
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
	case errors.Is(err, service.ErrExtractionFailed):
		writeError(w, http.StatusBadRequest, CodeExtractionFailed, err.Error())
	case errors.Is(err, service.ErrQuotaExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, CodeQuotaExceeded, err.Error())
	case errors.As(err, &maxBytes):
		writeError(w, http.StatusRequestEntityTooLarge, CodeQuotaExceeded, "request body too large")
	default:
		logging.FromContext(r.Context(), s.logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal server error")
	}
}
