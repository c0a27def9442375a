package service

import (
	"errors"
	"fmt"

	"client-file-vault/internal/ingest"
	"client-file-vault/internal/store"
)

var (
	// ErrNotFound means the client, file or log record does not exist. A file
	// whose content is gone from storage is reported the same way.
	ErrNotFound = store.ErrNotFound
	// ErrDuplicateClient means a client with the same CI is already registered.
	ErrDuplicateClient = store.ErrDuplicate
	// ErrValidation means the input was rejected before touching storage.
	ErrValidation = errors.New("validation failed")
	// ErrStorage marks failures of the database or blob backend.
	ErrStorage = errors.New("storage failure")

	ErrClientNotFound   = ingest.ErrClientNotFound
	ErrExtractionFailed = ingest.ErrExtractionFailed
	ErrQuotaExceeded    = ingest.ErrQuotaExceeded
	ErrNothingStored    = ingest.ErrNothingStored
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storageErr tags err as a storage failure unless it already carries a
// sentinel the caller can act on.
func storageErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateClient) || errors.Is(err, ErrValidation) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
