package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"client-file-vault/internal/blob"
	"client-file-vault/internal/ingest"
	"client-file-vault/internal/store"
)

// sniffLen is how much of a photo is read for content detection.
const sniffLen = 3072

var ciPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,20}$`)

// RegisterInput holds the text fields of a registration.
type RegisterInput struct {
	CI      string
	Name    string
	Address string
	Phone   string
}

func (in *RegisterInput) normalize() {
	in.CI = strings.TrimSpace(in.CI)
	in.Name = strings.TrimSpace(in.Name)
	in.Address = strings.TrimSpace(in.Address)
	in.Phone = strings.TrimSpace(in.Phone)
}

func (in RegisterInput) validate() error {
	var problems []string
	check := func(field, value string, max int) {
		switch n := utf8.RuneCountInString(value); {
		case n == 0:
			problems = append(problems, field+" is required")
		case n > max:
			problems = append(problems, fmt.Sprintf("%s must be at most %d characters", field, max))
		}
	}
	check("ci", in.CI, 20)
	check("name", in.Name, 200)
	check("address", in.Address, 300)
	check("phone", in.Phone, 20)

	if in.CI != "" && utf8.RuneCountInString(in.CI) <= 20 && !ciPattern.MatchString(in.CI) {
		problems = append(problems, "ci may only contain letters, digits and '-'")
	}
	if len(problems) > 0 {
		return validationf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// PhotoUpload is one optional house photo.
type PhotoUpload struct {
	Name string
	Body io.Reader
}

// ClientService registers, looks up and removes clients together with their
// photos and files.
type ClientService struct {
	store  store.Store
	blobs  blob.Backend
	cache  *FileCache
	logger *zap.Logger
	now    func() time.Time
}

// NewClientService wires a ClientService. cache may be nil.
func NewClientService(st store.Store, blobs blob.Backend, cache *FileCache, logger *zap.Logger) *ClientService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientService{store: st, blobs: blobs, cache: cache, logger: logger, now: time.Now}
}

// Register creates a client. Empty photo slots are skipped; any other photo
// must be an image.
func (s *ClientService) Register(ctx context.Context, in RegisterInput, photos [3]*PhotoUpload) (*store.Client, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}

	exists, err := s.store.ClientExists(ctx, in.CI)
	if err != nil {
		return nil, storageErr("check client", err)
	}
	if exists {
		return nil, fmt.Errorf("client %s: %w", in.CI, ErrDuplicateClient)
	}

	at := store.Normalize(s.now())
	client := &store.Client{
		CI:           in.CI,
		Name:         in.Name,
		Address:      in.Address,
		Phone:        in.Phone,
		RegisteredAt: at,
	}

	var stored []string
	slots := []**string{&client.Photo1, &client.Photo2, &client.Photo3}
	for i, p := range photos {
		if p == nil || p.Body == nil {
			continue
		}
		key, err := s.storePhoto(ctx, in.CI, i+1, at, p)
		if err != nil {
			s.discard(stored)
			return nil, err
		}
		if key == "" {
			continue
		}
		stored = append(stored, key)
		*slots[i] = &key
	}

	if err := s.store.CreateClient(ctx, client); err != nil {
		s.discard(stored)
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("client %s: %w", in.CI, ErrDuplicateClient)
		}
		return nil, storageErr("create client", err)
	}

	s.logger.Info("client registered", zap.String("ci", client.CI), zap.Int("photos", len(stored)))
	client.FileCount = 0
	return client, nil
}

// storePhoto sniffs and stores one photo. It returns "" for an empty upload.
func (s *ClientService) storePhoto(ctx context.Context, ci string, slot int, at time.Time, p *PhotoUpload) (string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(p.Body, head)
	switch {
	case errors.Is(err, io.EOF):
		return "", nil
	case err != nil && !errors.Is(err, io.ErrUnexpectedEOF):
		return "", validationf("photo%d: unreadable upload: %v", slot, err)
	}
	head = head[:n]

	mt := mimetype.Detect(head)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", validationf("photo%d must be an image, got %s", slot, mt.String())
	}

	ext := ingest.FileType(ingest.SanitizeFilename(p.Name))
	if ext == "" {
		ext = mt.Extension()
	}
	// The suffix keeps keys of concurrent registrations for the same ci apart.
	name := fmt.Sprintf("photo%d_%s_%s%s", slot, at.UTC().Format("20060102150405"), uuid.NewString()[:8], ext)
	key := blob.PhotoKey(ci, name)

	if _, err := s.blobs.Put(ctx, key, io.MultiReader(bytes.NewReader(head), p.Body)); err != nil {
		return "", storageErr(fmt.Sprintf("store photo%d", slot), err)
	}
	return key, nil
}

// discard removes photos of a registration that did not complete.
func (s *ClientService) discard(keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, k := range keys {
		if err := s.blobs.Remove(ctx, k); err != nil {
			s.logger.Error("orphaned photo", zap.String("key", k), zap.Error(err))
		}
	}
}

// Get returns the client with its current file count.
func (s *ClientService) Get(ctx context.Context, ci string) (*store.Client, error) {
	c, err := s.store.GetClient(ctx, ci)
	if err != nil {
		return nil, storageErr("get client "+ci, err)
	}
	return c, nil
}

// List returns every client, newest registration first.
func (s *ClientService) List(ctx context.Context) ([]store.Client, error) {
	clients, err := s.store.ListClients(ctx)
	if err != nil {
		return nil, storageErr("list clients", err)
	}
	if clients == nil {
		clients = []store.Client{}
	}
	return clients, nil
}

// Delete removes a client and everything it owns. Stored content goes first
// so a failure leaves the records in place and the delete can be retried.
func (s *ClientService) Delete(ctx context.Context, ci string) error {
	if _, err := s.store.GetClient(ctx, ci); err != nil {
		return storageErr("get client "+ci, err)
	}

	files, err := s.store.ListFilesByClient(ctx, ci)
	if err != nil {
		return storageErr("list files", err)
	}
	for _, f := range files {
		if err := s.blobs.Remove(ctx, f.StoragePath); err != nil {
			return storageErr("remove file "+f.StoragePath, err)
		}
		s.cache.Remove(f.ID)
	}
	for _, prefix := range []string{blob.FilesPrefix(ci), blob.PhotosPrefix(ci)} {
		if err := s.blobs.RemoveAll(ctx, prefix); err != nil {
			return storageErr("remove "+prefix, err)
		}
	}

	if err := s.store.DeleteClient(ctx, ci); err != nil {
		return storageErr("delete client "+ci, err)
	}
	s.logger.Info("client deleted", zap.String("ci", ci), zap.Int("files", len(files)))
	return nil
}
