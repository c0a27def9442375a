package service

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"client-file-vault/internal/blob"
	"client-file-vault/internal/ingest"
	"client-file-vault/internal/store"
	"client-file-vault/internal/store/sqlite"
)

var testNow = time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)

type env struct {
	store   *sqlite.Store
	blobFs  afero.Fs
	blobs   *blob.Local
	cache   *FileCache
	clients *ClientService
	files   *FileService
	logs    *LogService
}

func newEnv(t *testing.T) *env {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := zaptest.NewLogger(t)
	e := &env{store: st, blobFs: afero.NewMemMapFs(), cache: NewFileCache(16, time.Minute)}
	e.blobs = blob.NewLocalFs(e.blobFs)

	engine := ingest.New(ingest.Config{
		Store:       st,
		Blobs:       e.blobs,
		Scratch:     afero.NewMemMapFs(),
		ScratchRoot: "/scratch",
		Logger:      logger,
		Now:         func() time.Time { return testNow },
	})

	e.clients = NewClientService(st, e.blobs, e.cache, logger)
	e.clients.now = func() time.Time { return testNow }
	e.files = NewFileService(st, e.blobs, engine, e.cache, logger)
	e.logs = NewLogService(st, logger)
	e.logs.now = func() time.Time { return testNow }
	return e
}

func (e *env) register(t *testing.T, ci string) *store.Client {
	t.Helper()
	c, err := e.clients.Register(context.Background(), RegisterInput{
		CI: ci, Name: "Client " + ci, Address: "Calle 1", Phone: "555-0100",
	}, [3]*PhotoUpload{})
	require.NoError(t, err)
	return c
}

func (e *env) blobKeys(t *testing.T) []string {
	t.Helper()
	var keys []string
	_ = afero.Walk(e.blobFs, "/", func(p string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			keys = append(keys, filepath.ToSlash(p[1:]))
		}
		return nil
	})
	return keys
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}
