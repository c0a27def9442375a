package ingest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"client-file-vault/internal/blob"
	"client-file-vault/internal/store"
	"client-file-vault/internal/store/sqlite"
)

type entry struct {
	name string
	body string
}

func buildZip(t *testing.T, entries ...entry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		if !strings.HasSuffix(e.name, "/") {
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return &buf
}

var fixedNow = time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)

type harness struct {
	engine  *Engine
	store   store.Store
	blobs   *blob.Local
	blobFs  afero.Fs
	scratch afero.Fs
}

func newHarness(t *testing.T, limits Limits, wrap func(store.Store) Store) *harness {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.CreateClient(context.Background(), &store.Client{
		CI: "1001", Name: "Ana", RegisteredAt: fixedNow,
	}))

	h := &harness{store: st, blobFs: afero.NewMemMapFs(), scratch: afero.NewMemMapFs()}
	h.blobs = blob.NewLocalFs(h.blobFs)

	var engineStore Store = st
	if wrap != nil {
		engineStore = wrap(st)
	}

	h.engine = New(Config{
		Store:       engineStore,
		Blobs:       h.blobs,
		Scratch:     h.scratch,
		ScratchRoot: "/scratch",
		Limits:      limits,
		Logger:      zaptest.NewLogger(t),
		Now:         func() time.Time { return fixedNow },
	})
	return h
}

func (h *harness) assertScratchClean(t *testing.T) {
	t.Helper()
	entries, err := afero.ReadDir(h.scratch, "/scratch")
	if err == nil {
		assert.Empty(t, entries, "scratch directory must be removed")
	}
}

func (h *harness) blobCount(t *testing.T) int {
	t.Helper()
	n := 0
	_ = afero.Walk(h.blobFs, "/", func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			n++
		}
		return nil
	})
	return n
}

func TestIngest_StoresEveryFile(t *testing.T) {
	h := newHarness(t, Limits{}, nil)
	ctx := context.Background()

	archive := buildZip(t,
		entry{"contract.pdf", strings.Repeat("p", 1536)},
		entry{"docs/", ""},
		entry{"docs/notes.TXT", "hello"},
		entry{"docs/deep/empty.bin", ""},
	)

	res, err := h.engine.Ingest(ctx, "1001", Upload{Name: "batch.zip", Body: archive})
	require.NoError(t, err)
	require.Len(t, res.Files, 3)
	assert.Empty(t, res.Failed)

	sizes := map[string]int64{}
	for _, f := range res.Files {
		sizes[f.FileName] = f.SizeBytes
		assert.Equal(t, "1001", f.ClientCI)
		assert.True(t, strings.HasPrefix(f.StoragePath, "Files/1001/20250601123045_"), f.StoragePath)

		stored, err := h.blobs.Stat(ctx, f.StoragePath)
		require.NoError(t, err)
		assert.Equal(t, f.SizeBytes, stored)
	}
	assert.Equal(t, map[string]int64{"contract.pdf": 1536, "notes.TXT": 5, "empty.bin": 0}, sizes)

	types := map[string]string{}
	for _, f := range res.Files {
		types[f.FileName] = f.FileType
	}
	assert.Equal(t, ".txt", types["notes.TXT"])

	files, err := h.store.ListFilesByClient(ctx, "1001")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	h.assertScratchClean(t)
}

func TestIngest_UnknownClientWritesNothing(t *testing.T) {
	h := newHarness(t, Limits{}, nil)

	_, err := h.engine.Ingest(context.Background(), "9999", Upload{Name: "a.zip", Body: buildZip(t, entry{"a.txt", "a"})})
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.Zero(t, h.blobCount(t))

	exists, _ := afero.DirExists(h.scratch, "/scratch")
	assert.False(t, exists, "no scratch directory is created for unknown clients")
}

func TestIngest_ArchiveErrors(t *testing.T) {
	tests := []struct {
		name    string
		limits  Limits
		body    func(t *testing.T) *bytes.Buffer
		wantErr error
	}{
		{
			name:    "not a zip",
			body:    func(*testing.T) *bytes.Buffer { return bytes.NewBufferString("definitely not a zip archive") },
			wantErr: ErrExtractionFailed,
		},
		{
			name:    "empty upload",
			body:    func(*testing.T) *bytes.Buffer { return &bytes.Buffer{} },
			wantErr: ErrExtractionFailed,
		},
		{
			name:    "path traversal",
			body:    func(t *testing.T) *bytes.Buffer { return buildZip(t, entry{"ok.txt", "x"}, entry{"../../evil.txt", "x"}) },
			wantErr: ErrExtractionFailed,
		},
		{
			name:    "too many files",
			limits:  Limits{MaxFiles: 2},
			body:    func(t *testing.T) *bytes.Buffer { return buildZip(t, entry{"a", "1"}, entry{"b", "2"}, entry{"c", "3"}) },
			wantErr: ErrQuotaExceeded,
		},
		{
			name:    "too many bytes",
			limits:  Limits{MaxExtractedBytes: 10},
			body:    func(t *testing.T) *bytes.Buffer { return buildZip(t, entry{"big.txt", strings.Repeat("z", 64)}) },
			wantErr: ErrQuotaExceeded,
		},
		{
			name:    "upload too large",
			limits:  Limits{MaxUploadBytes: 16},
			body:    func(t *testing.T) *bytes.Buffer { return buildZip(t, entry{"a.txt", "abc"}) },
			wantErr: ErrQuotaExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.limits, nil)

			_, err := h.engine.Ingest(context.Background(), "1001", Upload{Name: "x.zip", Body: tt.body(t)})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			files, err := h.store.ListFilesByClient(context.Background(), "1001")
			require.NoError(t, err)
			assert.Empty(t, files, "no records on archive failure")
			assert.Zero(t, h.blobCount(t))
			h.assertScratchClean(t)
		})
	}
}

func TestIngest_SkipsNestedArchives(t *testing.T) {
	h := newHarness(t, Limits{}, nil)

	inner := buildZip(t, entry{"inner.txt", "inner"})
	archive := buildZip(t,
		entry{"photos.zip", inner.String()},
		entry{"docs/MORE.ZIP", inner.String()},
		entry{"a.txt", "a"},
	)

	res, err := h.engine.Ingest(context.Background(), "1001", Upload{Name: "outer.zip", Body: archive})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "a.txt", res.Files[0].FileName)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 1, h.blobCount(t))
	h.assertScratchClean(t)
}

func TestIngest_NameCollision(t *testing.T) {
	h := newHarness(t, Limits{}, nil)

	archive := buildZip(t, entry{"a/report.pdf", "one"}, entry{"b/report.pdf", "two"})
	res, err := h.engine.Ingest(context.Background(), "1001", Upload{Name: "x.zip", Body: archive})
	require.NoError(t, err)
	require.Len(t, res.Files, 2)

	assert.Equal(t, "Files/1001/20250601123045_report.pdf", res.Files[0].StoragePath)
	assert.NotEqual(t, res.Files[0].StoragePath, res.Files[1].StoragePath)
	assert.True(t, strings.HasSuffix(res.Files[1].StoragePath, "_report.pdf"))
	assert.Len(t, strings.TrimPrefix(res.Files[1].StoragePath, "Files/1001/20250601123045_"), len("abcdef12_report.pdf"))
}

// failingStore rejects CreateFile for one file name.
type failingStore struct {
	store.Store
	failName string
}

func (f failingStore) CreateFile(ctx context.Context, rec *store.FileRecord) error {
	if rec.FileName == f.failName {
		return errors.New("disk full")
	}
	return f.Store.CreateFile(ctx, rec)
}

func TestIngest_BestEffortContinue(t *testing.T) {
	h := newHarness(t, Limits{}, func(s store.Store) Store { return failingStore{Store: s, failName: "b.txt"} })

	archive := buildZip(t, entry{"a.txt", "a"}, entry{"b.txt", "bb"}, entry{"c.txt", "ccc"})
	res, err := h.engine.Ingest(context.Background(), "1001", Upload{Name: "x.zip", Body: archive})
	require.NoError(t, err)

	require.Len(t, res.Files, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "b.txt", res.Failed[0].FileName)
	assert.Contains(t, res.Failed[0].Error, "disk full")

	// The blob of the failed file was removed again.
	assert.Equal(t, 2, h.blobCount(t))
	h.assertScratchClean(t)
}

func TestIngest_AllFail(t *testing.T) {
	h := newHarness(t, Limits{}, func(s store.Store) Store { return failingStore{Store: s, failName: "only.txt"} })

	res, err := h.engine.Ingest(context.Background(), "1001", Upload{Name: "x.zip", Body: buildZip(t, entry{"only.txt", "x"})})
	assert.ErrorIs(t, err, ErrNothingStored)
	require.NotNil(t, res)
	assert.Len(t, res.Failed, 1)
	assert.Zero(t, h.blobCount(t))
}

func TestIngest_EmptyArchive(t *testing.T) {
	h := newHarness(t, Limits{}, nil)

	res, err := h.engine.Ingest(context.Background(), "1001", Upload{Name: "x.zip", Body: buildZip(t)})
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	assert.Empty(t, res.Failed)
}

func TestIngest_CancelledContext(t *testing.T) {
	h := newHarness(t, Limits{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Ingest(ctx, "1001", Upload{Name: "x.zip", Body: buildZip(t, entry{"a.txt", "a"})})
	require.Error(t, err)
	h.assertScratchClean(t)
}
