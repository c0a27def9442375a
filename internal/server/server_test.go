package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"client-file-vault/internal/audit"
	"client-file-vault/internal/blob"
	"client-file-vault/internal/ingest"
	"client-file-vault/internal/service"
	"client-file-vault/internal/store"
	"client-file-vault/internal/store/sqlite"
)

type testServer struct {
	srv    *Server
	store  *sqlite.Store
	blobs  *blob.Local
	writer *audit.Writer
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, cfg Config, checks map[string]Pinger, opts ...func(*Deps)) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	blobs := blob.NewLocalFs(afero.NewMemMapFs())
	cache := service.NewFileCache(64, time.Minute)
	engine := ingest.New(ingest.Config{
		Store:       st,
		Blobs:       blobs,
		Scratch:     afero.NewMemMapFs(),
		ScratchRoot: "/scratch",
		Logger:      logger,
	})
	writer := audit.NewWriter(st, 256, logger)
	t.Cleanup(func() { _ = writer.Close(context.Background()) })

	if checks == nil {
		checks = map[string]Pinger{"database": st, "storage": blobs}
	}
	if cfg.AuditSkipPaths == nil {
		cfg.AuditSkipPaths = []string{"/health/live", "/health/ready", "/metrics"}
	}
	deps := Deps{
		Clients: service.NewClientService(st, blobs, cache, logger),
		Files:   service.NewFileService(st, blobs, engine, cache, logger),
		Logs:    service.NewLogService(st, logger),
		Audit:   writer,
		Checks:  checks,
		Logger:  logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := New(cfg, deps)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &testServer{srv: srv, store: st, blobs: blobs, writer: writer}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	return ts.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

type formFile struct {
	field, name string
	body        []byte
}

func multipartRequest(t *testing.T, method, path string, fields map[string]string, files ...formFile) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		w, err := mw.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = w.Write(f.body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (ts *testServer) registerClient(t *testing.T, ci string) {
	t.Helper()
	rr := ts.do(t, multipartRequest(t, http.MethodPost, "/clients", map[string]string{
		"ci": ci, "name": "Client " + ci, "address": "Calle 1", "phone": "555",
	}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func zipBytes(t *testing.T, files ...[2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f[0])
		require.NoError(t, err)
		_, err = io.WriteString(w, f[1])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	return buf.Bytes()
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rr).Error.Code
}

func TestClientsAPI(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	rr := ts.do(t, multipartRequest(t, http.MethodPost, "/clients",
		map[string]string{"ci": "1001", "name": "Ana", "address": "Calle 1", "phone": "555"},
		formFile{"photo1", "casa.png", pngBytes(t)},
	))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	created := decode[struct {
		Message string       `json:"message"`
		Client  store.Client `json:"client"`
	}](t, rr)
	assert.Equal(t, "1001", created.Client.CI)
	require.NotNil(t, created.Client.Photo1)
	assert.True(t, strings.HasPrefix(*created.Client.Photo1, "Photos/1001/photo1_"))

	rr = ts.get(t, "/clients/1001")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[store.Client](t, rr)
	assert.Equal(t, "Ana", got.Name)
	assert.Zero(t, got.FileCount)

	rr = ts.get(t, "/clients")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]store.Client](t, rr), 1)

	// Duplicate registration.
	rr = ts.do(t, multipartRequest(t, http.MethodPost, "/clients",
		map[string]string{"ci": "1001", "name": "Other", "address": "X", "phone": "1"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeDuplicateClient, errorCode(t, rr))

	// Validation.
	rr = ts.do(t, multipartRequest(t, http.MethodPost, "/clients", map[string]string{"ci": "1002"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeValidationError, errorCode(t, rr))

	// Non-image photo.
	rr = ts.do(t, multipartRequest(t, http.MethodPost, "/clients",
		map[string]string{"ci": "1003", "name": "B", "address": "C", "phone": "1"},
		formFile{"photo2", "x.jpg", []byte("plain text, not an image")},
	))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeValidationError, errorCode(t, rr))

	rr = ts.do(t, httptest.NewRequest(http.MethodDelete, "/clients/1001", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.get(t, "/clients/1001")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, rr))

	rr = ts.do(t, httptest.NewRequest(http.MethodDelete, "/clients/1001", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRegisterURLEncoded(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/clients",
		strings.NewReader("ci=2001&name=Luis&address=Calle+2&phone=777"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := ts.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestFilesAPI(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ts.registerClient(t, "1001")

	archive := zipBytes(t, [2]string{"contract.pdf", strings.Repeat("p", 1536)}, [2]string{"docs/notes.txt", "hi"})
	rr := ts.do(t, multipartRequest(t, http.MethodPost, "/clients/1001/files/zip", nil,
		formFile{"archive", "batch.zip", archive}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	upload := decode[struct {
		FileCount int                `json:"file_count"`
		Files     []service.FileView `json:"files"`
		Failed    []ingest.Failure   `json:"failed"`
	}](t, rr)
	assert.Equal(t, 2, upload.FileCount)
	assert.NotNil(t, upload.Failed)
	assert.Empty(t, upload.Failed)

	var pdf service.FileView
	for _, f := range upload.Files {
		if f.FileName == "contract.pdf" {
			pdf = f
		}
	}
	require.NotZero(t, pdf.ID)
	assert.Equal(t, "1.5 KB", pdf.SizeHuman)

	rr = ts.get(t, "/clients/1001/files")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]service.FileView](t, rr), 2)

	req := httptest.NewRequest(http.MethodGet, pdf.DownloadURL, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr = ts.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/pdf", rr.Header().Get("Content-Type"))
	assert.Equal(t, "1536", rr.Header().Get("Content-Length"))
	assert.Equal(t, `attachment; filename=contract.pdf`, rr.Header().Get("Content-Disposition"))
	assert.Empty(t, rr.Header().Get("Content-Encoding"), "downloads are not compressed")
	assert.Equal(t, strings.Repeat("p", 1536), rr.Body.String())

	rr = ts.get(t, "/files/abc/download")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, httptest.NewRequest(http.MethodDelete, "/files/"+itoa(pdf.ID), nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.get(t, pdf.DownloadURL)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, rr))

	rr = ts.do(t, httptest.NewRequest(http.MethodDelete, "/files/"+itoa(pdf.ID), nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUploadZipErrors(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		ci       string
		file     *formFile
		wantCode int
		wantErr  string
	}{
		{"missing archive", Config{}, "1001", nil, http.StatusBadRequest, CodeValidationError},
		{"wrong extension", Config{}, "1001", &formFile{"archive", "batch.rar", []byte("x")}, http.StatusBadRequest, CodeValidationError},
		{"empty archive file", Config{}, "1001", &formFile{"archive", "batch.zip", nil}, http.StatusBadRequest, CodeValidationError},
		{"corrupt zip", Config{}, "1001", &formFile{"archive", "batch.zip", []byte("not a zip at all")}, http.StatusBadRequest, CodeExtractionFailed},
		{"unknown client", Config{}, "9999", &formFile{"archive", "batch.zip", nil}, http.StatusNotFound, CodeClientNotFound},
		{"body too large", Config{MaxUploadBytes: 512}, "1001", &formFile{"archive", "big.zip", bytes.Repeat([]byte("z"), 4096)}, http.StatusRequestEntityTooLarge, CodeQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.cfg, nil)
			// Seeded directly: the registration form would not fit under a small upload cap.
			require.NoError(t, ts.store.CreateClient(context.Background(), &store.Client{
				CI: "1001", Name: "Ana", RegisteredAt: time.Now(),
			}))

			var files []formFile
			if tt.file != nil {
				f := *tt.file
				if f.body == nil && tt.name == "unknown client" {
					f.body = zipBytes(t, [2]string{"a.txt", "a"})
				}
				files = append(files, f)
			}
			rr := ts.do(t, multipartRequest(t, http.MethodPost, "/clients/"+tt.ci+"/files/zip", nil, files...))
			assert.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			assert.Equal(t, tt.wantErr, errorCode(t, rr))
		})
	}
}

func TestLogsAPI(t *testing.T) {
	// Without auditing, so the API's own requests do not show up in the results.
	ts := newTestServer(t, Config{}, nil, func(d *Deps) { d.Audit = nil })
	ctx := context.Background()

	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		typ := store.LogInfo
		if i%5 == 0 {
			typ = store.LogError
		}
		require.NoError(t, ts.store.CreateLog(ctx, &store.LogRecord{
			Timestamp: base.Add(time.Duration(i) * time.Hour), Type: typ, Endpoint: "/clients", Method: "GET", StatusCode: 200,
		}))
	}

	rr := ts.get(t, "/logs?page=2&pageSize=10")
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[service.LogPage](t, rr)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, int64(25), page.Total)
	require.Len(t, page.Data, 10)
	assert.True(t, page.Data[0].Timestamp.Equal(base.Add(14*time.Hour)))

	rr = ts.get(t, "/logs?type=Error")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(5), decode[service.LogPage](t, rr).Total)

	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/logs?page=x").Code)
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/logs?page=9223372036854775807").Code)
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/logs?type=Verbose").Code)

	id := page.Data[0].ID
	rr = ts.get(t, "/logs/"+itoa(id))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, id, decode[store.LogRecord](t, rr).ID)
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/logs/abc").Code)
	assert.Equal(t, http.StatusNotFound, ts.get(t, "/logs/999999").Code)

	rr = ts.get(t, "/logs/range?from=2025-03-14&to=2025-03-14")
	require.Equal(t, http.StatusOK, rr.Code)
	rangeRes := decode[struct {
		Total int               `json:"total"`
		Data  []store.LogRecord `json:"data"`
	}](t, rr)
	assert.Equal(t, 14, rangeRes.Total, "10:00 through 23:00 on the 14th")

	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/logs/range?from=2025-03-14").Code)
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/logs/range?from=yesterday&to=2025-03-14").Code)
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/logs/range?from=2025-03-15&to=2025-03-14").Code)

	rr = ts.get(t, "/logs/stats")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[store.LogStats](t, rr)
	assert.GreaterOrEqual(t, stats.Total, int64(25))
	assert.Equal(t, int64(5), stats.Errors)

	rr = ts.do(t, httptest.NewRequest(http.MethodDelete, "/logs/purge?days=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, httptest.NewRequest(http.MethodDelete, "/logs/purge?days=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, httptest.NewRequest(http.MethodDelete, "/logs/purge?days=30", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	purge := decode[struct {
		Deleted int64 `json:"deleted"`
		Days    int   `json:"days"`
	}](t, rr)
	assert.Equal(t, int64(25), purge.Deleted, "seeded records are far in the past")
	assert.Equal(t, 30, purge.Days)
}

func TestAuditRecordsRequests(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	ts.registerClient(t, "1001")
	assert.Equal(t, http.StatusNotFound, ts.get(t, "/clients/nope").Code)
	assert.Equal(t, http.StatusOK, ts.get(t, "/health/live").Code)

	require.NoError(t, ts.writer.Close(context.Background()))

	logs, total, err := ts.store.ListLogs(context.Background(), store.LogFilter{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, int64(2), total, "health probes are not audited")

	byPath := map[string]store.LogRecord{}
	for _, l := range logs {
		byPath[l.Endpoint] = l
	}
	reg := byPath["/clients"]
	assert.Equal(t, store.LogInfo, reg.Type)
	assert.Equal(t, http.MethodPost, reg.Method)
	assert.Equal(t, "[multipart form data omitted]", reg.RequestBody)
	assert.Contains(t, reg.ResponseBody, `"ci":"1001"`)

	miss := byPath["/clients/nope"]
	assert.Equal(t, store.LogError, miss.Type)
	assert.Equal(t, 404, miss.StatusCode)
	assert.Equal(t, "request failed with status 404", miss.Detail)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{Version: "1.2.3"}, nil)

	rr := ts.get(t, "/health/live")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.get(t, "/health/ready")
	require.Equal(t, http.StatusOK, rr.Code)
	ready := decode[struct {
		Status     string                     `json:"status"`
		Version    string                     `json:"version"`
		Components map[string]ComponentHealth `json:"components"`
	}](t, rr)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "1.2.3", ready.Version)
	assert.Equal(t, "up", ready.Components["database"].Status)
	assert.Equal(t, "up", ready.Components["storage"].Status)

	down := newTestServer(t, Config{}, map[string]Pinger{
		"database": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rr = down.get(t, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotContains(t, rr.Body.String(), "connection refused")
}

func TestMiddlewareChain(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	rr := ts.get(t, "/clients")
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	assert.Equal(t, "abc-123", ts.do(t, req).Header().Get("X-Request-Id"))

	rr = ts.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, rr))

	rr = ts.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "cfv_http_requests_total")
}

func TestCompression(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	for i := 0; i < 20; i++ {
		ts.registerClient(t, "c"+itoa(int64(i)))
	}

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := ts.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: 2}, nil)

	assert.Equal(t, http.StatusOK, ts.get(t, "/clients").Code)
	assert.Equal(t, http.StatusOK, ts.get(t, "/clients").Code)

	rr := ts.get(t, "/clients")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, CodeRateLimited, errorCode(t, rr))
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/clients", nil)
	other.RemoteAddr = "198.51.100.9:4000"
	assert.Equal(t, http.StatusOK, ts.do(t, other).Code)
}

func TestRateLimit_IgnoresForwardedHeaders(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: 2}, nil)

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/clients", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113."+itoa(int64(i+1)))
		assert.Equal(t, want, ts.do(t, req).Code, "request %d", i)
	}
}

func TestRateLimit_TrustProxy(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: 1, TrustProxy: true}, nil)

	for _, ip := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodGet, "/clients", nil)
		req.Header.Set("X-Forwarded-For", ip)
		assert.Equal(t, http.StatusOK, ts.do(t, req).Code, ip)
	}

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, req).Code)
}

func TestParseRangeTime(t *testing.T) {
	from, err := parseRangeTime("2025-03-14", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), from)

	to, err := parseRangeTime("2025-03-14", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 23, 59, 59, 999999000, time.UTC), to)

	ts, err := parseRangeTime("2025-03-14T10:00:00-03:00", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 13, 0, 0, 0, time.UTC), ts)

	_, err = parseRangeTime("", false)
	assert.Error(t, err)
	_, err = parseRangeTime("14/03/2025", false)
	assert.Error(t, err)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
