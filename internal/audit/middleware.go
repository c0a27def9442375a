package audit

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"client-file-vault/internal/store"
)

const (
	// DefaultBodyLimit is the number of characters kept of each body.
	DefaultBodyLimit = 5000

	truncatedSuffix   = "... [truncated]"
	multipartOmitted  = "[multipart form data omitted]"
	maxEndpointRunes  = 500
	internalErrorBody = `{"error":{"code":"INTERNAL_ERROR","message":"internal server error"}}` + "\n"
)

// Recorder accepts finished audit records; *Writer implements it.
type Recorder interface {
	Enqueue(rec *store.LogRecord) bool
}

// Options configure Middleware.
type Options struct {
	// BodyLimit caps stored request and response bodies, in characters.
	BodyLimit int
	// SkipPaths are exact request paths that are not audited.
	SkipPaths []string
	Logger    *zap.Logger
	Now       func() time.Time
}

// Middleware audits every request not listed in opts.SkipPaths.
func Middleware(rec Recorder, opts Options) func(http.Handler) http.Handler {
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}
	// Enough bytes for BodyLimit characters of any UTF-8 text, plus one to
	// detect that there is more.
	captureBytes := opts.BodyLimit*utf8.UTFMax + 1

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			entry := &store.LogRecord{
				Timestamp:   store.Normalize(opts.Now()),
				Endpoint:    truncate(r.URL.Path, maxEndpointRunes, ""),
				Method:      r.Method,
				CallerIP:    ClientIP(r),
				RequestBody: truncate(captureRequest(r, captureBytes), opts.BodyLimit, truncatedSuffix),
			}
			cw := &captureWriter{ResponseWriter: w, max: captureBytes}

			defer func() {
				v := recover()
				if v == nil {
					return
				}
				stack := debug.Stack()
				entry.Type = store.LogError
				entry.StatusCode = http.StatusInternalServerError
				entry.Detail = truncate(fmt.Sprintf("panic: %v", v), opts.BodyLimit, truncatedSuffix)
				entry.ResponseBody = truncate(fmt.Sprintf("%v\n%s", v, stack), opts.BodyLimit, truncatedSuffix)
				rec.Enqueue(entry)

				if v == http.ErrAbortHandler {
					panic(v)
				}
				opts.Logger.Error("panic while serving request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", v),
					zap.ByteString("stack", stack))

				if !cw.wroteHeader {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = io.WriteString(w, internalErrorBody)
				}
			}()

			next.ServeHTTP(cw, r)

			status := cw.statusCode()
			entry.StatusCode = status
			entry.ResponseBody = responseText(cw, opts.BodyLimit)
			if status >= http.StatusBadRequest {
				entry.Type = store.LogError
				entry.Detail = fmt.Sprintf("request failed with status %d", status)
			} else {
				entry.Type = store.LogInfo
				entry.Detail = "request completed"
			}
			rec.Enqueue(entry)
		})
	}
}

// captureRequest reads up to n bytes of the request body and puts them back
// in front of the remaining stream.
func captureRequest(r *http.Request, n int) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && strings.HasPrefix(mt, "multipart/") {
		return multipartOmitted
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !isTextual(ct) {
		return "[binary request omitted: " + ct + "]"
	}

	buf := make([]byte, n)
	read, _ := io.ReadFull(r.Body, buf)
	buf = buf[:read]
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), closer: r.Body}
	return string(buf)
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }

// captureWriter records the status and the first max bytes of the response
// while passing everything through.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
	max         int
}

func (w *captureWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if room := w.max - w.body.Len(); room > 0 {
		w.body.Write(b[:min(room, len(b))])
	}
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *captureWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *captureWriter) statusCode() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.status
}

func responseText(w *captureWriter, limit int) string {
	if w.body.Len() == 0 {
		return ""
	}
	ct := w.Header().Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(w.body.Bytes())
	}
	if !isTextual(ct) {
		return "[binary response omitted: " + ct + "]"
	}
	return truncate(w.body.String(), limit, truncatedSuffix)
}

func isTextual(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json", strings.HasSuffix(mt, "+json"),
		mt == "application/xml", strings.HasSuffix(mt, "+xml"),
		mt == "application/x-www-form-urlencoded":
		return true
	}
	return false
}

// truncate keeps the first limit characters of s, appending suffix when
// anything was cut. Invalid UTF-8 and NUL bytes are replaced.
func truncate(s string, limit int, suffix string) string {
	s = store.CleanText(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	i, n := 0, 0
	for i = range s {
		if n == limit {
			break
		}
		n++
	}
	return s[:i] + suffix
}

// ClientIP is the caller address: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
