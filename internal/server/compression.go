package server

import (
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzhttp"
)

// gzipWrap compresses responses of 1 KiB and more for clients that accept gzip.
var gzipWrap = mustGzipWrapper()

func mustGzipWrapper() func(http.Handler) http.HandlerFunc {
	wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(1024))
	if err != nil {
		panic(err)
	}
	return wrap
}

// compressionMiddleware gzips API responses. File downloads are streamed
// as stored so Content-Length stays exact.
func compressionMiddleware(next http.Handler) http.Handler {
	compressed := gzipWrap(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSkipCompression(r) {
			next.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})
}

func shouldSkipCompression(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/download") ||
		r.URL.Path == "/metrics"
}
