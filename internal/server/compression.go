package server

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

// compressionResponseWriter wraps http.ResponseWriter to compress responses.
type compressionResponseWriter struct {
	http.ResponseWriter
	writer io.Writer
}

// Write compresses data before writing to the underlying writer.
func (crw *compressionResponseWriter) Write(b []byte) (int, error) {
	return crw.writer.Write(b)
}

// WriteHeader drops any Content-Length set by the handler; it no longer
// matches the compressed body.
func (crw *compressionResponseWriter) WriteHeader(code int) {
	crw.Header().Del("Content-Length")
	crw.ResponseWriter.WriteHeader(code)
}

// compressionMiddleware gzips JSON responses for clients that accept it.
func compressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsCompression(r) || shouldSkipCompression(r) {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzipPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			_ = gz.Close()
			gzipPool.Put(gz)
		}()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.Header().Del("Content-Length")

		next.ServeHTTP(&compressionResponseWriter{ResponseWriter: w, writer: gz}, r)
	})
}

// acceptsCompression checks if the client accepts gzip encoding.
func acceptsCompression(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// shouldSkipCompression skips binary payloads and handlers that encode on
// their own.
func shouldSkipCompression(r *http.Request) bool {
	path := r.URL.Path

	switch {
	case strings.HasPrefix(path, "/uploads/"):
		return true
	case path == "/download-zip":
		return true
	case path == "/upload-chunk":
		return true
	case path == "/metrics":
		return true
	case r.Method == http.MethodHead:
		return true
	}
	return false
}
