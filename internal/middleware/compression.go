package middleware

import (
	"bufio"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"

	"metricboard/internal/compression"
)

const defaultBufferSize = 32 * 1024

// Compress 压缩仪表盘的 JSON 与 HTML 响应
func Compress(selector *compression.Selector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			compressor := selector.Select(r.Header.Get("Accept-Encoding"))
			if compressor == nil {
				next.ServeHTTP(w, r)
				return
			}

			cw := &compressWriter{ResponseWriter: w, compressor: compressor}
			w.Header().Add("Vary", "Accept-Encoding")
			defer cw.close()

			next.ServeHTTP(cw, r)
		})
	}
}

type compressWriter struct {
	http.ResponseWriter
	compressor compression.Compressor
	writer     io.WriteCloser
	buffered   *bufio.Writer
	decided    bool
	compressed bool
}

// WriteHeader 在写出响应头前决定是否压缩
func (cw *compressWriter) WriteHeader(status int) {
	if cw.decided {
		return
	}
	cw.decided = true

	h := cw.Header()
	if status == http.StatusOK && h.Get("Content-Encoding") == "" && compressibleType(h.Get("Content-Type")) {
		cw.compressed = true
		h.Set("Content-Encoding", string(cw.compressor.Encoding()))
		h.Del("Content-Length")
	}
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.decided {
		if cw.Header().Get("Content-Type") == "" {
			cw.Header().Set("Content-Type", http.DetectContentType(b))
		}
		cw.WriteHeader(http.StatusOK)
	}
	if !cw.compressed {
		return cw.ResponseWriter.Write(b)
	}

	if cw.writer == nil {
		w, err := cw.compressor.Compress(cw.ResponseWriter)
		if err != nil {
			return 0, err
		}
		cw.writer = w
		cw.buffered = bufio.NewWriterSize(w, defaultBufferSize)
	}
	return cw.buffered.Write(b)
}

func (cw *compressWriter) close() {
	if cw.writer == nil {
		return
	}
	cw.buffered.Flush()
	cw.writer.Close()
}

func (cw *compressWriter) Flush() {
	if cw.buffered != nil {
		cw.buffered.Flush()
	}
	if f, ok := cw.writer.(interface{ Flush() error }); ok {
		f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := cw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func compressibleType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "text/") ||
		mediaType == "application/json" ||
		mediaType == "application/javascript"
}
