package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/woodchen-ink/go-web-utils/iputil"

	"metricboard/internal/metrics"
	"metricboard/internal/models"
)

// Recorder 接收每个请求的采集结果
type Recorder interface {
	Record(service string, e models.MetricEntry)
}

type CaptureOptions struct {
	DefaultService string
	MaxBodyBytes   int64    // 0 表示不记录请求体
	SkipPaths      []string // 路径前缀
	// RouteParams 取路由参数；挂在 ServeMux 路由内部时可用 PathValues
	RouteParams func(r *http.Request) map[string]string
}

func (o CaptureOptions) skip(path string) bool {
	for _, p := range o.SkipPaths {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Capture 每个请求恰好产生一条记录：处理函数返回或客户端提前断开，先发生者生效
func Capture(rec Recorder, opts CaptureOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			payload := readPayload(r, opts.MaxBodyBytes)
			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}

			var once sync.Once
			fire := func(aborted bool) {
				once.Do(func() {
					service, changed := metrics.ResolveService(r.URL.Path, opts.DefaultService)
					if changed {
						log.Printf("[Capture] 服务名包含不安全字符，已替换: %q -> %q", r.URL.Path, service)
					}
					rec.Record(service, buildEntry(r, cw, start, payload, opts, aborted))
				})
			}

			finished := make(chan struct{})
			go func() {
				select {
				case <-r.Context().Done():
					fire(true)
				case <-finished:
				}
			}()

			defer func() {
				close(finished)
				if p := recover(); p != nil {
					cw.markPanic()
					fire(false)
					panic(p)
				}
				fire(false)
			}()

			next.ServeHTTP(cw, r)
		})
	}
}

// PathValues 从 Go 1.22 ServeMux 的路由通配符中取参数
func PathValues(names ...string) func(r *http.Request) map[string]string {
	return func(r *http.Request) map[string]string {
		params := make(map[string]string, len(names))
		for _, n := range names {
			if v := r.PathValue(n); v != "" {
				params[n] = v
			}
		}
		return params
	}
}

func buildEntry(r *http.Request, cw *captureWriter, start time.Time, payload any, opts CaptureOptions, aborted bool) models.MetricEntry {
	status, written := cw.snapshot()

	// 断开时处理函数可能仍在修改响应头，只用已写出的字节数
	resSize := written
	if !aborted {
		if n, err := strconv.ParseInt(cw.Header().Get("Content-Length"), 10, 64); err == nil && n > 0 {
			resSize = n
		}
	}

	reqURL := r.RequestURI
	if reqURL == "" {
		reqURL = r.URL.RequestURI()
	}

	params := map[string]string{}
	if opts.RouteParams != nil {
		if p := opts.RouteParams(r); p != nil {
			params = p
		}
	}

	var reqSize int64
	if r.ContentLength > 0 {
		reqSize = r.ContentLength
	}

	now := time.Now()
	return models.MetricEntry{
		ID:           uuid.NewString(),
		Timestamp:    now.UTC(),
		Method:       r.Method,
		URL:          reqURL,
		StatusCode:   status,
		ReqSize:      reqSize,
		ResSize:      resSize,
		ResponseTime: now.Sub(start).Milliseconds(),
		Payload:      payload,
		URLParams:    params,
		QueryParams:  flattenQuery(r.URL.Query()),
		ClientIP:     iputil.GetClientIP(r),
		Aborted:      aborted,
	}
}

// readPayload 读取至多 limit 字节的请求体，并把完整请求体还给处理函数。
// 超过 limit 的请求体不记录。
func readPayload(r *http.Request, limit int64) any {
	if limit <= 0 || r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil || int64(len(buf)) > limit {
		return nil
	}
	return decodePayload(r.Header.Get("Content-Type"), buf)
}

type readCloser struct {
	io.Reader
	io.Closer
}

// decodePayload JSON 原样保留，表单转为键值，其他 UTF-8 文本保存为字符串
func decodePayload(contentType string, body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if json.Valid(body) {
			return json.RawMessage(bytes.Clone(body))
		}
	case mediaType == "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(body)); err == nil {
			return flattenQuery(values)
		}
	}
	if utf8.Valid(body) {
		return string(body)
	}
	return nil
}

// flattenQuery 单值参数为字符串，重复参数为字符串数组
func flattenQuery(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

// captureWriter 记录状态码和写出的字节数；断开检测在另一个 goroutine 中读取，需加锁
type captureWriter struct {
	http.ResponseWriter

	mu          sync.Mutex
	status      int
	written     int64
	wroteHeader bool
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.mu.Lock()
	if !cw.wroteHeader {
		cw.status = code
		cw.wroteHeader = true
	}
	cw.mu.Unlock()
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	n, err := cw.ResponseWriter.Write(b)
	cw.mu.Lock()
	cw.wroteHeader = true
	cw.written += int64(n)
	cw.mu.Unlock()
	return n, err
}

func (cw *captureWriter) snapshot() (int, int64) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.status, cw.written
}

func (cw *captureWriter) markPanic() {
	cw.mu.Lock()
	if !cw.wroteHeader {
		cw.status = http.StatusInternalServerError
	}
	cw.mu.Unlock()
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *captureWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := cw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (cw *captureWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
