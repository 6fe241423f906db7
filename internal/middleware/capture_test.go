package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricboard/internal/models"
)

type recorded struct {
	service string
	entry   models.MetricEntry
}

type fakeRecorder struct {
	mu   sync.Mutex
	got  []recorded
	done chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{done: make(chan struct{}, 16)}
}

func (f *fakeRecorder) Record(service string, e models.MetricEntry) {
	f.mu.Lock()
	f.got = append(f.got, recorded{service, e})
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeRecorder) all() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.got...)
}

func TestCaptureRecordsOncePerRequest(t *testing.T) {
	rec := newFakeRecorder()
	mux := http.NewServeMux()
	capture := Capture(rec, CaptureOptions{
		MaxBodyBytes: 1024,
		RouteParams:  PathValues("id"),
	})

	var seenBody string
	mux.Handle("POST /orders/{id}/items", capture(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	})))

	body := `{"sku":"A-1","qty":2}`
	req := httptest.NewRequest(http.MethodPost, "/orders/42/items?tag=a&tag=b&src=web", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Real-IP", "8.8.8.8")
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	assert.Equal(t, body, seenBody, "处理函数仍能读到完整请求体")
	got := rec.all()
	require.Len(t, got, 1)

	r := got[0]
	assert.Equal(t, "orders", r.service)
	e := r.entry
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "POST", e.Method)
	assert.Equal(t, "/orders/42/items?tag=a&tag=b&src=web", e.URL)
	assert.Equal(t, http.StatusCreated, e.StatusCode)
	assert.Equal(t, int64(len(body)), e.ReqSize)
	assert.Equal(t, int64(len(`{"ok":true}`)), e.ResSize)
	assert.Equal(t, map[string]string{"id": "42"}, e.URLParams)
	assert.Equal(t, "web", e.QueryParams["src"])
	assert.Equal(t, []string{"a", "b"}, e.QueryParams["tag"])
	assert.Equal(t, "8.8.8.8", e.ClientIP)
	assert.False(t, e.Aborted)

	raw, err := json.Marshal(e.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(raw))
}

func TestCaptureDefaultsAndContentLength(t *testing.T) {
	rec := newFakeRecorder()
	h := Capture(rec, CaptureOptions{DefaultService: "root_svc"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		io.WriteString(w, "hello")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "root_svc", got[0].service)
	assert.Equal(t, http.StatusOK, got[0].entry.StatusCode)
	assert.Equal(t, int64(5), got[0].entry.ResSize)
	assert.Zero(t, got[0].entry.ReqSize)
	assert.Nil(t, got[0].entry.Payload)
	assert.NotNil(t, got[0].entry.URLParams)
}

func TestCaptureSkipPaths(t *testing.T) {
	rec := newFakeRecorder()
	h := Capture(rec, CaptureOptions{SkipPaths: []string{"/metricboard"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metricboard/api/services", nil))
	assert.Empty(t, rec.all())
}

func TestCaptureClientDisconnect(t *testing.T) {
	rec := newFakeRecorder()
	release := make(chan struct{})
	h := Capture(rec, CaptureOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusTeapot)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/slow/op", nil).WithContext(ctx)

	served := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), req)
		close(served)
	}()

	cancel()
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("断开后应立即生成记录")
	}

	close(release)
	<-served

	got := rec.all()
	require.Len(t, got, 1, "处理函数结束后不应再次记录")
	assert.True(t, got[0].entry.Aborted)
	assert.Equal(t, "slow", got[0].service)
}

func TestCapturePanicStillRecorded(t *testing.T) {
	rec := newFakeRecorder()
	h := Capture(rec, CaptureOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/svc/1", nil))
	})
	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, http.StatusInternalServerError, got[0].entry.StatusCode)
}

func TestCaptureOversizedBodyNotRecorded(t *testing.T) {
	rec := newFakeRecorder()
	var seen int
	h := Capture(rec, CaptureOptions{MaxBodyBytes: 4})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = len(b)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/svc/1", strings.NewReader("0123456789")))

	assert.Equal(t, 10, seen)
	got := rec.all()
	require.Len(t, got, 1)
	assert.Nil(t, got[0].entry.Payload)
	assert.Equal(t, int64(10), got[0].entry.ReqSize)
}

func TestDecodePayload(t *testing.T) {
	assert.Nil(t, decodePayload("application/json", []byte("  ")))
	assert.Equal(t, json.RawMessage(`[1,2]`), decodePayload("application/json; charset=utf-8", []byte(`[1,2]`)))
	assert.Equal(t, map[string]any{"a": "1", "b": []string{"2", "3"}},
		decodePayload("application/x-www-form-urlencoded", []byte("a=1&b=2&b=3")))
	assert.Equal(t, "plain text", decodePayload("text/plain", []byte("plain text")))
	assert.Equal(t, "{broken", decodePayload("application/json", []byte("{broken")))
	assert.Nil(t, decodePayload("application/octet-stream", []byte{0xff, 0xfe}))
}
