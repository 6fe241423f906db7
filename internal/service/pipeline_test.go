package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricboard/internal/metrics"
	"metricboard/internal/middleware"
	"metricboard/internal/models"
	"metricboard/internal/report"
	"metricboard/internal/storage"
)

type fakeArchive struct {
	mu      sync.Mutex
	entries map[string]int
	err     error
}

func (f *fakeArchive) Insert(_ context.Context, service string, _ models.MetricEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.entries == nil {
		f.entries = make(map[string]int)
	}
	f.entries[service]++
	return nil
}

func newPipeline(t *testing.T, mode string, opts Options, archive Archiver) (*Pipeline, string) {
	t.Helper()
	root := t.TempDir()
	renderer, err := report.NewRenderer(root, 10)
	require.NoError(t, err)
	p := NewPipeline(storage.NewLogStore(root, mode), renderer, archive,
		metrics.NewCollector(prometheus.NewRegistry()), opts)
	return p, root
}

func entryFor(url string, status int) models.MetricEntry {
	return models.MetricEntry{
		Timestamp:    time.Now().UTC(),
		Method:       "GET",
		URL:          url,
		StatusCode:   status,
		ResponseTime: 5,
	}
}

func TestSyncRecordWritesAllReports(t *testing.T) {
	archive := &fakeArchive{}
	p, root := newPipeline(t, storage.ModeRewrite, Options{}, archive)

	p.Record("shop", entryFor("/shop/api/v1/items/1", 200))
	p.Record("shop", entryFor("/shop/api/v2/carts/1", 404))
	p.Record("shop", entryFor("/shop/health", 200))

	for _, name := range []string{"metrics.json", "report.html", "_shop_api_v1_items__report.html", "_shop_api_v2_carts__report.html"} {
		_, err := os.Stat(filepath.Join(root, "shop", name))
		assert.NoError(t, err, name)
	}
	assert.Equal(t, 3, archive.entries["shop"])
	require.NoError(t, p.Close(context.Background()))
}

func TestAsyncFlushAndCoalescing(t *testing.T) {
	p, root := newPipeline(t, storage.ModeJournal, Options{Async: true, Workers: 2, QueueSize: 8}, nil)

	var mu sync.Mutex
	regenerated := map[string]int{}
	p.Subscribe(func(service string) {
		mu.Lock()
		regenerated[service]++
		mu.Unlock()
	})

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := []string{"orders", "users"}[i%2]
			p.Record(svc, entryFor(fmt.Sprintf("/%s/%d", svc, i), 200))
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))

	mu.Lock()
	assert.GreaterOrEqual(t, regenerated["orders"], 1)
	assert.LessOrEqual(t, regenerated["orders"]+regenerated["users"], n)
	mu.Unlock()

	entries, err := p.store.Entries("orders")
	require.NoError(t, err)
	assert.Len(t, entries, n/2)

	require.NoError(t, p.Close(ctx))

	// Close 之后 metrics.json 包含全部记录
	reopened := storage.NewLogStore(root, storage.ModeJournal)
	users, err := reopened.Entries("users")
	require.NoError(t, err)
	assert.Len(t, users, n/2)
}

func TestReportReflectsLatestEntryAfterFlush(t *testing.T) {
	p, root := newPipeline(t, storage.ModeJournal, Options{Async: true, Workers: 1, QueueSize: 1}, nil)

	for i := 0; i < 10; i++ {
		p.Record("svc", entryFor(fmt.Sprintf("/svc/%d", i), 200))
	}
	require.NoError(t, p.Flush(context.Background()))

	doc, err := os.ReadFile(filepath.Join(root, "svc", "report.html"))
	require.NoError(t, err)
	assert.Contains(t, string(doc), "MetricBoard For svc : 10 Requests")
	require.NoError(t, p.Close(context.Background()))
}

func TestArchiveFailureDoesNotStopReports(t *testing.T) {
	p, root := newPipeline(t, storage.ModeRewrite, Options{}, &fakeArchive{err: errors.New("disk full")})

	p.Record("svc", entryFor("/svc/x", 500))

	_, err := os.Stat(filepath.Join(root, "svc", "report.html"))
	assert.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
}

func TestUnreadableLogSkipsRegeneration(t *testing.T) {
	p, root := newPipeline(t, storage.ModeRewrite, Options{}, nil)
	dir := filepath.Join(root, "svc")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metrics.json"), []byte("[{"), 0644))

	p.Record("svc", entryFor("/svc/x", 200))

	_, err := os.Stat(filepath.Join(dir, "report.html"))
	assert.True(t, os.IsNotExist(err))
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	p, root := newPipeline(t, storage.ModeJournal, Options{Async: true}, nil)
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Close(context.Background()), ErrClosed)

	p.Record("late", entryFor("/late", 200))
	_, err := os.Stat(filepath.Join(root, "late"))
	assert.True(t, os.IsNotExist(err))
}

func TestFlushHonorsContext(t *testing.T) {
	p, _ := newPipeline(t, storage.ModeJournal, Options{Async: true}, nil)
	before := runtime.NumGoroutine()

	p.mu.Lock()
	p.inflight++ // 模拟一个长时间未完成的重建
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Flush(ctx), context.DeadlineExceeded)

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.ErrorIs(t, p.Flush(canceled), context.Canceled)

	// 超时返回后不应有 goroutine 继续等在条件变量上
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before)

	p.mu.Lock()
	p.inflight--
	p.cond.Broadcast()
	p.mu.Unlock()

	require.NoError(t, p.Flush(context.Background()))
	require.NoError(t, p.Close(context.Background()))
}

func TestCloseWaitsForInFlightRecords(t *testing.T) {
	p, root := newPipeline(t, storage.ModeJournal, Options{Async: true, Workers: 2, QueueSize: 4}, nil)

	const writers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; i < 50; i++ {
				p.Record("svc", entryFor(fmt.Sprintf("/svc/%d/%d", w, i), 200))
			}
		}(w)
	}

	close(start)
	time.Sleep(time.Millisecond)
	require.NoError(t, p.Close(context.Background()))
	wg.Wait()

	// Close 之后没有写入再到达存储：journal 为空，metrics.json 包含全部已接收的记录
	info, err := os.Stat(filepath.Join(root, "svc", "metrics.journal"))
	if err == nil {
		assert.Zero(t, info.Size())
	} else {
		assert.True(t, os.IsNotExist(err))
	}

	if _, err := os.Stat(filepath.Join(root, "svc", "metrics.json")); err == nil {
		reopened := storage.NewLogStore(root, storage.ModeJournal)
		entries, err := reopened.Entries("svc")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(entries), writers*50)
	}
}

func TestSinglePostThroughCapture(t *testing.T) {
	p, root := newPipeline(t, storage.ModeRewrite, Options{}, nil)
	handler := middleware.Capture(p, middleware.CaptureOptions{MaxBodyBytes: 1024})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))

	body := `{"item":"` + strings.Repeat("x", 39) + `"}`
	require.Len(t, body, 50)
	req := httptest.NewRequest(http.MethodPost, "/shop/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries, err := p.store.Entries("shop")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	s := metrics.Summarize(entries)
	assert.Equal(t, 1, s.TotalAPICalls)
	assert.Equal(t, map[string]int{"POST": 1}, s.MethodCounts)
	assert.Equal(t, s.SlowestResponse, s.FastestResponse)
	assert.Equal(t, float64(s.SlowestResponse), s.MedianResponse)
	assert.Equal(t, 50.0, s.AvgPayloadSize)

	doc, err := os.ReadFile(filepath.Join(root, "shop", "report.html"))
	require.NoError(t, err)
	assert.Contains(t, string(doc), "MetricBoard For shop : 1 Requests")
	require.NoError(t, p.Close(context.Background()))
}

func TestInterleavedServicesStayIsolated(t *testing.T) {
	p, root := newPipeline(t, storage.ModeRewrite, Options{}, nil)
	handler := middleware.Capture(p, middleware.CaptureOptions{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	var wantOrders, wantUsers []string
	for i := 0; i < 6; i++ {
		o := fmt.Sprintf("/orders/api/v1/items/%d", i)
		u := fmt.Sprintf("/users/api/v1/profiles/%d", i)
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, o, nil))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, u, nil))
		wantOrders = append(wantOrders, o)
		wantUsers = append(wantUsers, u)
	}
	require.NoError(t, p.Close(context.Background()))

	reopened := storage.NewLogStore(root, storage.ModeRewrite)
	for svc, want := range map[string][]string{"orders": wantOrders, "users": wantUsers} {
		entries, err := reopened.Entries(svc)
		require.NoError(t, err)
		var got []string
		for _, e := range entries {
			got = append(got, e.URL)
		}
		assert.Equal(t, want, got, svc)
	}

	_, err := os.Stat(filepath.Join(root, "orders", "_orders_api_v1_items__report.html"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "orders", "_users_api_v1_profiles__report.html"))
	assert.True(t, os.IsNotExist(err))
}

func TestCapturedEntriesKeepArrivalOrder(t *testing.T) {
	p, root := newPipeline(t, storage.ModeJournal, Options{}, nil)
	handler := middleware.Capture(p, middleware.CaptureOptions{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))

	const n = 25
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/orders/%d?page=%d", i, i), nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.NoError(t, p.Close(context.Background()))

	entries, err := storage.NewLogStore(root, storage.ModeJournal).Entries("orders")
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("/orders/%d?page=%d", i, i), e.URL)
	}
}
