package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricboard/internal/metrics"
	"metricboard/internal/models"
)

var dataBlock = regexp.MustCompile(`(?s)<script id="metricboard-data" type="application/json">(.*?)</script>`)

func newTestRenderer(t *testing.T) (*Renderer, string) {
	t.Helper()
	root := t.TempDir()
	r, err := NewRenderer(root, 10)
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC) }
	return r, root
}

func extractData(t *testing.T, doc []byte) models.ReportData {
	t.Helper()
	m := dataBlock.FindSubmatch(doc)
	require.NotNil(t, m, "报表中缺少数据块")
	var data models.ReportData
	require.NoError(t, json.Unmarshal(m[1], &data))
	return data
}

func sampleLog() models.MetricLog {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	return models.MetricLog{
		{ID: "1", Timestamp: ts, Method: "GET", URL: "/shop/api/v1/items/1", StatusCode: 200, ResponseTime: 10},
		{ID: "2", Timestamp: ts, Method: "POST", URL: "/shop/api/v1/items", StatusCode: 201, ResponseTime: 30,
			Payload: map[string]any{"name": "</script><script>alert(1)</script>"}},
		{ID: "3", Timestamp: ts, Method: "GET", URL: "/shop/api/v2/carts/9", StatusCode: 404, ResponseTime: 20},
	}
}

func TestRenderServiceReport(t *testing.T) {
	r, root := newTestRenderer(t)
	entries := sampleLog()

	require.NoError(t, r.RenderServiceReport("shop", entries, metrics.Summarize(entries)))

	doc, err := os.ReadFile(filepath.Join(root, "shop", "report.html"))
	require.NoError(t, err)
	html := string(doc)

	assert.Contains(t, html, "<title>MetricBoard - shop</title>")
	assert.Contains(t, html, "MetricBoard For shop : 3 Requests")
	assert.Contains(t, html, `<td>30 ms</td>`)
	assert.Contains(t, html, `<td>20 ms</td>`)
	assert.Contains(t, html, `id="datePicker" value="2024-03-01"`)
	assert.Contains(t, html, `href="_shop_api_v1_items__report.html"`)
	assert.Contains(t, html, "https://cdn.jsdelivr.net/npm/chart.js")
	assert.Contains(t, html, "function requestsPerHour")
	assert.NotContains(t, html, "<script>alert(1)</script>", "用户数据只能以转义形式出现在数据块中")
	assert.Equal(t, 3, strings.Count(html, "<script"))

	data := extractData(t, doc)
	assert.Equal(t, KindService, data.Kind)
	assert.Equal(t, 10, data.PageSize)
	assert.Len(t, data.Entries, 3)
	assert.Equal(t, []string{"GET", "POST"}, data.Methods.Labels)
	assert.Equal(t, []int{2, 1}, data.Methods.Data)
	assert.Equal(t, []string{"200", "201", "404"}, data.Statuses.Labels)
	assert.Equal(t, []string{"/shop/api/v1/items/", "/shop/api/v2/carts/"}, data.Summary.Endpoints)
}

func TestRenderEndpointReportScopesEntries(t *testing.T) {
	r, root := newTestRenderer(t)

	require.NoError(t, r.RenderEndpointReport("/shop/api/v1/items/", sampleLog(), "shop"))

	path := filepath.Join(root, "shop", "_shop_api_v1_items__report.html")
	assert.Equal(t, path, r.EndpointReportPath("shop", "/shop/api/v1/items/"))

	doc, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "Endpoint Metric Report: /shop/api/v1/items/ - shop : 2 Requests")
	assert.NotContains(t, string(doc), `id="datePicker"`)

	data := extractData(t, doc)
	assert.Equal(t, KindEndpoint, data.Kind)
	assert.Equal(t, "/shop/api/v1/items/", data.Endpoint)
	require.Len(t, data.Entries, 2)
	assert.Equal(t, 2, data.Summary.TotalAPICalls)
	assert.Equal(t, int64(30), data.Summary.SlowestResponse)
	assert.Equal(t, map[string]int{"GET": 1, "POST": 1}, data.Summary.MethodCounts)
}

func TestRenderEmptyLogShowsNotAvailable(t *testing.T) {
	r, root := newTestRenderer(t)

	require.NoError(t, r.RenderServiceReport("idle", nil, metrics.Summarize(nil)))

	doc, err := os.ReadFile(filepath.Join(root, "idle", "report.html"))
	require.NoError(t, err)
	assert.Contains(t, string(doc), "MetricBoard For idle : 0 Requests")
	assert.Contains(t, string(doc), "<tr><th>Slowest Response</th><td>n/a</td></tr>")
	assert.Contains(t, string(doc), "0.00 bytes")

	data := extractData(t, doc)
	assert.True(t, data.Summary.Empty)
	assert.NotNil(t, data.Entries)
	assert.Empty(t, data.Entries)
}

func TestRenderOverwritesAtomically(t *testing.T) {
	r, root := newTestRenderer(t)
	entries := sampleLog()

	require.NoError(t, r.RenderServiceReport("shop", entries[:1], metrics.Summarize(entries[:1])))
	require.NoError(t, r.RenderServiceReport("shop", entries, metrics.Summarize(entries)))

	files, err := os.ReadDir(filepath.Join(root, "shop"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	doc, err := os.ReadFile(filepath.Join(root, "shop", "report.html"))
	require.NoError(t, err)
	assert.Contains(t, string(doc), ": 3 Requests")
}

func TestFormatMillis(t *testing.T) {
	assert.Equal(t, "25", formatMillis(25))
	assert.Equal(t, "2.50", formatMillis(2.5))
}
