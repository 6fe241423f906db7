package handler

import (
	"encoding/json"
	"html/template"
	"log"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"github.com/patrickmn/go-cache"

	"metricboard/internal/constants"
	"metricboard/internal/metrics"
	"metricboard/internal/models"
	"metricboard/internal/utils"
)

var endpointReportName = regexp.MustCompile(`^\w+` + regexp.QuoteMeta(constants.EndpointReportSuffix) + `$`)

// EntrySource 仪表盘读取日志的来源
type EntrySource interface {
	Services() ([]string, error)
	Entries(service string) (models.MetricLog, error)
}

// DashboardHandler 提供服务列表、摘要、分页日志等 JSON 接口，并托管生成的报表文件。
// 挂载时用 http.StripPrefix 去掉仪表盘前缀。
type DashboardHandler struct {
	source    EntrySource
	root      string
	pageSize  int
	summaries *cache.Cache
	mux       *http.ServeMux
}

func NewDashboardHandler(source EntrySource, root string, pageSize int, ttl time.Duration) *DashboardHandler {
	if pageSize <= 0 {
		pageSize = constants.DefaultPageSize
	}
	h := &DashboardHandler{
		source:    source,
		root:      root,
		pageSize:  pageSize,
		summaries: cache.New(ttl, 2*ttl),
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /{$}", h.index)
	h.mux.HandleFunc("GET /api/services", h.listServices)
	h.mux.HandleFunc("GET /api/services/{service}/summary", h.summary)
	h.mux.HandleFunc("GET /api/services/{service}/entries", h.entries)
	h.mux.HandleFunc("GET /api/services/{service}/hourly", h.hourly)
	h.mux.HandleFunc("GET /reports/{service}/{file}", h.reportFile)
	return h
}

func (h *DashboardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Invalidate 报表重建后清除该服务的摘要缓存
func (h *DashboardHandler) Invalidate(service string) {
	h.summaries.Delete(service)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>MetricBoard</title></head>
<body>
<h1>MetricBoard</h1>
<ul>
{{- range . }}
<li><a href="reports/{{ . }}/report.html">{{ . }}</a></li>
{{- else }}
<li>No services recorded yet.</li>
{{- end }}
</ul>
</body>
</html>
`))

func (h *DashboardHandler) index(w http.ResponseWriter, r *http.Request) {
	services, err := h.source.Services()
	if err != nil {
		log.Printf("[Dashboard] 读取服务列表失败: %v", err)
		http.Error(w, "failed to list services", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, services); err != nil {
		log.Printf("[Dashboard] 渲染首页失败: %v", err)
	}
}

func (h *DashboardHandler) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.source.Services()
	if err != nil {
		log.Printf("[Dashboard] 读取服务列表失败: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list services")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (h *DashboardHandler) summary(w http.ResponseWriter, r *http.Request) {
	service, ok := h.service(w, r)
	if !ok {
		return
	}

	if cached, found := h.summaries.Get(service); found {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	entries, ok := h.load(w, service)
	if !ok {
		return
	}
	s := metrics.Summarize(entries)
	h.summaries.SetDefault(service, s)
	writeJSON(w, http.StatusOK, s)
}

func (h *DashboardHandler) entries(w http.ResponseWriter, r *http.Request) {
	service, ok := h.service(w, r)
	if !ok {
		return
	}
	entries, ok := h.load(w, service)
	if !ok {
		return
	}

	q := r.URL.Query()
	size := utils.ParseInt(q.Get("size"), h.pageSize)
	if size <= 0 || size > constants.MaxPageSize {
		size = h.pageSize
	}
	filtered := metrics.FilterEntries(entries, q.Get("status"), q.Get("method"))
	if endpoint := q.Get("endpoint"); endpoint != "" {
		filtered = metrics.FilterByPrefix(filtered, endpoint)
	}
	writeJSON(w, http.StatusOK, metrics.Paginate(filtered, utils.ParseInt(q.Get("page"), 1), size))
}

func (h *DashboardHandler) hourly(w http.ResponseWriter, r *http.Request) {
	service, ok := h.service(w, r)
	if !ok {
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	entries, ok := h.load(w, service)
	if !ok {
		return
	}
	counts := metrics.RequestsPerHour(entries, date, time.Local)
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "counts": counts})
}

// reportFile 只允许 report.html 与 *_report.html
func (h *DashboardHandler) reportFile(w http.ResponseWriter, r *http.Request) {
	service, ok := h.service(w, r)
	if !ok {
		return
	}
	file := r.PathValue("file")
	if file != constants.ServiceReportFileName && !endpointReportName.MatchString(file) {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeFile(w, r, filepath.Join(h.root, service, file))
}

func (h *DashboardHandler) service(w http.ResponseWriter, r *http.Request) (string, bool) {
	service := r.PathValue("service")
	if err := metrics.CheckServiceName(service); err != nil {
		log.Printf("[Dashboard] %v", err)
		writeError(w, http.StatusBadRequest, "invalid service name")
		return "", false
	}
	return service, true
}

func (h *DashboardHandler) load(w http.ResponseWriter, service string) (models.MetricLog, bool) {
	known, err := h.source.Services()
	if err != nil {
		log.Printf("[Dashboard] 读取服务列表失败: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list services")
		return nil, false
	}
	found := false
	for _, s := range known {
		if s == service {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown service")
		return nil, false
	}

	entries, err := h.source.Entries(service)
	if err != nil {
		log.Printf("[Dashboard] 读取服务 %s 日志失败: %v", service, err)
		writeError(w, http.StatusInternalServerError, "failed to read metrics log")
		return nil, false
	}
	return entries, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Dashboard] 编码响应失败: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
