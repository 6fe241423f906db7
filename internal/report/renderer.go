package report

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"math"
	"path/filepath"
	"time"

	"github.com/Masterminds/sprig"

	"metricboard/internal/constants"
	merrors "metricboard/internal/errors"
	"metricboard/internal/metrics"
	"metricboard/internal/models"
	"metricboard/internal/utils"
)

const (
	KindService  = "service"
	KindEndpoint = "endpoint"
)

//go:embed templates/report.html.tmpl assets/report.js assets/report.css
var assets embed.FS

// Renderer 生成自包含的 HTML 报表：内联样式、脚本，以及 id 为 metricboard-data 的 JSON 数据块
type Renderer struct {
	root     string
	pageSize int
	tmpl     *template.Template
	script   template.JS
	style    template.CSS
	now      func() time.Time
}

type page struct {
	Title    string
	Data     models.ReportData
	DataJSON template.JS
	Script   template.JS
	Style    template.CSS
}

// NewRenderer 报表写入 root/<service>/ 下
func NewRenderer(root string, pageSize int) (*Renderer, error) {
	if pageSize <= 0 {
		pageSize = constants.DefaultPageSize
	}

	funcs := sprig.HtmlFuncMap()
	funcs["slug"] = metrics.EndpointSlug
	funcs["ms"] = formatMillis

	tmpl, err := template.New("report.html.tmpl").Funcs(funcs).ParseFS(assets, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("解析报表模板失败: %w", err)
	}
	script, err := assets.ReadFile("assets/report.js")
	if err != nil {
		return nil, err
	}
	style, err := assets.ReadFile("assets/report.css")
	if err != nil {
		return nil, err
	}

	return &Renderer{
		root:     root,
		pageSize: pageSize,
		tmpl:     tmpl,
		script:   template.JS(script),
		style:    template.CSS(style),
		now:      time.Now,
	}, nil
}

// ServiceReportPath 服务报表路径
func (r *Renderer) ServiceReportPath(service string) string {
	return filepath.Join(r.root, service, constants.ServiceReportFileName)
}

// EndpointReportPath 端点报表路径，文件名由前缀的 slug 决定
func (r *Renderer) EndpointReportPath(service, prefix string) string {
	return filepath.Join(r.root, service, metrics.EndpointSlug(prefix)+constants.EndpointReportSuffix)
}

// ServiceReportData 服务报表的数据
func (r *Renderer) ServiceReportData(service string, entries models.MetricLog, summary models.Summary) models.ReportData {
	return r.reportData(KindService, service, "", entries, summary)
}

// EndpointReportData 端点报表的数据，只包含 URL 以 prefix 开头的记录，摘要单独计算
func (r *Renderer) EndpointReportData(prefix string, entries models.MetricLog, service string) models.ReportData {
	scoped := metrics.FilterByPrefix(entries, prefix)
	return r.reportData(KindEndpoint, service, prefix, scoped, metrics.Summarize(scoped))
}

func (r *Renderer) reportData(kind, service, endpoint string, entries []models.MetricEntry, summary models.Summary) models.ReportData {
	now := r.now()
	if entries == nil {
		entries = []models.MetricEntry{}
	}
	return models.ReportData{
		Kind:        kind,
		Service:     service,
		Endpoint:    endpoint,
		GeneratedAt: now,
		Today:       now.UTC().Format("2006-01-02"),
		PageSize:    r.pageSize,
		Summary:     summary,
		Methods:     metrics.MethodSeries(summary),
		Statuses:    metrics.StatusSeries(summary),
		Entries:     entries,
	}
}

// Render 把数据渲染成完整的 HTML 文档
func (r *Renderer) Render(data models.ReportData) ([]byte, error) {
	// json.Marshal 会转义 < > &，数据块中不会出现 </script>
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, merrors.New(merrors.ErrRender, "序列化报表数据失败", err)
	}

	title := "MetricBoard - " + data.Service
	if data.Kind == KindEndpoint {
		title = "MetricBoard - " + data.Service + " " + data.Endpoint
	}

	var buf bytes.Buffer
	err = r.tmpl.Execute(&buf, page{
		Title:    title,
		Data:     data,
		DataJSON: template.JS(raw),
		Script:   r.script,
		Style:    r.style,
	})
	if err != nil {
		return nil, merrors.New(merrors.ErrRender, "渲染报表模板失败", err)
	}
	return buf.Bytes(), nil
}

// RenderServiceReport 生成并写入 <root>/<service>/report.html
func (r *Renderer) RenderServiceReport(service string, entries models.MetricLog, summary models.Summary) error {
	return r.write(r.ServiceReportPath(service), r.ServiceReportData(service, entries, summary))
}

// RenderEndpointReport 生成并写入 <root>/<service>/<slug>_report.html
func (r *Renderer) RenderEndpointReport(prefix string, entries models.MetricLog, service string) error {
	return r.write(r.EndpointReportPath(service, prefix), r.EndpointReportData(prefix, entries, service))
}

func (r *Renderer) write(path string, data models.ReportData) error {
	doc, err := r.Render(data)
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(path, doc, 0644); err != nil {
		log.Printf("[Renderer] 写入报表失败 %s: %v", path, err)
		return merrors.New(merrors.ErrRender, "写入报表失败", err)
	}
	return nil
}

func formatMillis(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}
