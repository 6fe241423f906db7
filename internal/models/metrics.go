package models

import (
	"time"
)

// MetricEntry 单次请求的采集记录，写入后不再修改
type MetricEntry struct {
	ID           string            `json:"id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	StatusCode   int               `json:"statusCode"`
	ReqSize      int64             `json:"reqSize"`
	ResSize      int64             `json:"resSize"`
	ResponseTime int64             `json:"responseTime"` // 毫秒
	Payload      any               `json:"payload,omitempty"`
	URLParams    map[string]string `json:"urlParams"`
	QueryParams  map[string]any    `json:"queryParams"`
	ClientIP     string            `json:"clientIp,omitempty"`
	Aborted      bool              `json:"aborted,omitempty"`
}

// MetricLog 某个服务按采集顺序排列的全部记录
type MetricLog []MetricEntry

// Summary 一组记录的聚合结果
type Summary struct {
	TotalAPICalls   int            `json:"totalApiCalls"`
	MethodCounts    map[string]int `json:"methodCounts"`
	StatusCounts    map[int]int    `json:"statusCounts"`
	SlowestResponse int64          `json:"slowestResponse"`
	FastestResponse int64          `json:"fastestResponse"`
	MedianResponse  float64        `json:"medianResponse"`
	P95Response     float64        `json:"p95Response"`
	P99Response     float64        `json:"p99Response"`
	AvgPayloadSize  float64        `json:"avgPayloadSize"`
	Endpoints       []string       `json:"endpoints"`
	Empty           bool           `json:"empty"` // 无记录时响应时间统计无意义
}

// ChartSeries 饼图数据，标签已排序
type ChartSeries struct {
	Labels []string `json:"labels"`
	Data   []int    `json:"data"`
}

// ReportData 嵌入报表页面、同时由仪表盘接口返回的数据
type ReportData struct {
	Kind        string        `json:"kind"` // service 或 endpoint
	Service     string        `json:"service"`
	Endpoint    string        `json:"endpoint,omitempty"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Today       string        `json:"today"`
	PageSize    int           `json:"pageSize"`
	Summary     Summary       `json:"summary"`
	Methods     ChartSeries   `json:"methods"`
	Statuses    ChartSeries   `json:"statuses"`
	Entries     []MetricEntry `json:"entries"`
}

// EntryPage 日志查看器的一页数据，按时间倒序
type EntryPage struct {
	Entries    []MetricEntry `json:"entries"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	Total      int           `json:"total"`
	TotalPages int           `json:"totalPages"`
	HasPrev    bool          `json:"hasPrev"`
	HasNext    bool          `json:"hasNext"`
}
