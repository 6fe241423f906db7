package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"metricboard/internal/models"
)

// 流水线失败阶段
const (
	StagePersistence = "persistence"
	StageRender      = "render"
	StageArchive     = "archive"
)

// Collector 将采集到的请求和流水线状态导出为 Prometheus 指标。
// nil Collector 的所有方法都是空操作。
type Collector struct {
	requestsTotal     *prometheus.CounterVec
	responseSeconds   *prometheus.HistogramVec
	payloadBytes      *prometheus.HistogramVec
	abortedTotal      *prometheus.CounterVec
	failuresTotal     *prometheus.CounterVec
	regenerationTotal *prometheus.CounterVec
	regenerationTime  prometheus.Histogram
	queueDepth        prometheus.Gauge
}

// NewCollector 在 reg 上注册指标，测试时传入独立的 prometheus.NewRegistry()
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricboard",
			Subsystem: "capture",
			Name:      "requests_total",
			Help:      "Captured requests by service, method and status code.",
		}, []string{"service", "method", "code"}),

		responseSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "metricboard",
			Subsystem: "capture",
			Name:      "response_seconds",
			Help:      "Response time of captured requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),

		payloadBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "metricboard",
			Subsystem: "capture",
			Name:      "payload_bytes",
			Help:      "Serialized request payload size of captured requests.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}, []string{"service"}),

		abortedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricboard",
			Subsystem: "capture",
			Name:      "aborted_total",
			Help:      "Requests whose client connection closed before the handler finished.",
		}, []string{"service"}),

		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricboard",
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Pipeline failures by stage.",
		}, []string{"stage"}),

		regenerationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricboard",
			Subsystem: "pipeline",
			Name:      "regenerations_total",
			Help:      "Completed report regenerations by service.",
		}, []string{"service"}),

		regenerationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metricboard",
			Subsystem: "pipeline",
			Name:      "regeneration_seconds",
			Help:      "Time spent regenerating the reports of one service.",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5},
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "metricboard",
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Services waiting for report regeneration.",
		}),
	}
}

// ObserveEntry 记录一次采集
func (c *Collector) ObserveEntry(service string, e models.MetricEntry) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(service, e.Method, strconv.Itoa(e.StatusCode)).Inc()
	c.responseSeconds.WithLabelValues(service).Observe(float64(e.ResponseTime) / 1000)
	c.payloadBytes.WithLabelValues(service).Observe(float64(PayloadSize(e)))
	if e.Aborted {
		c.abortedTotal.WithLabelValues(service).Inc()
	}
}

// Failure 记录流水线某阶段的失败
func (c *Collector) Failure(stage string) {
	if c == nil {
		return
	}
	c.failuresTotal.WithLabelValues(stage).Inc()
}

// Regenerated 记录一次报表重建
func (c *Collector) Regenerated(service string, d time.Duration) {
	if c == nil {
		return
	}
	c.regenerationTotal.WithLabelValues(service).Inc()
	c.regenerationTime.Observe(d.Seconds())
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}
