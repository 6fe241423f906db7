package metrics

import (
	"log"
	"sort"
	"strconv"

	"github.com/caio/go-tdigest/v4"

	"metricboard/internal/models"
	"metricboard/internal/utils"
)

// Summarize 对一组记录做聚合；空集合时数值字段为 0 且 Empty=true
func Summarize(entries []models.MetricEntry) models.Summary {
	s := models.Summary{
		TotalAPICalls: len(entries),
		MethodCounts:  make(map[string]int),
		StatusCounts:  make(map[int]int),
		Endpoints:     EndpointPrefixes(entries),
		Empty:         len(entries) == 0,
	}
	if s.Empty {
		return s
	}

	times := make([]int64, 0, len(entries))
	sizes := make([]float64, 0, len(entries))
	for _, e := range entries {
		s.MethodCounts[e.Method]++
		s.StatusCounts[e.StatusCode]++
		times = append(times, e.ResponseTime)
		sizes = append(sizes, float64(PayloadSize(e)))
	}

	s.SlowestResponse, s.FastestResponse = times[0], times[0]
	for _, v := range times[1:] {
		if v > s.SlowestResponse {
			s.SlowestResponse = v
		}
		if v < s.FastestResponse {
			s.FastestResponse = v
		}
	}
	s.MedianResponse, _ = Median(times)
	s.P95Response, s.P99Response = percentiles(times)
	s.AvgPayloadSize = Average(sizes)
	return s
}

// Median 排序后取中位数，偶数个时取中间两个的平均值；空输入返回 false
func Median(values []int64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return float64(sorted[mid-1]+sorted[mid]) / 2, true
	}
	return float64(sorted[mid]), true
}

// Average 算术平均，空输入返回 0
func Average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PayloadSize 请求体紧凑 JSON 序列化后的字节数，无请求体时为 0
func PayloadSize(e models.MetricEntry) int {
	if e.Payload == nil {
		return 0
	}
	data, err := utils.CompactJSON(e.Payload)
	if err != nil {
		return 0
	}
	return len(data)
}

// EndpointPrefixes 记录中出现过的端点前缀，去重并排序
func EndpointPrefixes(entries []models.MetricEntry) []string {
	seen := make(map[string]struct{})
	prefixes := make([]string, 0)
	for _, e := range entries {
		p, ok := EndpointPrefix(e.URL)
		if !ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}

// FilterByPrefix 端点报表使用的记录子集，保持原有顺序
func FilterByPrefix(entries []models.MetricEntry, prefix string) []models.MetricEntry {
	out := make([]models.MetricEntry, 0)
	for _, e := range entries {
		if MatchesPrefix(e.URL, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// MethodSeries 方法分布饼图数据
func MethodSeries(s models.Summary) models.ChartSeries {
	labels := make([]string, 0, len(s.MethodCounts))
	for m := range s.MethodCounts {
		labels = append(labels, m)
	}
	sort.Strings(labels)

	series := models.ChartSeries{Labels: labels, Data: make([]int, len(labels))}
	for i, m := range labels {
		series.Data[i] = s.MethodCounts[m]
	}
	return series
}

// StatusSeries 状态码分布饼图数据，按状态码升序
func StatusSeries(s models.Summary) models.ChartSeries {
	codes := make([]int, 0, len(s.StatusCounts))
	for c := range s.StatusCounts {
		codes = append(codes, c)
	}
	sort.Ints(codes)

	series := models.ChartSeries{Labels: make([]string, len(codes)), Data: make([]int, len(codes))}
	for i, c := range codes {
		series.Labels[i] = strconv.Itoa(c)
		series.Data[i] = s.StatusCounts[c]
	}
	return series
}

func percentiles(times []int64) (p95, p99 float64) {
	td, err := tdigest.New()
	if err != nil {
		log.Printf("[Aggregator] 创建 t-digest 失败: %v", err)
		return 0, 0
	}
	for _, v := range times {
		if err := td.Add(float64(v)); err != nil {
			log.Printf("[Aggregator] t-digest 添加样本失败: %v", err)
			return 0, 0
		}
	}
	return td.Quantile(0.95), td.Quantile(0.99)
}
