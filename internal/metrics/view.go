package metrics

import (
	"strconv"
	"strings"
	"time"

	"metricboard/internal/models"
)

// FilterEntries 日志查看器的过滤规则：状态码子串匹配，方法忽略大小写子串匹配，空条件不过滤
func FilterEntries(entries []models.MetricEntry, status, method string) []models.MetricEntry {
	status = strings.ToLower(strings.TrimSpace(status))
	method = strings.ToLower(strings.TrimSpace(method))
	if status == "" && method == "" {
		return entries
	}

	out := make([]models.MetricEntry, 0, len(entries))
	for _, e := range entries {
		if status != "" && !strings.Contains(strconv.Itoa(e.StatusCode), status) {
			continue
		}
		if method != "" && !strings.Contains(strings.ToLower(e.Method), method) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Paginate 按时间倒序分页，page 从 1 开始，越界时夹到合法范围
func Paginate(entries []models.MetricEntry, page, size int) models.EntryPage {
	if size <= 0 {
		size = 10
	}
	total := len(entries)
	totalPages := (total + size - 1) / size
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * size
	end := start + size
	if end > total {
		end = total
	}

	out := make([]models.MetricEntry, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, entries[total-1-i])
	}

	return models.EntryPage{
		Entries:    out,
		Page:       page,
		PageSize:   size,
		Total:      total,
		TotalPages: totalPages,
		HasPrev:    page > 1,
		HasNext:    end < total,
	}
}

// RequestsPerHour 统计 UTC 日期为 date (YYYY-MM-DD) 的记录在 loc 时区下每小时的请求数
func RequestsPerHour(entries []models.MetricEntry, date string, loc *time.Location) [24]int {
	var buckets [24]int
	if loc == nil {
		loc = time.Local
	}
	for _, e := range entries {
		if e.Timestamp.UTC().Format("2006-01-02") != date {
			continue
		}
		buckets[e.Timestamp.In(loc).Hour()]++
	}
	return buckets
}
