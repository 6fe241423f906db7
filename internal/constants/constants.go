package constants

import "time"

// 指标目录中的文件名
const (
	LogFileName           = "metrics.json"
	JournalFileName       = "metrics.journal"
	ServiceReportFileName = "report.html"
	EndpointReportSuffix  = "_report.html"
	TempFileSuffix        = ".tmp"
)

const (
	DefaultServiceName = "default_service"

	// 端点前缀取 URL 的前四个路径段
	EndpointSegments = 4
)

var (
	// 日志查看器默认每页条数
	DefaultPageSize = 10

	// 异步生成相关
	DefaultWorkers     = 2
	DefaultQueueSize   = 64
	DefaultConcurrency = 4

	// 关闭时等待报表生成的最长时间
	ShutdownTimeout = 10 * time.Second

	// 归档清理间隔
	ArchiveCleanupInterval = 24 * time.Hour

	// 仪表盘分页查询的最大页长
	MaxPageSize = 200

	KB int64 = 1024
	MB int64 = 1024 * KB
)
