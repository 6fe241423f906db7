package config

import "time"

type Config struct {
	Storage     StorageConfig     `json:"Storage"`     // 日志存储配置
	Pipeline    PipelineConfig    `json:"Pipeline"`    // 报表生成流水线
	Capture     CaptureConfig     `json:"Capture"`     // 请求采集
	Archive     ArchiveConfig     `json:"Archive"`     // SQLite 归档
	Dashboard   DashboardConfig   `json:"Dashboard"`   // 仪表盘接口
	Server      ServerConfig      `json:"Server"`      // 演示服务
	Compression CompressionConfig `json:"Compression"` // 仪表盘响应压缩
}

// StorageConfig 指标目录与持久化方式
type StorageConfig struct {
	MetricsDir     string `json:"MetricsDir"`     // 指标根目录
	DefaultService string `json:"DefaultService"` // 无路径段时的服务名
	Mode           string `json:"Mode"`           // journal 或 rewrite
}

type PipelineConfig struct {
	Async       bool `json:"Async"`       // 是否异步生成报表
	Workers     int  `json:"Workers"`     // 异步 worker 数量
	QueueSize   int  `json:"QueueSize"`   // 待生成服务队列长度
	Concurrency int  `json:"Concurrency"` // 单个服务内端点报表并发数
	PageSize    int  `json:"PageSize"`    // 日志查看器每页条数
}

type CaptureConfig struct {
	MaxBodyBytes int64    `json:"MaxBodyBytes"` // 记录请求体的最大字节数
	SkipPaths    []string `json:"SkipPaths"`    // 不采集的路径前缀
}

type ArchiveConfig struct {
	Enabled       bool   `json:"Enabled"`
	Path          string `json:"Path"`
	RetentionDays int    `json:"RetentionDays"`
}

type DashboardConfig struct {
	Enabled         bool   `json:"Enabled"`
	Prefix          string `json:"Prefix"`
	SummaryCacheTTL int    `json:"SummaryCacheTTL"` // 秒
}

type ServerConfig struct {
	Addr      string `json:"Addr"`
	MaxConns  int    `json:"MaxConns"`  // 0 表示不限制
	FiberAddr string `json:"FiberAddr"` // Fiber 演示服务地址，为空时不启动
}

type CompressionConfig struct {
	Gzip   CompressorConfig `json:"Gzip"`
	Brotli CompressorConfig `json:"Brotli"`
}

type CompressorConfig struct {
	Enabled bool `json:"Enabled"`
	Level   int  `json:"Level"`
}

// Retention 归档保留时长
func (a ArchiveConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// CacheTTL 摘要缓存时长
func (d DashboardConfig) CacheTTL() time.Duration {
	if d.SummaryCacheTTL <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.SummaryCacheTTL) * time.Second
}
