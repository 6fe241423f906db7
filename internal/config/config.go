package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"metricboard/internal/constants"
	merrors "metricboard/internal/errors"
)

const (
	ModeJournal = "journal"
	ModeRewrite = "rewrite"
)

var (
	configCallbacks []func(*Config)
	callbackMutex   sync.RWMutex
)

type ConfigManager struct {
	config     atomic.Value
	configPath string
	mu         sync.RWMutex
}

func NewConfigManager(configPath string) (*ConfigManager, error) {
	cm := &ConfigManager{
		configPath: configPath,
	}

	config, err := cm.loadConfigFromFile()
	if err != nil {
		return nil, err
	}

	cm.config.Store(config)
	log.Printf("[ConfigManager] 配置已加载: %s", configPath)

	return cm, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			MetricsDir:     "data/metrics",
			DefaultService: "default_service",
			Mode:           ModeJournal,
		},
		Pipeline: PipelineConfig{
			Async:       true,
			Workers:     2,
			QueueSize:   64,
			Concurrency: 4,
			PageSize:    10,
		},
		Capture: CaptureConfig{
			MaxBodyBytes: 64 * 1024,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Path:          "data/metrics/archive.db",
			RetentionDays: 30,
		},
		Dashboard: DashboardConfig{
			Enabled:         true,
			Prefix:          "/metricboard",
			SummaryCacheTTL: 30,
		},
		Server: ServerConfig{
			Addr:     ":3336",
			MaxConns: 1024,
		},
		Compression: CompressionConfig{
			Gzip: CompressorConfig{
				Enabled: true,
				Level:   6,
			},
			Brotli: CompressorConfig{
				Enabled: true,
				Level:   6,
			},
		},
	}
}

// loadConfigFromFile 从文件加载配置，文件不存在时写入默认配置
func (cm *ConfigManager) loadConfigFromFile() (*Config, error) {
	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			if createErr := cm.createDefaultConfig(); createErr == nil {
				return cm.loadConfigFromFile()
			} else {
				return nil, createErr
			}
		}
		return nil, err
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, merrors.New(merrors.ErrInvalidConfig, "解析配置文件失败", err)
	}

	ApplyEnv(config)
	Normalize(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// createDefaultConfig 创建默认配置文件
func (cm *ConfigManager) createDefaultConfig() error {
	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return err
	}

	log.Printf("[ConfigManager] 配置文件不存在，已创建默认配置: %s", cm.configPath)
	return os.WriteFile(cm.configPath, data, 0644)
}

// ApplyEnv 用环境变量覆盖配置
func ApplyEnv(cfg *Config) {
	cfg.Storage.MetricsDir = getEnvDefault("METRICBOARD_DIR", cfg.Storage.MetricsDir)
	cfg.Storage.Mode = getEnvDefault("METRICBOARD_MODE", cfg.Storage.Mode)
	cfg.Server.Addr = getEnvDefault("METRICBOARD_ADDR", cfg.Server.Addr)
	cfg.Server.FiberAddr = getEnvDefault("METRICBOARD_FIBER_ADDR", cfg.Server.FiberAddr)
	cfg.Pipeline.Async = getEnvBool("METRICBOARD_ASYNC", cfg.Pipeline.Async)
	cfg.Pipeline.Workers = getEnvInt("METRICBOARD_WORKERS", cfg.Pipeline.Workers)
	cfg.Archive.Enabled = getEnvBool("METRICBOARD_ARCHIVE", cfg.Archive.Enabled)
	cfg.Archive.Path = getEnvDefault("METRICBOARD_ARCHIVE_PATH", cfg.Archive.Path)
}

// Normalize 补齐缺省值
func Normalize(cfg *Config) {
	def := DefaultConfig()
	if cfg.Storage.MetricsDir == "" {
		cfg.Storage.MetricsDir = def.Storage.MetricsDir
	}
	if cfg.Storage.DefaultService == "" {
		cfg.Storage.DefaultService = def.Storage.DefaultService
	}
	cfg.Storage.Mode = strings.ToLower(strings.TrimSpace(cfg.Storage.Mode))
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = ModeJournal
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = def.Pipeline.Workers
	}
	if cfg.Pipeline.QueueSize <= 0 {
		cfg.Pipeline.QueueSize = def.Pipeline.QueueSize
	}
	if cfg.Pipeline.Concurrency <= 0 {
		cfg.Pipeline.Concurrency = def.Pipeline.Concurrency
	}
	if cfg.Pipeline.PageSize <= 0 {
		cfg.Pipeline.PageSize = def.Pipeline.PageSize
	}
	if cfg.Capture.MaxBodyBytes < 0 {
		cfg.Capture.MaxBodyBytes = 0
	}
	if cfg.Dashboard.Prefix != "" {
		cfg.Dashboard.Prefix = "/" + strings.Trim(cfg.Dashboard.Prefix, "/")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
}

// Validate 校验配置
func Validate(cfg *Config) error {
	if cfg.Storage.Mode != ModeJournal && cfg.Storage.Mode != ModeRewrite {
		return merrors.New(merrors.ErrInvalidConfig,
			fmt.Sprintf("未知的存储模式 %q", cfg.Storage.Mode), nil)
	}
	if cfg.Archive.Enabled && cfg.Archive.Path == "" {
		return merrors.New(merrors.ErrInvalidConfig, "启用归档时必须设置 Archive.Path", nil)
	}
	if cfg.Archive.RetentionDays < 0 {
		return merrors.New(merrors.ErrInvalidConfig, "Archive.RetentionDays 不能为负数", nil)
	}
	return nil
}

// GetConfig 获取当前配置
func (cm *ConfigManager) GetConfig() *Config {
	return cm.config.Load().(*Config)
}

// UpdateConfig 更新配置
func (cm *ConfigManager) UpdateConfig(newConfig *Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	Normalize(newConfig)
	if err := Validate(newConfig); err != nil {
		return err
	}

	if err := cm.saveConfigToFile(newConfig); err != nil {
		return err
	}

	cm.config.Store(newConfig)
	TriggerCallbacks(newConfig)

	log.Printf("[ConfigManager] 配置已更新")
	return nil
}

// saveConfigToFile 保存配置到文件
func (cm *ConfigManager) saveConfigToFile(config *Config) error {
	configData, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	tempFile := cm.configPath + constants.TempFileSuffix
	if err := os.WriteFile(tempFile, configData, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, cm.configPath)
}

// ReloadConfig 重新加载配置文件
func (cm *ConfigManager) ReloadConfig() error {
	config, err := cm.loadConfigFromFile()
	if err != nil {
		return err
	}

	cm.config.Store(config)
	TriggerCallbacks(config)

	log.Printf("[ConfigManager] 配置已重新加载")
	return nil
}

// RegisterUpdateCallback 注册配置更新回调函数
func RegisterUpdateCallback(callback func(*Config)) {
	callbackMutex.Lock()
	defer callbackMutex.Unlock()
	configCallbacks = append(configCallbacks, callback)
}

// TriggerCallbacks 触发所有回调
func TriggerCallbacks(cfg *Config) {
	callbackMutex.RLock()
	defer callbackMutex.RUnlock()
	for _, callback := range configCallbacks {
		callback(cfg)
	}

	log.Printf("[Config] 触发了 %d 个配置更新回调", len(configCallbacks))
}

var globalConfigManager *ConfigManager

// SetGlobalConfigManager 设置全局配置管理器
func SetGlobalConfigManager(cm *ConfigManager) {
	globalConfigManager = cm
}

// GetConfig 获取当前配置（全局接口）
func GetConfig() *Config {
	if globalConfigManager == nil {
		return nil
	}
	return globalConfigManager.GetConfig()
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[Config] 环境变量 %s 不是整数: %q", key, value)
		return defaultValue
	}
	return n
}
