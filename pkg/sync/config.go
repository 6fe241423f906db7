package sync

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config S3 发布配置
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string        // 远程路径前缀
	Interval        time.Duration // 定时全量发布间隔
}

// NewConfigFromEnv 从环境变量创建配置
func NewConfigFromEnv() (*Config, error) {
	config := &Config{
		Endpoint:        getEnvDefault("SYNC_S3_ENDPOINT", ""),
		Bucket:          getEnvDefault("SYNC_S3_BUCKET", ""),
		Region:          getEnvDefault("SYNC_S3_REGION", "us-east-1"),
		AccessKeyID:     getEnvDefault("SYNC_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnvDefault("SYNC_S3_SECRET_ACCESS_KEY", ""),
		UsePathStyle:    getEnvBool("SYNC_S3_USE_PATH_STYLE", false),
		Prefix:          strings.Trim(getEnvDefault("SYNC_S3_PREFIX", "metricboard"), "/"),
		Interval:        getEnvDuration("SYNC_INTERVAL", 10*time.Minute),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}

	return config, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket name is required")
	}

	if c.AccessKeyID == "" {
		return fmt.Errorf("access key ID is required")
	}

	if c.SecretAccessKey == "" {
		return fmt.Errorf("secret access key is required")
	}

	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	if c.Prefix == "" {
		return fmt.Errorf("remote prefix is required")
	}

	if c.Interval < time.Minute {
		return fmt.Errorf("sync interval must be at least 1m, got %s", c.Interval)
	}

	return nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// IsConfigComplete 检查同步配置是否完整（基于环境变量）
func IsConfigComplete() bool {
	requiredEnvs := []string{
		"SYNC_S3_BUCKET",
		"SYNC_S3_ACCESS_KEY_ID",
		"SYNC_S3_SECRET_ACCESS_KEY",
		"SYNC_S3_REGION",
	}

	for _, env := range requiredEnvs {
		if os.Getenv(env) == "" {
			return false
		}
	}

	return true
}
