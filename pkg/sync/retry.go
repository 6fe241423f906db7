package sync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries   int           // 最大重试次数
	InitialDelay time.Duration // 初始延迟
	MaxDelay     time.Duration // 最大延迟
	Multiplier   float64       // 延迟倍增因子
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = RetryConfig{
	MaxRetries:   2,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// isRetriableError 判断上传错误是否可重试
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retriableErrors := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"no such host",
		"eof",
		"broken pipe",
		"slowdown",
		"serviceunavailable",
		"internalerror",
		"requesttimeout",
	}

	for _, retryErr := range retriableErrors {
		if strings.Contains(errStr, retryErr) {
			return true
		}
	}
	return false
}

// withRetry 按指数退避执行 fn，直到成功、遇到不可重试的错误或次数耗尽
func withRetry(ctx context.Context, config RetryConfig, name string, fn func(context.Context) error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}

			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
			log.Printf("[Retry] Attempt %d/%d for %s (last error: %v)", attempt+1, config.MaxRetries+1, name, lastErr)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetriableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded for %s: %w", name, lastErr)
}
