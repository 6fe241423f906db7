package middleware

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"metricboard/internal/metrics"
	"metricboard/internal/models"
)

// FiberCapture Fiber 版本的采集中间件。fasthttp 没有单个请求的断开通知，
// 记录在处理链返回后生成；处理链返回错误时按错误对应的状态码记录。
func FiberCapture(rec Recorder, opts CaptureOptions) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := strings.Clone(c.Path())
		if opts.skip(path) {
			return c.Next()
		}

		start := time.Now()

		// fasthttp 会复用请求缓冲区，处理链返回前复制需要的字段
		method := strings.Clone(c.Method())
		originalURL := strings.Clone(c.OriginalURL())
		clientIP := strings.Clone(c.IP())

		var payload any
		if body := c.Body(); opts.MaxBodyBytes > 0 && int64(len(body)) <= opts.MaxBodyBytes {
			payload = decodePayload(strings.Clone(c.Get(fiber.HeaderContentType)), body)
		}
		var reqSize int64
		if n := c.Request().Header.ContentLength(); n > 0 {
			reqSize = int64(n)
		}
		query := make(map[string]any)
		for k, v := range c.Queries() {
			query[strings.Clone(k)] = strings.Clone(v)
		}

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}

		// 路由匹配发生在 c.Next() 中，之后才能取到参数
		params := make(map[string]string)
		for k, v := range c.AllParams() {
			params[strings.Clone(k)] = strings.Clone(v)
		}

		resSize := int64(c.Response().Header.ContentLength())
		if resSize <= 0 {
			resSize = int64(len(c.Response().Body()))
		}

		service, changed := metrics.ResolveService(path, opts.DefaultService)
		if changed {
			log.Printf("[Capture] 服务名包含不安全字符，已替换: %q -> %q", path, service)
		}

		now := time.Now()
		rec.Record(service, models.MetricEntry{
			ID:           uuid.NewString(),
			Timestamp:    now.UTC(),
			Method:       method,
			URL:          originalURL,
			StatusCode:   status,
			ReqSize:      reqSize,
			ResSize:      resSize,
			ResponseTime: now.Sub(start).Milliseconds(),
			Payload:      payload,
			URLParams:    params,
			QueryParams:  query,
			ClientIP:     clientIP,
		})
		return err
	}
}
