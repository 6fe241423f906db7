package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"metricboard/internal/compression"
	"metricboard/internal/config"
	"metricboard/internal/constants"
	"metricboard/internal/handler"
	"metricboard/internal/initapp"
	"metricboard/internal/metrics"
	"metricboard/internal/middleware"
	"metricboard/internal/report"
	"metricboard/internal/service"
	"metricboard/internal/storage"
	"metricboard/internal/utils"
	metricsync "metricboard/pkg/sync"
)

// Route 演示路由，Params 为需要记录的路由参数名
type Route struct {
	Pattern string
	Handler http.HandlerFunc
	Params  []string
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[Main] 读取 .env 失败: %v", err)
	}

	configPath := "data/config.json"
	configManager, err := config.Init(configPath)
	if err != nil {
		log.Fatal("Error initializing config manager:", err)
	}
	cfg := configManager.GetConfig()
	root := cfg.Storage.MetricsDir

	// 整理旧版日志
	if err := initapp.Init(root); err != nil {
		log.Printf("[Main] 初始化指标目录失败: %v", err)
	}

	// Prometheus 注册表
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 存储与归档
	store := storage.NewLogStore(root, cfg.Storage.Mode)

	var archive *storage.Archive
	var archiver service.Archiver
	if cfg.Archive.Enabled {
		archive, err = storage.OpenArchive(cfg.Archive.Path, cfg.Archive.Retention())
		if err != nil {
			log.Printf("[Main] 打开归档失败，归档已禁用: %v", err)
		} else {
			archive.Start()
			archiver = archive
		}
	}

	renderer, err := report.NewRenderer(root, cfg.Pipeline.PageSize)
	if err != nil {
		log.Fatal("Error initializing renderer:", err)
	}

	pipeline := service.NewPipeline(store, renderer, archiver, collector, service.Options{
		Async:       cfg.Pipeline.Async,
		Workers:     cfg.Pipeline.Workers,
		QueueSize:   cfg.Pipeline.QueueSize,
		Concurrency: cfg.Pipeline.Concurrency,
	})

	dashboard := handler.NewDashboardHandler(store, root, cfg.Pipeline.PageSize, cfg.Dashboard.CacheTTL())
	pipeline.Subscribe(dashboard.Invalidate)

	// 可选：发布到 S3 兼容存储
	var publisher *metricsync.Manager
	if metricsync.IsConfigComplete() {
		publisher = startPublisher(root)
		if publisher != nil {
			pipeline.Subscribe(publisher.MarkDirty)
		}
	}

	// 压缩选择器支持配置热更新
	var selector atomic.Pointer[compression.Selector]
	selector.Store(compression.NewSelector(cfg.Compression))
	config.RegisterUpdateCallback(func(newCfg *config.Config) {
		selector.Store(compression.NewSelector(newCfg.Compression))
		log.Printf("[Config] 压缩配置已更新")
	})

	captureOpts := middleware.CaptureOptions{
		DefaultService: cfg.Storage.DefaultService,
		MaxBodyBytes:   cfg.Capture.MaxBodyBytes,
		SkipPaths:      cfg.Capture.SkipPaths,
	}

	// 演示路由，服务名取第一个路径段
	demoRoutes := []Route{
		{"GET /shop/api/v1/items", listItems, nil},
		{"GET /shop/api/v1/items/{id}", getItem, []string{"id"}},
		{"POST /shop/api/v1/orders", createOrder, nil},
		{"GET /users/{id}/profile", getProfile, []string{"id"}},
		{"GET /slow/{ms}", slowHandler, []string{"ms"}},
	}

	mux := http.NewServeMux()
	for _, route := range demoRoutes {
		opts := captureOpts
		if len(route.Params) > 0 {
			opts.RouteParams = middleware.PathValues(route.Params...)
		}
		mux.Handle(route.Pattern, middleware.Capture(pipeline, opts)(route.Handler))
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if cfg.Dashboard.Enabled {
		compress := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			middleware.Compress(selector.Load())(dashboard).ServeHTTP(w, r)
		})
		mux.Handle(cfg.Dashboard.Prefix+"/", http.StripPrefix(cfg.Dashboard.Prefix, compress))
		log.Printf("[Main] 仪表盘已挂载: %s/", cfg.Dashboard.Prefix)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var fiberApp *fiber.App
	if cfg.Server.FiberAddr != "" {
		fiberApp = newFiberApp(pipeline, captureOpts)
		go func() {
			log.Printf("[Main] Fiber 演示服务启动: %s", cfg.Server.FiberAddr)
			if err := fiberApp.Listen(cfg.Server.FiberAddr); err != nil {
				log.Printf("[Main] Fiber 演示服务退出: %v", err)
			}
		}()
	}

	// 优雅关闭
	utils.SetupCloseHandler(func() {
		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Error during server shutdown: %v", err)
		}
		if fiberApp != nil {
			if err := fiberApp.ShutdownWithContext(ctx); err != nil {
				log.Printf("Error during fiber shutdown: %v", err)
			}
		}
		// 先等报表生成完毕，再发布和关闭归档
		if err := pipeline.Close(ctx); err != nil {
			log.Printf("[Main] 关闭流水线出错: %v", err)
		}
		if publisher != nil {
			if err := publisher.Stop(); err != nil {
				log.Printf("[Main] 停止发布服务出错: %v", err)
			}
		}
		if archive != nil {
			if err := archive.Close(); err != nil {
				log.Printf("[Main] 关闭归档出错: %v", err)
			}
		}
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.Fatal("Error starting server:", err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	log.Printf("Starting metricboard demo server on %s (metrics dir: %s, mode: %s, async: %v)",
		cfg.Server.Addr, root, store.Mode(), cfg.Pipeline.Async)
	if err := server.Serve(ln); err != http.ErrServerClosed {
		log.Fatal("Error starting server:", err)
	}
	select {}
}

func startPublisher(root string) *metricsync.Manager {
	syncCfg, err := metricsync.NewConfigFromEnv()
	if err != nil {
		log.Printf("[Sync] 配置无效，发布已禁用: %v", err)
		return nil
	}

	ctx := context.Background()
	client, err := metricsync.NewS3Client(ctx, syncCfg)
	if err != nil {
		log.Printf("[Sync] 创建 S3 客户端失败: %v", err)
		return nil
	}
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.TestConnection(testCtx); err != nil {
		log.Printf("[Sync] 连接 S3 失败，发布已禁用: %v", err)
		return nil
	}

	publisher := metricsync.NewManager(client, syncCfg, root)
	if err := publisher.Start(ctx); err != nil {
		log.Printf("[Sync] 启动发布服务失败: %v", err)
		return nil
	}
	log.Printf("[Sync] 发布服务已启动: bucket=%s prefix=%s", syncCfg.Bucket, syncCfg.Prefix)
	return publisher
}

func newFiberApp(pipeline *service.Pipeline, opts middleware.CaptureOptions) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(middleware.FiberCapture(pipeline, opts))

	app.Get("/catalog/api/v1/products/:id", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"id": c.Params("id"), "name": "sample product"})
	})
	app.Post("/catalog/api/v1/reviews", func(c *fiber.Ctx) error {
		if len(c.Body()) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "empty review")
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "created"})
	})
	return app
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func listItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]any{
		{"id": 1, "name": "keyboard"},
		{"id": 2, "name": "mouse"},
	})
}

func getItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if utils.ParseInt(id, 0) <= 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "name": "item " + id})
}

func createOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, constants.MB))
	if err != nil || len(body) == 0 || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "created", "order": json.RawMessage(body)})
}

func getProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("id"), "plan": r.URL.Query().Get("plan")})
}

func slowHandler(w http.ResponseWriter, r *http.Request) {
	delay := time.Duration(utils.ParseInt(r.PathValue("ms"), 100)) * time.Millisecond
	select {
	case <-time.After(delay):
		writeJSON(w, http.StatusOK, map[string]string{"slept": delay.String()})
	case <-r.Context().Done():
	}
}
