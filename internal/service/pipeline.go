package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"metricboard/internal/constants"
	"metricboard/internal/metrics"
	"metricboard/internal/models"
	"metricboard/internal/report"
	"metricboard/internal/storage"
)

var ErrClosed = errors.New("pipeline closed")

// Archiver 记录的附加副本，例如 SQLite 归档
type Archiver interface {
	Insert(ctx context.Context, service string, e models.MetricEntry) error
}

type Options struct {
	Async       bool
	Workers     int
	QueueSize   int
	Concurrency int // 单个服务内端点报表的并发数
}

// Pipeline 串起 存储 → 聚合 → 渲染。
// 同步模式下 Record 返回前报表已更新；异步模式下按服务合并后交给 worker。
type Pipeline struct {
	opts      Options
	store     *storage.LogStore
	renderer  *report.Renderer
	archive   Archiver
	collector *metrics.Collector

	queue   chan string
	workers sync.WaitGroup

	// Record 全程持有读锁，Close 持写锁置位 closed，之后不会再有写入到达存储
	recordMu sync.RWMutex

	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[string]bool // 已在队列中等待的服务
	inflight int             // 已调度但未完成的重建
	closed   bool

	regenLocks sync.Map // service -> *sync.Mutex

	listenerMu sync.RWMutex
	listeners  []func(service string)
}

// NewPipeline archive 与 collector 可以为 nil
func NewPipeline(store *storage.LogStore, renderer *report.Renderer, archive Archiver, collector *metrics.Collector, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = constants.DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = constants.DefaultQueueSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = constants.DefaultConcurrency
	}

	p := &Pipeline{
		opts:      opts,
		store:     store,
		renderer:  renderer,
		archive:   archive,
		collector: collector,
		pending:   make(map[string]bool),
	}
	p.cond = sync.NewCond(&p.mu)

	if opts.Async {
		p.queue = make(chan string, opts.QueueSize)
		for i := 0; i < opts.Workers; i++ {
			p.workers.Add(1)
			go p.worker()
		}
		log.Printf("[Pipeline] 异步模式已启动: %d 个 worker, 队列长度 %d", opts.Workers, opts.QueueSize)
	}
	return p
}

// Subscribe 注册报表重建完成后的回调
func (p *Pipeline) Subscribe(fn func(service string)) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Record 保存一条记录并触发该服务报表的重建。失败只记录日志，不向调用方返回。
func (p *Pipeline) Record(service string, e models.MetricEntry) {
	p.recordMu.RLock()
	defer p.recordMu.RUnlock()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		log.Printf("[Pipeline] 已关闭，丢弃 %s 的记录: %s %s", service, e.Method, e.URL)
		return
	}

	if _, err := p.store.Append(service, e); err != nil {
		log.Printf("[Pipeline] 服务 %s 持久化失败: %v", service, err)
		p.collector.Failure(metrics.StagePersistence)
		// 日志不可读时不重建，避免用空数据覆盖已有报表
		if _, loadErr := p.store.Entries(service); loadErr != nil {
			return
		}
	}

	if p.archive != nil {
		if err := p.archive.Insert(context.Background(), service, e); err != nil {
			log.Printf("[Pipeline] 服务 %s 归档失败: %v", service, err)
			p.collector.Failure(metrics.StageArchive)
		}
	}
	p.collector.ObserveEntry(service, e)

	if !p.opts.Async {
		p.regenerateLogged(service)
		return
	}
	p.schedule(service)
}

func (p *Pipeline) schedule(service string) {
	p.mu.Lock()
	if p.closed || p.pending[service] {
		p.mu.Unlock()
		return
	}

	select {
	case p.queue <- service:
		p.pending[service] = true
		p.inflight++
		p.collector.SetQueueDepth(len(p.queue))
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		log.Printf("[Pipeline] 队列已满，同步重建服务 %s", service)
		p.regenerateLogged(service)
	}
}

func (p *Pipeline) worker() {
	defer p.workers.Done()

	for service := range p.queue {
		p.mu.Lock()
		// 先清除标记，重建期间新到的记录会再次入队
		delete(p.pending, service)
		p.collector.SetQueueDepth(len(p.queue))
		p.mu.Unlock()

		p.regenerateLogged(service)

		p.mu.Lock()
		p.inflight--
		if p.inflight == 0 {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *Pipeline) regenerateLogged(service string) {
	if err := p.Regenerate(service); err != nil {
		log.Printf("[Pipeline] 服务 %s 报表生成失败: %v", service, err)
	}
}

// Regenerate 按当前完整日志重建服务报表和所有端点报表
func (p *Pipeline) Regenerate(service string) error {
	lock := p.regenLock(service)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	if p.store.Mode() == storage.ModeJournal {
		if err := p.store.Snapshot(service); err != nil {
			log.Printf("[Pipeline] 服务 %s 写入快照失败: %v", service, err)
			p.collector.Failure(metrics.StagePersistence)
		}
	}

	entries, err := p.store.Entries(service)
	if err != nil {
		p.collector.Failure(metrics.StagePersistence)
		return err
	}

	summary := metrics.Summarize(entries)

	var result *multierror.Error
	if err := p.renderer.RenderServiceReport(service, entries, summary); err != nil {
		p.collector.Failure(metrics.StageRender)
		result = multierror.Append(result, fmt.Errorf("service report: %w", err))
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.opts.Concurrency)
	for _, prefix := range summary.Endpoints {
		prefix := prefix
		g.Go(func() error {
			if err := p.renderer.RenderEndpointReport(prefix, entries, service); err != nil {
				p.collector.Failure(metrics.StageRender)
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("endpoint %s: %w", prefix, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	p.collector.Regenerated(service, time.Since(start))
	p.notify(service)
	return result.ErrorOrNil()
}

func (p *Pipeline) regenLock(service string) *sync.Mutex {
	v, _ := p.regenLocks.LoadOrStore(service, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (p *Pipeline) notify(service string) {
	p.listenerMu.RLock()
	defer p.listenerMu.RUnlock()
	for _, fn := range p.listeners {
		fn(service)
	}
}

// Flush 等待所有已调度的重建完成。ctx 结束时立即返回，不留下等待中的 goroutine。
func (p *Pipeline) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inflight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	return nil
}

// Close 停止接收记录，等待队列清空后落盘
func (p *Pipeline) Close(ctx context.Context) error {
	// 等待进行中的 Record 写完
	p.recordMu.Lock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.recordMu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()
	p.recordMu.Unlock()

	var result *multierror.Error
	if err := p.Flush(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if p.queue != nil {
		p.mu.Lock()
		close(p.queue)
		p.mu.Unlock()
		p.workers.Wait()
	}
	if err := p.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	log.Printf("[Pipeline] 已关闭")
	return result.ErrorOrNil()
}
