package sync

import (
	"context"
	"fmt"
	"log"
	stdsync "sync"
	"sync/atomic"
	"time"
)

// Manager 发布管理器：定时全量发布，并在服务报表重建后增量发布该服务目录
type Manager struct {
	storage      CloudStorage
	config       *Config
	syncInterval time.Duration
	status       atomic.Value // SyncStatus
	uploaded     atomic.Int64
	stopChan     chan struct{}
	done         chan struct{}
	eventChan    chan SyncEvent
	dirSync      *DirectorySync

	dirtyMu stdsync.Mutex
	dirty   map[string]struct{}
	kick    chan struct{}
}

// NewManager 创建新的发布管理器，localPath 为指标根目录
func NewManager(storage CloudStorage, config *Config, localPath string) *Manager {
	interval := config.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	m := &Manager{
		storage:      storage,
		config:       config,
		syncInterval: interval,
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
		eventChan:    make(chan SyncEvent, 100),
		dirSync:      NewDirectorySync(storage, config, localPath),
		dirty:        make(map[string]struct{}),
		kick:         make(chan struct{}, 1),
	}
	m.status.Store(SyncStatus{IsRunning: false})
	return m
}

// Start 启动发布服务
func (m *Manager) Start(ctx context.Context) error {
	status := m.GetSyncStatus()
	if status.IsRunning {
		return fmt.Errorf("sync manager already running")
	}
	status.IsRunning = true
	m.status.Store(status)

	m.sendEvent(SyncEvent{
		Type:      SyncEventStart,
		Timestamp: time.Now(),
		Message:   "Sync manager started",
	})

	if err := m.SyncNow(ctx); err != nil {
		log.Printf("[Sync] Initial publish failed: %v", err)
	}

	go m.syncLoop(ctx)
	return nil
}

// Stop 停止发布服务并等待循环退出
func (m *Manager) Stop() error {
	status := m.GetSyncStatus()
	if !status.IsRunning {
		return fmt.Errorf("sync manager not running")
	}

	close(m.stopChan)
	<-m.done

	status = m.GetSyncStatus()
	status.IsRunning = false
	m.status.Store(status)
	return nil
}

// MarkDirty 标记服务需要发布；供报表重建完成的回调使用，不阻塞
func (m *Manager) MarkDirty(service string) {
	m.dirtyMu.Lock()
	m.dirty[service] = struct{}{}
	m.dirtyMu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// SyncNow 立即发布整个指标目录
func (m *Manager) SyncNow(ctx context.Context) error {
	n, err := m.dirSync.SyncDirectory(ctx)
	m.finish(n, err, "Full publish")
	return err
}

// syncDirty 发布被标记的服务
func (m *Manager) syncDirty(ctx context.Context) {
	m.dirtyMu.Lock()
	services := make([]string, 0, len(m.dirty))
	for s := range m.dirty {
		services = append(services, s)
	}
	m.dirty = make(map[string]struct{})
	m.dirtyMu.Unlock()

	for _, service := range services {
		n, err := m.dirSync.SyncService(ctx, service)
		m.finish(n, err, "Publish "+service)
	}
}

func (m *Manager) finish(uploaded int, err error, what string) {
	total := m.uploaded.Add(int64(uploaded))

	status := m.GetSyncStatus()
	status.LastSync = time.Now()
	status.Uploaded = total
	if err != nil {
		status.LastError = err.Error()
		m.status.Store(status)
		m.sendEvent(SyncEvent{
			Type:      SyncEventError,
			Timestamp: time.Now(),
			Message:   what + " failed",
			Error:     err,
		})
		return
	}

	status.LastError = ""
	m.status.Store(status)
	if uploaded > 0 {
		m.sendEvent(SyncEvent{
			Type:      SyncEventUpload,
			Timestamp: time.Now(),
			Message:   fmt.Sprintf("%s: uploaded %d files", what, uploaded),
		})
	}
	m.sendEvent(SyncEvent{
		Type:      SyncEventSuccess,
		Timestamp: time.Now(),
		Message:   what + " completed",
	})
}

// GetSyncStatus 获取同步状态
func (m *Manager) GetSyncStatus() SyncStatus {
	return m.status.Load().(SyncStatus)
}

// GetEventChannel 获取事件通道
func (m *Manager) GetEventChannel() <-chan SyncEvent {
	return m.eventChan
}

// syncLoop 同步循环
func (m *Manager) syncLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.SyncNow(ctx); err != nil {
				log.Printf("[Sync] Scheduled publish failed: %v", err)
			}
		case <-m.kick:
			m.syncDirty(ctx)
		case <-m.stopChan:
			// 退出前把已标记的服务发布出去
			m.syncDirty(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// sendEvent 发送事件，通道满时丢弃最旧的事件
func (m *Manager) sendEvent(event SyncEvent) {
	for {
		select {
		case m.eventChan <- event:
			return
		default:
		}
		select {
		case <-m.eventChan:
		default:
		}
	}
}
