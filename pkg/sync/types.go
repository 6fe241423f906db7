package sync

import (
	"context"
	"time"
)

// CloudStorage 发布目标
type CloudStorage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	ListObjects(ctx context.Context, prefix string) ([]FileInfo, error)
}

// FileInfo 文件信息
type FileInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	RelativePath string    `json:"relative_path"`
}

// SyncStatus 同步状态
type SyncStatus struct {
	LastSync  time.Time `json:"last_sync"`
	LastError string    `json:"last_error,omitempty"`
	IsRunning bool      `json:"is_running"`
	Uploaded  int64     `json:"uploaded"` // 启动以来上传的文件数
}

// SyncEvent 同步事件
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Message   string        `json:"message"`
	Error     error         `json:"error,omitempty"`
}

// SyncEventType 同步事件类型
type SyncEventType string

const (
	SyncEventStart   SyncEventType = "start"
	SyncEventSuccess SyncEventType = "success"
	SyncEventError   SyncEventType = "error"
	SyncEventUpload  SyncEventType = "upload"
)
