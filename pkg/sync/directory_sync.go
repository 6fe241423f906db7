package sync

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirectorySync 把本地指标目录单向发布到远程存储
type DirectorySync struct {
	storage    CloudStorage
	localPath  string // 本地指标根目录
	remotePath string // 远程路径前缀
	retry      RetryConfig
}

// NewDirectorySync 创建目录同步器
func NewDirectorySync(storage CloudStorage, config *Config, localPath string) *DirectorySync {
	return &DirectorySync{
		storage:    storage,
		localPath:  localPath,
		remotePath: config.Prefix,
		retry:      DefaultRetryConfig,
	}
}

// SyncDirectory 发布整个指标目录，返回上传的文件数
func (ds *DirectorySync) SyncDirectory(ctx context.Context) (int, error) {
	return ds.sync(ctx, "")
}

// SyncService 只发布一个服务的子目录
func (ds *DirectorySync) SyncService(ctx context.Context, service string) (int, error) {
	if service == "" || strings.ContainsAny(service, `/\`) || service == "." || service == ".." {
		return 0, fmt.Errorf("invalid service name: %q", service)
	}
	return ds.sync(ctx, service)
}

func (ds *DirectorySync) sync(ctx context.Context, service string) (int, error) {
	localFiles, err := ds.scanLocalFiles(service)
	if err != nil {
		return 0, fmt.Errorf("failed to scan local files: %w", err)
	}
	if len(localFiles) == 0 {
		return 0, nil
	}

	remoteFiles, err := ds.scanRemoteFiles(ctx, service)
	if err != nil {
		log.Printf("[DirectorySync] Failed to scan remote files (will upload all): %v", err)
		remoteFiles = make(map[string]FileInfo)
	}

	uploadCount := 0
	var firstErr error
	for relativePath, localFile := range localFiles {
		if ctx.Err() != nil {
			return uploadCount, ctx.Err()
		}
		remoteFile, exists := remoteFiles[relativePath]
		if exists && !shouldUpload(localFile, remoteFile) {
			continue
		}
		if err := ds.uploadFile(ctx, relativePath, localFile); err != nil {
			log.Printf("[DirectorySync] Failed to upload %s: %v", relativePath, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		uploadCount++
	}

	log.Printf("[DirectorySync] Published %d/%d files from %s", uploadCount, len(localFiles), filepath.Join(ds.localPath, service))
	return uploadCount, firstErr
}

// scanLocalFiles 扫描需要发布的文件：日志快照和报表
func (ds *DirectorySync) scanLocalFiles(service string) (map[string]FileInfo, error) {
	files := make(map[string]FileInfo)

	root := filepath.Join(ds.localPath, service)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(ds.localPath, path)
		if err != nil {
			return err
		}
		relativePath = filepath.ToSlash(relativePath)
		if !shouldPublish(relativePath) {
			return nil
		}

		files[relativePath] = FileInfo{
			Path:         path,
			Size:         info.Size(),
			ModTime:      info.ModTime(),
			RelativePath: relativePath,
		}
		return nil
	})
	if os.IsNotExist(err) {
		return files, nil
	}
	return files, err
}

// shouldPublish 只发布 <service>/metrics.json 和 <service>/*.html；journal 与临时文件留在本地
func shouldPublish(relativePath string) bool {
	parts := strings.Split(relativePath, "/")
	if len(parts) != 2 {
		return false
	}
	name := parts[1]
	if strings.HasSuffix(name, ".tmp") {
		return false
	}
	return name == "metrics.json" || strings.ToLower(filepath.Ext(name)) == ".html"
}

// scanRemoteFiles 扫描远程文件
func (ds *DirectorySync) scanRemoteFiles(ctx context.Context, service string) (map[string]FileInfo, error) {
	files := make(map[string]FileInfo)

	prefix := ds.remotePath
	if service != "" {
		prefix += "/" + service
	}
	remoteFiles, err := ds.storage.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}

	for _, file := range remoteFiles {
		relativePath := file.RelativePath
		if service != "" {
			relativePath = service + "/" + relativePath
		}
		if strings.HasSuffix(relativePath, "/") {
			continue
		}
		file.RelativePath = relativePath
		files[relativePath] = file
	}
	return files, nil
}

// shouldUpload 远程缺失或本地更新时上传
func shouldUpload(local, remote FileInfo) bool {
	if remote.RelativePath == "" {
		return true
	}

	// 统一转换为UTC时间并截断到秒级精度
	localTime := local.ModTime.UTC().Truncate(time.Second)
	remoteTime := remote.ModTime.UTC().Truncate(time.Second)
	return localTime.After(remoteTime) || local.Size != remote.Size
}

// uploadFile 上传文件
func (ds *DirectorySync) uploadFile(ctx context.Context, relativePath string, fileInfo FileInfo) error {
	data, err := os.ReadFile(fileInfo.Path)
	if err != nil {
		return fmt.Errorf("failed to read local file: %w", err)
	}

	remotePath := ds.remotePath + "/" + relativePath
	contentType := mime.TypeByExtension(filepath.Ext(relativePath))

	return withRetry(ctx, ds.retry, remotePath, func(ctx context.Context) error {
		return ds.storage.Upload(ctx, remotePath, data, contentType)
	})
}
