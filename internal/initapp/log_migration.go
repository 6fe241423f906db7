package initapp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"metricboard/internal/constants"
	"metricboard/internal/utils"
)

// MigrateLogs 给旧版 metrics.json 中缺少 id 的记录补上 UUID，
// 否则 journal 重放无法按 ID 去重。返回补齐的记录数。
func MigrateLogs(root string) (int, error) {
	dirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	total := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(root, d.Name(), constants.LogFileName)
		n, err := migrateLogFile(path)
		if err != nil {
			// 单个服务的日志损坏不影响其他服务
			log.Printf("[Init] 迁移 %s 失败: %v", path, err)
			continue
		}
		if n > 0 {
			log.Printf("[Init] %s 补齐了 %d 条记录的 id", path, n)
		}
		total += n
	}
	return total, nil
}

func migrateLogFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return 0, nil
	}

	// 按原始字段处理，保留未知字段
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("日志文件无法解析: %w", err)
	}

	changed := 0
	for _, e := range entries {
		var id string
		if raw, ok := e["id"]; ok {
			_ = json.Unmarshal(raw, &id)
		}
		if id != "" {
			continue
		}
		raw, _ := json.Marshal(uuid.NewString())
		e["id"] = raw
		changed++
	}
	if changed == 0 {
		return 0, nil
	}

	newData, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := utils.WriteFileAtomic(path, newData, 0644); err != nil {
		return 0, err
	}
	return changed, nil
}
