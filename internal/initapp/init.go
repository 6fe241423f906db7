package initapp

import (
	"log"
)

// Init 启动前整理指标目录
func Init(metricsDir string) error {

	log.Printf("[Init] 开始初始化应用程序...")

	if _, err := MigrateLogs(metricsDir); err != nil {
		log.Printf("[Init] 日志迁移失败: %v", err)
		return err
	}

	log.Printf("[Init] 应用程序初始化完成")
	return nil
}
