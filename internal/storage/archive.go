package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"metricboard/internal/constants"
	"metricboard/internal/models"
)

// Archive 所有采集记录在 SQLite 中的只追加副本，按保留期定期清理
type Archive struct {
	db        *sql.DB
	retention time.Duration
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenArchive 打开（必要时创建）归档库
func OpenArchive(path string, retention time.Duration) (*Archive, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite 单写者；:memory: 库在每个连接上是独立的
	db.SetMaxOpenConns(1)

	if err := InitDB(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Archive{
		db:        db,
		retention: retention,
		stopChan:  make(chan struct{}),
	}, nil
}

func InitDB(db *sql.DB) error {
	_, err := db.Exec(`
        PRAGMA journal_mode = WAL;
        PRAGMA synchronous = NORMAL;
        PRAGMA temp_store = MEMORY;
    `)
	if err != nil {
		return err
	}

	return initTables(db)
}

func initTables(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS metric_entries (
            id TEXT PRIMARY KEY,
            service TEXT NOT NULL,
            ts INTEGER NOT NULL,
            method TEXT,
            url TEXT,
            status_code INTEGER,
            req_size INTEGER,
            res_size INTEGER,
            response_time INTEGER,
            payload TEXT,
            url_params TEXT,
            query_params TEXT,
            client_ip TEXT,
            aborted INTEGER DEFAULT 0
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE INDEX IF NOT EXISTS idx_entries_service_ts ON metric_entries(service, ts);
        CREATE INDEX IF NOT EXISTS idx_entries_ts ON metric_entries(ts);
    `)
	return err
}

// Start 启动定期清理
func (a *Archive) Start() {
	if a.retention <= 0 {
		return
	}
	a.wg.Add(1)
	go a.cleanupRoutine(constants.ArchiveCleanupInterval)
}

func (a *Archive) cleanupRoutine(interval time.Duration) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := a.Cleanup(context.Background()); err != nil {
				log.Printf("[Archive] 清理过期记录失败: %v", err)
			} else if n > 0 {
				log.Printf("[Archive] 清理了 %d 条过期记录", n)
			}
		case <-a.stopChan:
			return
		}
	}
}

// Insert 写入一条记录，重复 ID 忽略
func (a *Archive) Insert(ctx context.Context, service string, e models.MetricEntry) error {
	var payload sql.NullString
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	urlParams, err := json.Marshal(e.URLParams)
	if err != nil {
		return err
	}
	queryParams, err := json.Marshal(e.QueryParams)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO metric_entries
            (id, service, ts, method, url, status_code, req_size, res_size,
             response_time, payload, url_params, query_params, client_ip, aborted)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, e.ID, service, e.Timestamp.UTC().UnixMilli(), e.Method, e.URL, e.StatusCode,
		e.ReqSize, e.ResSize, e.ResponseTime, payload, string(urlParams),
		string(queryParams), e.ClientIP, e.Aborted)
	return err
}

// Count 某服务归档中的记录数
func (a *Archive) Count(ctx context.Context, service string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metric_entries WHERE service = ?`, service).Scan(&n)
	return n, err
}

// Cleanup 删除超过保留期的记录
func (a *Archive) Cleanup(ctx context.Context) (int64, error) {
	if a.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-a.retention).UnixMilli()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM metric_entries WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (a *Archive) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopChan)
		a.wg.Wait()
		err = a.db.Close()
	})
	return err
}
