package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"metricboard/internal/constants"
	merrors "metricboard/internal/errors"
	"metricboard/internal/models"
	"metricboard/internal/utils"
)

const (
	ModeJournal = "journal"
	ModeRewrite = "rewrite"
)

// 单行日志的上限，超过的行视为损坏
const maxJournalLine = 16 * 1024 * 1024

// LogStore 按服务保存采集记录。每个服务一把锁，进程内只有一个写者；
// 记录首次访问时从磁盘载入，之后只在内存中追加。
type LogStore struct {
	root string
	mode string

	mu   sync.Mutex
	logs map[string]*serviceLog
}

type serviceLog struct {
	mu      sync.Mutex
	dir     string
	loaded  bool
	entries []models.MetricEntry
	ids     map[string]struct{}
	journal *os.File
	dirty   bool // 内存中有尚未写入 metrics.json 的记录
}

// NewLogStore 创建日志存储，mode 为 journal 或 rewrite
func NewLogStore(root, mode string) *LogStore {
	if mode != ModeRewrite {
		mode = ModeJournal
	}
	return &LogStore{
		root: root,
		mode: mode,
		logs: make(map[string]*serviceLog),
	}
}

func (s *LogStore) Root() string { return s.root }

func (s *LogStore) Mode() string { return s.mode }

// ServiceDir 服务的指标目录
func (s *LogStore) ServiceDir(service string) string {
	return filepath.Join(s.root, service)
}

func (s *LogStore) serviceLog(service string) *serviceLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.logs[service]
	if !ok {
		sl = &serviceLog{dir: s.ServiceDir(service)}
		s.logs[service] = sl
	}
	return sl
}

// Append 追加一条记录并持久化，返回追加后的完整日志。
// 日志无法读取时不追加；写入失败时记录仍保留在内存中，下次持久化时写出。
func (s *LogStore) Append(service string, e models.MetricEntry) (models.MetricLog, error) {
	sl := s.serviceLog(service)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := sl.load(); err != nil {
		return nil, err
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, dup := sl.ids[e.ID]; dup {
		return sl.view(), nil
	}
	sl.entries = append(sl.entries, e)
	sl.ids[e.ID] = struct{}{}
	sl.dirty = true

	var err error
	if s.mode == ModeRewrite {
		err = sl.snapshot()
	} else {
		err = sl.appendJournal(e)
	}
	if err != nil {
		log.Printf("[LogStore] 服务 %s 写入失败: %v", service, err)
		return sl.view(), merrors.New(merrors.ErrPersistence, "写入日志失败", err)
	}
	return sl.view(), nil
}

// Entries 返回服务的完整日志，返回值只读
func (s *LogStore) Entries(service string) (models.MetricLog, error) {
	sl := s.serviceLog(service)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := sl.load(); err != nil {
		return nil, err
	}
	return sl.view(), nil
}

// Snapshot 把内存中的日志原子写入 metrics.json 并清空 journal
func (s *LogStore) Snapshot(service string) error {
	sl := s.serviceLog(service)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := sl.load(); err != nil {
		return err
	}
	if !sl.dirty {
		return nil
	}
	if err := sl.snapshot(); err != nil {
		return merrors.New(merrors.ErrPersistence, "写入快照失败", err)
	}
	return nil
}

// Services 列出根目录下已有日志的服务
func (s *LogStore) Services() ([]string, error) {
	seen := make(map[string]struct{})

	dirs, err := os.ReadDir(s.root)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if fileExists(filepath.Join(s.root, d.Name(), constants.LogFileName)) {
			seen[d.Name()] = struct{}{}
		}
	}

	s.mu.Lock()
	for name, sl := range s.logs {
		if sl.loaded {
			seen[name] = struct{}{}
		}
	}
	s.mu.Unlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close 写出所有未落盘的日志并关闭 journal
func (s *LogStore) Close() error {
	s.mu.Lock()
	logs := make([]*serviceLog, 0, len(s.logs))
	for _, sl := range s.logs {
		logs = append(logs, sl)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, sl := range logs {
		sl.mu.Lock()
		if sl.loaded && sl.dirty {
			if err := sl.snapshot(); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", sl.dir, err))
			}
		}
		if sl.journal != nil {
			if err := sl.journal.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			sl.journal = nil
		}
		sl.mu.Unlock()
	}
	return result.ErrorOrNil()
}

// load 首次访问时读取 metrics.json 并重放 journal
func (sl *serviceLog) load() error {
	if sl.loaded {
		return nil
	}

	if err := os.MkdirAll(sl.dir, 0755); err != nil {
		return merrors.New(merrors.ErrPersistence, "创建服务目录失败", err)
	}

	logPath := filepath.Join(sl.dir, constants.LogFileName)
	entries := make([]models.MetricEntry, 0)

	data, err := os.ReadFile(logPath)
	switch {
	case os.IsNotExist(err):
		if err := utils.WriteFileAtomic(logPath, []byte("[]"), 0644); err != nil {
			return merrors.New(merrors.ErrPersistence, "初始化日志文件失败", err)
		}
	case err != nil:
		return merrors.New(merrors.ErrPersistence, "读取日志文件失败", err)
	default:
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &entries); err != nil {
				return merrors.New(merrors.ErrPersistence, "日志文件无法解析", err)
			}
		}
	}

	sl.entries = entries
	sl.ids = make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			sl.ids[e.ID] = struct{}{}
		}
	}

	replayed, torn, good, err := sl.replayJournal()
	if err != nil {
		return merrors.New(merrors.ErrPersistence, "重放 journal 失败", err)
	}
	if replayed > 0 {
		sl.dirty = true
		log.Printf("[LogStore] %s 从 journal 恢复了 %d 条记录", sl.dir, replayed)
	}

	// 末尾没有换行的残行必须立即清掉，否则下一次 O_APPEND 写入会接在它后面
	if torn {
		if err := sl.repairJournal(good); err != nil {
			return merrors.New(merrors.ErrPersistence, "修复 journal 失败", err)
		}
	}

	sl.loaded = true
	return nil
}

// replayJournal 把 journal 中的记录追加到内存。
// torn 表示最后一行没有换行结尾，good 为最后一个完整行之后的偏移。
func (sl *serviceLog) replayJournal() (replayed int, torn bool, good int64, err error) {
	f, err := os.Open(filepath.Join(sl.dir, constants.JournalFileName))
	if os.IsNotExist(err) {
		return 0, false, 0, nil
	}
	if err != nil {
		return 0, false, 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		raw, readErr := r.ReadBytes('\n')
		if len(raw) > 0 {
			if raw[len(raw)-1] == '\n' {
				good += int64(len(raw))
			} else {
				torn = true
			}
			if sl.replayLine(raw) {
				replayed++
			}
		}
		if readErr == io.EOF {
			return replayed, torn, good, nil
		}
		if readErr != nil {
			return replayed, torn, good, readErr
		}
	}
}

// replayLine 解析一行 journal，返回是否新增了记录
func (sl *serviceLog) replayLine(raw []byte) bool {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return false
	}
	if len(line) > maxJournalLine {
		log.Printf("[LogStore] 跳过超长的 journal 行: %d 字节", len(line))
		return false
	}
	var e models.MetricEntry
	if err := json.Unmarshal(line, &e); err != nil {
		// 进程崩溃时最后一行可能只写了一半
		log.Printf("[LogStore] 跳过损坏的 journal 行: %v", err)
		return false
	}
	if e.ID != "" {
		if _, dup := sl.ids[e.ID]; dup {
			return false
		}
		sl.ids[e.ID] = struct{}{}
	}
	sl.entries = append(sl.entries, e)
	return true
}

// repairJournal 优先写快照清空 journal；快照失败时截断到最后一个完整行
func (sl *serviceLog) repairJournal(good int64) error {
	err := sl.snapshot()
	if err == nil {
		log.Printf("[LogStore] %s journal 末尾有不完整的行，已写入快照", sl.dir)
		return nil
	}
	log.Printf("[LogStore] %s 写入快照失败，截断 journal 到 %d 字节: %v", sl.dir, good, err)
	return os.Truncate(filepath.Join(sl.dir, constants.JournalFileName), good)
}

func (sl *serviceLog) appendJournal(e models.MetricEntry) error {
	if sl.journal == nil {
		f, err := os.OpenFile(filepath.Join(sl.dir, constants.JournalFileName),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		sl.journal = f
	}

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = sl.journal.Write(append(line, '\n'))
	return err
}

func (sl *serviceLog) snapshot() error {
	data, err := json.MarshalIndent(sl.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(filepath.Join(sl.dir, constants.LogFileName), data, 0644); err != nil {
		return err
	}

	// 快照已包含 journal 中的全部记录；即使截断失败，重放时也会按 ID 去重
	journalPath := filepath.Join(sl.dir, constants.JournalFileName)
	if err := os.Truncate(journalPath, 0); err != nil && !os.IsNotExist(err) {
		log.Printf("[LogStore] 截断 journal 失败: %v", err)
	}
	sl.dirty = false
	return nil
}

// view 返回共享底层数组的只读切片；容量截断保证调用方的 append 不会覆盖后续记录
func (sl *serviceLog) view() models.MetricLog {
	n := len(sl.entries)
	return models.MetricLog(sl.entries[:n:n])
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
