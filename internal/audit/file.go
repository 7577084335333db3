package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"BSM-Orchestrator/pkg/logger"
)

// FileConfig 描述 JSONL 审计文件。
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// FileSink 以每行一个 JSON 对象的形式追加写入，文件权限为 0600。
type FileSink struct {
	mu     sync.Mutex
	writer *logger.RotatingWriter
}

// NewFileSink 创建文件 Sink。
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	w, err := logger.NewRotatingWriter(logger.RotateConfig{
		Path:       cfg.Path,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Perm:       0o600,
	})
	if err != nil {
		return nil, fmt.Errorf("创建审计文件失败: %w", err)
	}
	return &FileSink{writer: w}, nil
}

// Name 实现 Sink。
func (f *FileSink) Name() string { return "file" }

// Path 返回当前审计文件路径。
func (f *FileSink) Path() string { return f.writer.Path() }

// Record 实现 Sink。
func (f *FileSink) Record(_ context.Context, event Event) error {
	event.fill()
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("写入审计文件失败: %w", err)
	}
	return nil
}

// Read 实现 Reader，按写入顺序扫描全部滚动文件。
func (f *FileSink) Read(ctx context.Context, filter Filter) ([]Event, error) {
	events, err := f.scan(ctx)
	if err != nil {
		return nil, err
	}
	return page(events, filter), nil
}

// Stats 实现 Reader。
func (f *FileSink) Stats(ctx context.Context) (Stats, error) {
	events, err := f.scan(ctx)
	if err != nil {
		return Stats{}, err
	}
	return summarize(events), nil
}

// Close 实现 Closer。
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writer.Sync(); err != nil {
		return err
	}
	return f.writer.Close()
}

func (f *FileSink) scan(ctx context.Context) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writer.Sync(); err != nil {
		return nil, fmt.Errorf("刷新审计文件失败: %w", err)
	}

	var events []Event
	for _, path := range f.writer.Files() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := readJSONL(path, &events); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func readJSONL(path string, events *[]Event) error {
	// #nosec G304 -- 路径由审计配置给出
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("读取审计文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		*events = append(*events, e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析审计文件失败: %w", err)
	}
	return nil
}
