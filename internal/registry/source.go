package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Source 提供注册表文档的原始内容。
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	Name() string
}

// FileSource 从本地文件读取注册表。
type FileSource struct {
	Path string
}

// NewFileSource 解析为绝对路径，便于 watcher 比较事件路径。
func NewFileSource(path string) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析注册表路径失败: %w", err)
	}
	return &FileSource{Path: abs}, nil
}

// Read 实现 Source。
func (f *FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G304 -- 路径来自启动配置
	return os.ReadFile(f.Path)
}

// Name 实现 Source。
func (f *FileSource) Name() string { return f.Path }

// StaticSource 返回固定内容，并统计读取次数。
type StaticSource struct {
	Content []byte
	reads   atomic.Int64
}

// Read 实现 Source。
func (s *StaticSource) Read(ctx context.Context) ([]byte, error) {
	s.reads.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.Content...), nil
}

// Name 实现 Source。
func (s *StaticSource) Name() string { return "static" }

// Reads 返回 Read 被调用的次数。
func (s *StaticSource) Reads() int64 { return s.reads.Load() }
