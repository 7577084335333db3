package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher 监听注册表文件变化并触发 Refresh。
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(*Registry, error)
}

// WatcherOption 定义可选配置。
type WatcherOption func(*Watcher)

// WithDebounce 调整合并连续事件的窗口。
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook 在每次刷新结束后回调，主要用于测试。
func WithReloadHook(fn func(*Registry, error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher 为 FileSource 支持的 Store 创建 watcher。
func NewWatcher(store *Store, path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析注册表路径失败: %w", err)
	}
	w := &Watcher{store: store, path: abs, debounce: defaultDebounce, logger: store.logger}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run 阻塞直到 ctx 取消。监听父目录以覆盖编辑器的原子替换写法。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("监听目录失败: %w", err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("注册表文件监听出错", slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	reg, err := w.store.Refresh(ctx)
	if err != nil {
		w.logger.Error("注册表热更新失败，继续使用旧版本", slog.String("path", w.path), slog.Any("error", err))
	} else {
		w.logger.Info("注册表热更新完成", slog.String("path", w.path), slog.Int("agents", reg.Len()))
	}
	if w.onReload != nil {
		w.onReload(reg, err)
	}
}
