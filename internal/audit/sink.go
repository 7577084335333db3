package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Sink 持久化审计事件。同一 Sink 上的顺序调用必须按调用顺序落盘。
type Sink interface {
	Name() string
	Record(ctx context.Context, event Event) error
}

// Reader 由支持回放的 Sink 实现。
type Reader interface {
	Read(ctx context.Context, filter Filter) ([]Event, error)
	Stats(ctx context.Context) (Stats, error)
}

// Closer 由持有资源的 Sink 实现。
type Closer interface {
	Close() error
}

// MemorySink 在内存中保存事件，超过容量时丢弃最早的记录。
type MemorySink struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewMemorySink 创建内存 Sink，capacity <= 0 表示不限。
func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{capacity: capacity}
}

// Name 实现 Sink。
func (m *MemorySink) Name() string { return "memory" }

// Record 实现 Sink。
func (m *MemorySink) Record(_ context.Context, event Event) error {
	event.fill()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if m.capacity > 0 && len(m.events) > m.capacity {
		m.events = append([]Event(nil), m.events[len(m.events)-m.capacity:]...)
	}
	return nil
}

// Events 返回全部事件的副本。
func (m *MemorySink) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

// Read 实现 Reader。
func (m *MemorySink) Read(_ context.Context, filter Filter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return page(m.events, filter), nil
}

// Stats 实现 Reader。
func (m *MemorySink) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return summarize(m.events), nil
}

// Fanout 把事件依次写入多个 Sink，单个 Sink 失败不影响其余 Sink。
type Fanout struct {
	sinks []Sink
}

// NewFanout 创建 Fanout，忽略 nil。
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Name 实现 Sink。
func (f *Fanout) Name() string { return "fanout" }

// Sinks 返回下游 Sink。
func (f *Fanout) Sinks() []Sink { return append([]Sink(nil), f.sinks...) }

// Record 实现 Sink，返回所有失败的合并错误。
func (f *Fanout) Record(ctx context.Context, event Event) error {
	event.fill()
	var errs []error
	for _, s := range f.sinks {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Read 委托给第一个实现 Reader 的下游 Sink。
func (f *Fanout) Read(ctx context.Context, filter Filter) ([]Event, error) {
	if r := f.reader(); r != nil {
		return r.Read(ctx, filter)
	}
	return nil, ErrNotReadable
}

// Stats 委托给第一个实现 Reader 的下游 Sink。
func (f *Fanout) Stats(ctx context.Context) (Stats, error) {
	if r := f.reader(); r != nil {
		return r.Stats(ctx)
	}
	return Stats{}, ErrNotReadable
}

func (f *Fanout) reader() Reader {
	for _, s := range f.sinks {
		if r, ok := s.(Reader); ok {
			return r
		}
	}
	return nil
}

// Close 关闭所有持有资源的下游 Sink。
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ErrNotReadable 表示配置的 Sink 不支持回放。
var ErrNotReadable = errors.New("audit sink does not support reads")

// SinkError 标注失败的 Sink。
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("audit sink %s: %v", e.Sink, e.Err) }

func (e *SinkError) Unwrap() error { return e.Err }

// sinkNames 从错误中取出失败的 Sink 名称，无法识别时返回 fallback。
func sinkNames(err error, fallback string) []string {
	var names []string
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			var se *SinkError
			if errors.As(e, &se) {
				names = append(names, se.Sink)
			}
		}
	} else {
		var se *SinkError
		if errors.As(err, &se) {
			names = append(names, se.Sink)
		}
	}
	if len(names) == 0 {
		names = append(names, fallback)
	}
	return names
}
