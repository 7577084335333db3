package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"BSM-Orchestrator/internal/observability/metrics"
)

// ErrQueueFull 表示事件在等待入队超时后被丢弃。
var ErrQueueFull = errors.New("audit queue full, event dropped")

// ErrClosed 表示 AsyncSink 已关闭。
var ErrClosed = errors.New("audit sink closed")

// AsyncOptions 描述异步写入参数。
type AsyncOptions struct {
	QueueSize      int
	EnqueueTimeout time.Duration
	// OnError 在后台写入失败时调用，调用发生在写入协程内。
	OnError func(Event, error)
	Metrics *metrics.Metrics
}

// AsyncSink 用单个协程按入队顺序写入下游 Sink。
type AsyncSink struct {
	next    Sink
	queue   chan Event
	timeout time.Duration
	onError func(Event, error)
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink 创建并启动异步 Sink。
func NewAsyncSink(next Sink, opts AsyncOptions) *AsyncSink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 100 * time.Millisecond
	}
	s := &AsyncSink{
		next:    next,
		queue:   make(chan Event, opts.QueueSize),
		timeout: opts.EnqueueTimeout,
		onError: opts.OnError,
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Name 实现 Sink。
func (s *AsyncSink) Name() string { return s.next.Name() }

// Record 将事件入队。队列满时最多等待 EnqueueTimeout，之后返回 ErrQueueFull。
func (s *AsyncSink) Record(ctx context.Context, event Event) error {
	event.fill()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	select {
	case s.queue <- event:
		s.metrics.SetAuditQueueDepth(len(s.queue))
		return nil
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case s.queue <- event:
		s.metrics.SetAuditQueueDepth(len(s.queue))
		return nil
	case <-timer.C:
		return &SinkError{Sink: s.next.Name(), Err: ErrQueueFull}
	case <-ctx.Done():
		return &SinkError{Sink: s.next.Name(), Err: ctx.Err()}
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for event := range s.queue {
		if err := s.next.Record(context.Background(), event); err != nil && s.onError != nil {
			s.onError(event, err)
		}
		s.metrics.SetAuditQueueDepth(len(s.queue))
	}
}

// Pending 返回尚未写入的事件数。
func (s *AsyncSink) Pending() int { return len(s.queue) }

// Close 停止接收新事件并等待队列写完，随后关闭下游 Sink。
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c, ok := s.next.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Read 委托给下游 Sink。
func (s *AsyncSink) Read(ctx context.Context, filter Filter) ([]Event, error) {
	if r, ok := s.next.(Reader); ok {
		return r.Read(ctx, filter)
	}
	return nil, ErrNotReadable
}

// Stats 委托给下游 Sink。
func (s *AsyncSink) Stats(ctx context.Context) (Stats, error) {
	if r, ok := s.next.(Reader); ok {
		return r.Stats(ctx)
	}
	return Stats{}, ErrNotReadable
}
