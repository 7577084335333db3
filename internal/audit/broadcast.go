package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 256

// Broadcaster 把事件实时推送给订阅者，用于审计流接口。
// 订阅者缓冲区满时丢弃该订阅者的事件，不阻塞写入。
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription 是一个订阅。
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	filter  Filter
	dropped atomic.Int64
	owner   *Broadcaster
	once    sync.Once
}

// NewBroadcaster 创建广播 sink。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Name 实现 Sink。
func (b *Broadcaster) Name() string { return "stream" }

// Subscribe 注册订阅，filter 的 Kind 与 RunID 生效。buffer 非正时使用默认值。
func (b *Broadcaster) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter, owner: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Record 实现 Sink。
func (b *Broadcaster) Record(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.filter.match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers 返回当前订阅数。
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭所有订阅。
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

// Dropped 返回因缓冲区满而丢弃的事件数。
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close 取消订阅并关闭 C。
func (s *Subscription) Close() {
	b := s.owner
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
