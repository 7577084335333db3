package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu         sync.Mutex
	prefetch   int
	declared   string
	durable    bool
	published  []amqp.Publishing
	deliveries chan amqp.Delivery
	closeCh    chan *amqp.Error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.declared, f.durable = name, durable
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCh = c
	return c
}

func (f *fakeChannel) listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCh != nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

// serverClose 模拟服务端关闭 channel。
func (f *fakeChannel) serverClose() {
	f.mu.Lock()
	c := f.closeCh
	f.mu.Unlock()
	c <- &amqp.Error{Code: amqp.ChannelError, Reason: "PRECONDITION_FAILED"}
	close(f.deliveries)
}

type fakeAcker struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func TestRabbitMQQueueDeclaresAndPublishes(t *testing.T) {
	ch := newFakeChannel()
	q, err := newRabbitMQQueue(ch, RabbitMQConfig{Prefetch: 8, Durable: true})
	require.NoError(t, err)
	require.Equal(t, "bsm.jobs", ch.declared)
	require.True(t, ch.durable)
	require.Equal(t, 8, ch.prefetch)

	require.NoError(t, q.Publish(context.Background(), "job-1"))
	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	require.Equal(t, "job-1", string(msg.Body))
	require.Equal(t, "job-1", msg.MessageId)
	require.Equal(t, amqp.Persistent, msg.DeliveryMode)

	require.NoError(t, q.Close())
	require.True(t, ch.closed)
}

func TestRabbitMQQueueAcksAndRequeues(t *testing.T) {
	ch := newFakeChannel()
	q, err := newRabbitMQQueue(ch, RabbitMQConfig{Queue: "jobs"})
	require.NoError(t, err)

	acker := &fakeAcker{}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("ok")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("bad")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(_ context.Context, id string) error {
			if id == "bad" {
				return errors.New("store down")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		acker.mu.Lock()
		defer acker.mu.Unlock()
		return len(acker.acked) == 1 && len(acker.nacked) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []uint64{1}, acker.acked)
	require.Equal(t, []bool{true}, acker.requeue)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRabbitMQQueueReturnsOnChannelClose(t *testing.T) {
	ch := newFakeChannel()
	q, err := newRabbitMQQueue(ch, RabbitMQConfig{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), 2, func(context.Context, string) error { return nil })
	}()
	require.Eventually(t, ch.listening, time.Second, 5*time.Millisecond)
	ch.serverClose()

	select {
	case err := <-done:
		require.ErrorContains(t, err, "PRECONDITION_FAILED")
	case <-time.After(time.Second):
		t.Fatalf("consume did not return after channel close")
	}
}
