package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// amqpChannel 是队列用到的 channel 能力。
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// RabbitMQQueue 使用 RabbitMQ 实现作业队列，消息体为作业 ID。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	ch      amqpChannel
	queue   string
	durable bool
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	q, err := newRabbitMQQueue(ch, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

func newRabbitMQQueue(ch amqpChannel, cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	queue := cfg.Queue
	if queue == "" {
		queue = "bsm.jobs"
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", queue, err)
	}
	return &RabbitMQQueue{ch: ch, queue: queue, durable: cfg.Durable}, nil
}

// Publish 将作业投递到默认交换机，持久队列的消息同样持久化。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   jobID,
		Timestamp:   time.Now().UTC(),
		Body:        []byte(jobID),
	}
	if q.durable {
		msg.DeliveryMode = amqp.Persistent
	}
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg)
}

// Consume 使用手动确认模式消费队列，处理失败的消息重新入队。
// channel 被服务端关闭时返回错误，交由上层决定是否重启。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	closed := q.ch.NotifyClose(make(chan *amqp.Error, 1))
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					if err := handler(ctx, string(msg.Body)); err != nil {
						_ = msg.Nack(false, true)
						continue
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			result = fmt.Errorf("RabbitMQ channel 已关闭: %w", amqpErr)
		} else {
			result = errors.New("RabbitMQ channel 已关闭")
		}
	}
	wg.Wait()
	return result
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
