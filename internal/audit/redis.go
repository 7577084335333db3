package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// StreamAdder 是 Redis 流写入所需的命令子集，*redis.Client 满足该接口。
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink 通过 XADD 把事件写入 Redis 流，按近似 MAXLEN 裁剪。
type RedisStreamSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisStreamSink 创建流 Sink。
func NewRedisStreamSink(client StreamAdder, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "bsm:audit"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name 实现 Sink。
func (s *RedisStreamSink) Name() string { return "redis" }

// Record 实现 Sink。
func (s *RedisStreamSink) Record(ctx context.Context, event Event) error {
	event.fill()
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("序列化审计详情失败: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":        event.ID,
			"run_id":    event.RunID,
			"seq":       strconv.FormatInt(event.Seq, 10),
			"kind":      string(event.Kind),
			"actor":     event.Actor,
			"timestamp": event.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			"detail":    string(detail),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("写入 Redis 审计流失败: %w", err)
	}
	return nil
}
