package guard

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "BSM-Orchestrator/internal/errors"
)

// RedisKV 是签核存储用到的 Redis 命令子集，*redis.Client 满足该接口。
type RedisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisApprovalStore 以 JSON 形式把签核保存在 Redis，过期由 TTL 负责。
type RedisApprovalStore struct {
	client     RedisKV
	prefix     string
	defaultTTL time.Duration
	now        func() time.Time
}

// NewRedisApprovalStore 创建 Redis 签核存储。defaultTTL 用于未指定过期时间的签核，
// 为 0 时永不过期。
func NewRedisApprovalStore(client RedisKV, prefix string, defaultTTL time.Duration) *RedisApprovalStore {
	if prefix == "" {
		prefix = "bsm:approval"
	}
	return &RedisApprovalStore{client: client, prefix: prefix, defaultTTL: defaultTTL, now: time.Now}
}

func (s *RedisApprovalStore) key(agentID, actor string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, agentID, actor)
}

// Lookup 实现 ApprovalStore。
func (s *RedisApprovalStore) Lookup(ctx context.Context, agentID, actor string) (*Approval, error) {
	raw, err := s.client.Get(ctx, s.key(agentID, actor)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrApprovalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 签核失败")
	}
	var a Approval
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Redis 签核失败")
	}
	if a.Expired(s.now()) {
		return nil, ErrApprovalNotFound
	}
	return &a, nil
}

// Grant 实现 ApprovalStore。
func (s *RedisApprovalStore) Grant(ctx context.Context, a Approval) error {
	if err := ValidateGrant(a); err != nil {
		return err
	}
	now := s.now()
	if a.GrantedAt.IsZero() {
		a.GrantedAt = now
	}
	if a.ExpiresAt.IsZero() && s.defaultTTL > 0 {
		a.ExpiresAt = now.Add(s.defaultTTL)
	}
	var ttl time.Duration
	if !a.ExpiresAt.IsZero() {
		ttl = a.ExpiresAt.Sub(now)
		if ttl <= 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "签核过期时间必须晚于当前时间")
		}
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码签核失败")
	}
	if err := s.client.Set(ctx, s.key(a.AgentID, a.Actor), payload, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 签核失败")
	}
	return nil
}

// Revoke 实现 ApprovalStore。
func (s *RedisApprovalStore) Revoke(ctx context.Context, agentID, actor string) error {
	n, err := s.client.Del(ctx, s.key(agentID, actor)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 签核失败")
	}
	if n == 0 {
		return ErrApprovalNotFound
	}
	return nil
}
