package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"BSM-Orchestrator/internal/agent"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  map[string]time.Duration
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string][]byte{}, ttl: map[string]time.Duration{}}
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.([]byte)
	f.ttl[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisApprovalStoreRoundTrip(t *testing.T) {
	kv := newFakeKV()
	store := NewRedisApprovalStore(kv, "", 30*time.Minute)
	ctx := context.Background()

	_, err := store.Lookup(ctx, "a", "u")
	require.ErrorIs(t, err, ErrApprovalNotFound)

	require.NoError(t, store.Grant(ctx, Approval{AgentID: "a", Actor: "u", ApprovedBy: "alice", Mode: agent.ModeCI}))
	got, err := store.Lookup(ctx, "a", "u")
	require.NoError(t, err)
	require.Equal(t, "alice", got.ApprovedBy)
	require.Equal(t, agent.ModeCI, got.Mode)
	require.InDelta(t, (30 * time.Minute).Seconds(), kv.ttl["bsm:approval:a:u"].Seconds(), 1)

	require.NoError(t, store.Revoke(ctx, "a", "u"))
	require.ErrorIs(t, store.Revoke(ctx, "a", "u"), ErrApprovalNotFound)
}

func TestRedisApprovalStoreRejectsPastExpiry(t *testing.T) {
	store := NewRedisApprovalStore(newFakeKV(), "p", 0)
	err := store.Grant(context.Background(), Approval{AgentID: "a", Actor: "u", ApprovedBy: "x", ExpiresAt: time.Now().Add(-time.Second)})
	require.Error(t, err)
}
