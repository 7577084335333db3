package keys

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/observability/alerting"
	"BSM-Orchestrator/pkg/logger"
)

func testProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: "openai", Primary: "sk-openai", Fallback: "sk-openai-fb"},
		{Name: "anthropic", Primary: "sk-anthropic"},
		{Name: "perplexity", Primary: "pplx"},
		{Name: "google", Primary: "g-key"},
	}
}

func newTestManager(opts ...Option) *Manager {
	return NewManager(testProviders(), append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

func TestGetKeyReturnsPrimary(t *testing.T) {
	m := newTestManager()
	cred, err := m.GetKey(context.Background(), "openai")
	require.NoError(t, err)
	require.Equal(t, Credential{Provider: "openai", Key: "sk-openai", Source: SourcePrimary}, cred)
	require.NotNil(t, m.Stats().Providers[0].LastUsed)
}

func TestThreeFailuresSwitchToAlternative(t *testing.T) {
	alerts := &alerting.Recorder{}
	m := newTestManager(WithAlerts(alerting.NewFanout(alerts)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.ReportFailure(ctx, "openai"))
	}
	cred, err := m.GetKey(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, "anthropic", cred.Provider)
	require.Equal(t, "sk-anthropic", cred.Key)
	require.Equal(t, SourceAlternative, cred.Source)
	require.Equal(t, "anthropic", m.CurrentProvider())

	events := alerts.Events()
	require.Len(t, events, 1)
	require.Equal(t, CodeProviderFailed, events[0].Code)
	require.Equal(t, "openai", events[0].Subject)

	// 已失效后的失败不再重复通知。
	require.NoError(t, m.ReportFailure(ctx, "openai"))
	require.Len(t, alerts.Events(), 1)

	require.NoError(t, m.ReportSuccess(ctx, "openai"))
	cred, err = m.GetKey(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, SourcePrimary, cred.Source)
	require.Equal(t, 0, m.Stats().Providers[0].FailCount)
	require.Equal(t, StatusActive, m.Stats().Providers[0].Status)
}

func TestFallbackWhenCountReachedButNotFailed(t *testing.T) {
	m := newTestManager(WithThreshold(3))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.ReportFailure(ctx, "openai"))
	}
	// 远端把状态改回 active，但计数仍达到阈值：主凭证不可用，备用凭证可用。
	m.ApplyRemoteStatus(map[string]bool{"openai": true})
	cred, err := m.GetKey(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, SourceFallback, cred.Source)
	require.Equal(t, "sk-openai-fb", cred.Key)
}

func TestAllProvidersExhausted(t *testing.T) {
	m := NewManager([]ProviderConfig{{Name: "perplexity", Primary: "p"}, {Name: "openai"}}, WithLogger(logger.Discard()))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.ReportFailure(ctx, "perplexity"))
	}
	_, err := m.GetKey(ctx, "perplexity")
	require.ErrorIs(t, err, ErrAllProvidersExhausted)
	require.True(t, xerrors.ShouldAlert(err))
}

func TestUnknownProvider(t *testing.T) {
	m := newTestManager()
	_, err := m.GetKey(context.Background(), "mistral")
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.ErrorIs(t, m.ReportFailure(context.Background(), "mistral"), ErrUnknownProvider)
	require.ErrorIs(t, m.ReportSuccess(context.Background(), "mistral"), ErrUnknownProvider)
}

func TestStatsSnapshot(t *testing.T) {
	m := newTestManager()
	st := m.Stats()
	require.Equal(t, "openai", st.CurrentProvider)
	require.Len(t, st.Providers, 4)
	require.Equal(t, StatusUnknown, st.Providers[1].Status)
	require.True(t, st.Providers[0].HasFallback)
	require.False(t, st.Providers[1].HasFallback)
	require.Nil(t, st.Providers[1].LastUsed)
}

func TestEnvProviders(t *testing.T) {
	env := map[string]string{"OPENAI_BSM_KEY": "a", "GOOGLE_AI_KEY": "g"}
	providers := EnvProviders(func(k string) string { return env[k] })
	require.Len(t, providers, 4)
	require.Equal(t, "a", providers[0].Primary)
	require.Equal(t, "", providers[0].Fallback)
	require.Equal(t, "g", providers[3].Primary)
}

func TestFailureCountNeverLostUnderConcurrency(t *testing.T) {
	m := newTestManager(WithThreshold(1000))
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.ReportFailure(ctx, "google")
		}()
		go func() {
			defer wg.Done()
			m.ApplyRemoteStatus(map[string]bool{"google": true})
		}()
	}
	wg.Wait()
	require.Equal(t, 50, m.Stats().Providers[3].FailCount)
}

func TestStatusInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := newTestManager()
		ctx := context.Background()
		count := 0
		ops := rapid.SliceOfN(rapid.SampledFrom([]string{"fail", "ok"}), 1, 20).Draw(rt, "ops")
		for _, op := range ops {
			if op == "fail" {
				_ = m.ReportFailure(ctx, "openai")
				count++
			} else {
				_ = m.ReportSuccess(ctx, "openai")
				count = 0
			}
			ps := m.Stats().Providers[0]
			if ps.FailCount != count {
				rt.Fatalf("fail count %d, want %d", ps.FailCount, count)
			}
			if (ps.Status == StatusFailed) != (count >= DefaultThreshold) {
				rt.Fatalf("status %s with count %d", ps.Status, count)
			}
		}
	})
}
