package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"BSM-Orchestrator/internal/agent"
	xerrors "BSM-Orchestrator/internal/errors"
)

type slowSource struct {
	content []byte
	delay   time.Duration
	reads   atomic.Int64
	err     atomic.Pointer[error]
}

func (s *slowSource) Read(ctx context.Context) ([]byte, error) {
	s.reads.Add(1)
	time.Sleep(s.delay)
	if errp := s.err.Load(); errp != nil {
		return nil, *errp
	}
	return s.content, nil
}

func (s *slowSource) Name() string { return "slow" }

type stubBinder struct{}

func (stubBinder) Bind(rec *agent.Record) agent.Behavior {
	return agent.BehaviorFunc(func(context.Context, agent.Invocation) error { return nil })
}

func docWithAgents(n int) []byte {
	doc := "agents:\n"
	for i := 0; i < n; i++ {
		doc += fmt.Sprintf("  - id: agent-%d\n    modes: { allowed: [local] }\n", i)
	}
	return []byte(doc)
}

func TestConcurrentFirstLookupsLoadOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		agents := rapid.IntRange(1, 8).Draw(rt, "agents")
		callers := rapid.IntRange(2, 32).Draw(rt, "callers")

		src := &slowSource{content: docWithAgents(agents), delay: 5 * time.Millisecond}
		store := NewStore(src, WithBinder(stubBinder{}))

		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec, err := store.Get(context.Background(), fmt.Sprintf("agent-%d", i%agents))
				if err == nil && rec == nil {
					err = stdErrors.New("nil record")
				}
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				rt.Fatalf("lookup failed: %v", err)
			}
		}
		if got := src.reads.Load(); got != 1 {
			rt.Fatalf("expected exactly one load, got %d", got)
		}
		if store.Loads() != 1 {
			rt.Fatalf("store counted %d loads", store.Loads())
		}
	})
}

func TestGetUnknownAgent(t *testing.T) {
	store := NewStore(&StaticSource{Content: docWithAgents(1)}, WithBinder(stubBinder{}))
	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, stdErrors.Is(err, ErrAgentNotFound))
	require.Equal(t, "missing", xerrors.MetadataValue(err, "agent_id"))
}

func TestLoadFailureIsSurfacedAndRetried(t *testing.T) {
	src := &StaticSource{Content: []byte("agents:\n  - name: no-id\n")}
	store := NewStore(src)

	_, err := store.Get(context.Background(), "x")
	require.Equal(t, CodeRegistryInvalid, xerrors.CodeOf(err))
	require.Nil(t, store.Current())

	src.Content = docWithAgents(1)
	_, err = store.Get(context.Background(), "agent-0")
	require.NoError(t, err)
	require.EqualValues(t, 2, src.Reads())
}

func TestSourceReadFailureIsRetryable(t *testing.T) {
	src := &slowSource{}
	boom := stdErrors.New("disk gone")
	src.err.Store(&boom)
	store := NewStore(src)

	_, err := store.Load(context.Background())
	require.Equal(t, CodeRegistryUnavailable, xerrors.CodeOf(err))
	require.True(t, xerrors.RetryableError(err))
	require.ErrorIs(t, err, boom)
}

func TestRefreshSwapsAtomicallyAndKeepsOldOnFailure(t *testing.T) {
	src := &StaticSource{Content: docWithAgents(1)}
	store := NewStore(src, WithBinder(stubBinder{}))

	first, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Len())

	src.Content = docWithAgents(3)
	second, err := store.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, second.Len())
	require.Equal(t, 1, first.Len(), "old snapshot must not be mutated")

	src.Content = []byte("agents: [")
	_, err = store.Refresh(context.Background())
	require.Error(t, err)
	require.Same(t, second, store.Current())
}

// gatedSource 在读取开始时截取内容，并阻塞到该次读取被放行。
type gatedSource struct {
	mu      sync.Mutex
	content []byte
	started chan chan struct{}
}

func newGatedSource(content []byte) *gatedSource {
	return &gatedSource{content: content, started: make(chan chan struct{}, 4)}
}

func (g *gatedSource) set(content []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.content = content
}

func (g *gatedSource) Read(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	content := g.content
	g.mu.Unlock()
	release := make(chan struct{})
	g.started <- release
	select {
	case <-release:
		return content, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedSource) Name() string { return "gated" }

func TestRefreshAfterEditNeverServesEarlierRead(t *testing.T) {
	for _, newerFirst := range []bool{false, true} {
		t.Run(fmt.Sprintf("newer_first=%v", newerFirst), func(t *testing.T) {
			src := newGatedSource(docWithAgents(1))
			store := NewStore(src, WithBinder(stubBinder{}))

			type result struct {
				reg *Registry
				err error
			}
			refresh := func() <-chan result {
				out := make(chan result, 1)
				go func() {
					reg, err := store.Refresh(context.Background())
					out <- result{reg, err}
				}()
				return out
			}
			waitRead := func() chan struct{} {
				select {
				case release := <-src.started:
					return release
				case <-time.After(time.Second):
					t.Fatalf("refresh did not start its own read")
					return nil
				}
			}

			earlier := refresh()
			releaseEarlier := waitRead()
			src.set(docWithAgents(3))
			later := refresh()
			releaseLater := waitRead()

			if newerFirst {
				close(releaseLater)
				res := <-later
				require.NoError(t, res.err)
				require.Equal(t, 3, res.reg.Len())
				close(releaseEarlier)
				res = <-earlier
				require.NoError(t, res.err)
				require.Equal(t, 3, res.reg.Len(), "stale read must not replace the newer snapshot")
			} else {
				close(releaseEarlier)
				res := <-earlier
				require.NoError(t, res.err)
				require.Equal(t, 1, res.reg.Len())
				close(releaseLater)
				res = <-later
				require.NoError(t, res.err)
				require.Equal(t, 3, res.reg.Len())
			}

			require.Equal(t, 3, store.Current().Len())
			require.Equal(t, int64(2), store.Loads())
		})
	}
}

func TestStrictModeRejectsWarnings(t *testing.T) {
	doc := []byte("agents:\n  - id: unbound\n    modes: { allowed: [local] }\n")

	lenient := NewStore(&StaticSource{Content: doc})
	reg, err := lenient.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, reg.Issues(), 1)
	rec, _ := reg.Get("unbound")
	require.False(t, rec.Bound())

	strict := NewStore(&StaticSource{Content: doc}, WithStrict(true))
	_, err = strict.Load(context.Background())
	require.Equal(t, CodeRegistryInvalid, xerrors.CodeOf(err))
}

func TestCanceledWaiterDoesNotPoisonLoad(t *testing.T) {
	src := &slowSource{content: docWithAgents(1), delay: 50 * time.Millisecond}
	store := NewStore(src, WithBinder(stubBinder{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := store.Load(ctx)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	require.Equal(t, xerrors.CodeCanceled, xerrors.CodeOf(<-done))

	reg, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())
	require.EqualValues(t, 1, src.reads.Load())
}

func TestStatusReflectsCache(t *testing.T) {
	store := NewStore(&StaticSource{Content: docWithAgents(2)}, WithBinder(stubBinder{}))
	require.False(t, store.Status().Cached)
	_, err := store.Load(context.Background())
	require.NoError(t, err)
	st := store.Status()
	require.True(t, st.Cached)
	require.Equal(t, 2, st.AgentCount)
	require.EqualValues(t, 1, st.Loads)
}

func TestWatcherRefreshesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, docWithAgents(1), 0o644))

	src, err := NewFileSource(path)
	require.NoError(t, err)
	store := NewStore(src, WithBinder(stubBinder{}))
	_, err = store.Load(context.Background())
	require.NoError(t, err)

	reloaded := make(chan int, 4)
	w, err := NewWatcher(store, path, WithDebounce(20*time.Millisecond), WithReloadHook(func(reg *Registry, err error) {
		if err == nil {
			reloaded <- reg.Len()
		}
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, docWithAgents(4), 0o644))
	select {
	case n := <-reloaded:
		require.Equal(t, 4, n)
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher did not refresh registry")
	}
	require.Equal(t, 4, store.Current().Len())
}
