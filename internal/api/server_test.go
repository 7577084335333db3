package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"BSM-Orchestrator/internal/agent"
	"BSM-Orchestrator/internal/audit"
	"BSM-Orchestrator/internal/auth"
	"BSM-Orchestrator/internal/behavior"
	"BSM-Orchestrator/internal/guard"
	"BSM-Orchestrator/internal/job"
	"BSM-Orchestrator/internal/keys"
	"BSM-Orchestrator/internal/pipeline"
	"BSM-Orchestrator/internal/registry"
	"BSM-Orchestrator/pkg/logger"
)

const testRegistry = `agents:
  - id: lint
    modes: { allowed: [local, ci] }
  - id: ci-only
    modes: { allowed: [ci] }
  - id: deploy
    modes: { allowed: [local] }
    approval: { required: true, type: manual, approvers: [alice] }
  - id: unbound
    modes: { allowed: [local] }
`

type fixture struct {
	server    *Server
	sink      *audit.MemorySink
	stream    *audit.Broadcaster
	approvals *guard.MemoryApprovalStore
	jobs      *job.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	table := behavior.NewTable(behavior.WithTableLogger(logger.Discard()))
	noop := agent.BehaviorFunc(func(context.Context, agent.Invocation) error { return nil })
	require.NoError(t, table.Register("lint", noop))
	require.NoError(t, table.Register("ci-only", noop))
	require.NoError(t, table.Register("deploy", noop))

	store := registry.NewStore(&registry.StaticSource{Content: []byte(testRegistry)},
		registry.WithBinder(table), registry.WithLogger(logger.Discard()))
	sink := audit.NewMemorySink(0)
	stream := audit.NewBroadcaster()
	recorder := audit.NewRecorder(audit.NewFanout(sink, stream), audit.WithRecorderLogger(logger.Discard()))
	approvals := guard.NewMemoryApprovalStore()
	orch := pipeline.New(store,
		pipeline.WithRecorder(recorder),
		pipeline.WithApprovalGuard(guard.NewApprovalGuard(approvals, guard.WithApprovalLogger(logger.Discard()))),
		pipeline.WithLogger(logger.Discard()),
	)
	jobs := job.NewService(job.NewMemoryStore(), job.NewMemoryQueue(16), job.DefaultMaxRetries)
	manager := keys.NewManager([]keys.ProviderConfig{{Name: "openai", Primary: "sk-test"}},
		keys.WithLogger(logger.Discard()))

	srv := NewServer(":0", orch,
		WithRegistry(store),
		WithApprovals(approvals),
		WithKeys(manager),
		WithAuditReader(recorder.Reader()),
		WithAuditStream(stream),
		WithJobs(jobs),
		WithLogger(logger.Discard()),
		WithPingInterval(50*time.Millisecond),
	)
	t.Cleanup(func() { _ = stream.Close() })
	return &fixture{server: srv, sink: sink, stream: stream, approvals: approvals, jobs: jobs}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRunPipelineSucceeds(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/pipelines/run", map[string]any{
		"agents": []string{"lint"}, "mode": "LOCAL", "actor": "u1", "run_id": "run-ok",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[runResponse](t, rec)
	require.Equal(t, "run-ok", resp.RunID)
	require.Equal(t, "succeeded", resp.Status)
	require.Equal(t, "local", resp.Mode)

	kinds := make([]audit.Kind, 0)
	for _, e := range f.sink.Events() {
		require.Equal(t, "run-ok", e.RunID)
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []audit.Kind{audit.KindPipelineStart, audit.KindAgentRun, audit.KindPipelineEnd}, kinds)
}

func TestRunPipelineErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		body    map[string]any
		status  int
		code    string
		agentID string
	}{
		{"mode denied", map[string]any{"agents": []string{"lint", "ci-only"}, "mode": "local", "actor": "u1"},
			http.StatusForbidden, "MODE_DENIED", "ci-only"},
		{"approval denied", map[string]any{"agents": []string{"deploy"}, "mode": "local", "actor": "u1"},
			http.StatusForbidden, "APPROVAL_DENIED", "deploy"},
		{"agent not found", map[string]any{"agents": []string{"ghost"}, "mode": "local", "actor": "u1"},
			http.StatusNotFound, "AGENT_NOT_FOUND", "ghost"},
		{"misconfigured", map[string]any{"agents": []string{"unbound"}, "mode": "local", "actor": "u1"},
			http.StatusInternalServerError, "MISCONFIGURED_AGENT", "unbound"},
		{"unknown mode", map[string]any{"agents": []string{"lint"}, "mode": "cloud", "actor": "u1"},
			http.StatusBadRequest, "INVALID_ARGUMENT", ""},
		{"empty agents", map[string]any{"agents": []string{}, "mode": "local", "actor": "u1"},
			http.StatusBadRequest, "INVALID_ARGUMENT", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/api/v1/pipelines/run", tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			resp := decode[errorResponse](t, rec)
			require.Equal(t, tc.code, resp.Code)
			require.Equal(t, tc.agentID, resp.AgentID)
			require.NotEmpty(t, resp.RunID)
			require.False(t, resp.Retryable)
		})
	}
}

func TestRunPipelineRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/run", strings.NewReader(`{"agents":`))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_ARGUMENT", decode[errorResponse](t, rec).Code)

	rec = f.do(t, http.MethodGet, "/api/v1/pipelines/run", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestApprovalGrantAndRevoke(t *testing.T) {
	f := newFixture(t)
	run := map[string]any{"agents": []string{"deploy"}, "mode": "local", "actor": "u1"}

	rec := f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{
		"agent_id": "deploy", "actor": "u1", "approved_by": "alice", "ttl": "1h",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	granted := decode[guard.Approval](t, rec)
	require.WithinDuration(t, granted.GrantedAt.Add(time.Hour), granted.ExpiresAt, time.Second)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/pipelines/run", run).Code)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/approvals/deploy/u1", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/approvals/deploy/u1", nil).Code)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/v1/pipelines/run", run).Code)
}

func TestApprovalGrantValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{"agent_id": "deploy", "actor": "u1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{
		"agent_id": "ghost", "actor": "u1", "approved_by": "alice",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "AGENT_NOT_FOUND", decode[errorResponse](t, rec).Code)
}

func TestListAgentsByMode(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/agents?mode=ci", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Mode   string `json:"mode"`
		Agents []struct {
			ID string `json:"id"`
		} `json:"agents"`
	}](t, rec)
	require.Equal(t, "ci", resp.Mode)
	ids := make([]string, 0, len(resp.Agents))
	for _, a := range resp.Agents {
		ids = append(ids, a.ID)
	}
	require.Equal(t, []string{"lint", "ci-only"}, ids)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/agents?mode=cloud", nil).Code)
}

func TestRegistryStatusAndRefresh(t *testing.T) {
	f := newFixture(t)
	status := decode[registry.Status](t, f.do(t, http.MethodGet, "/api/v1/registry/status", nil))
	require.False(t, status.Cached)

	rec := f.do(t, http.MethodPost, "/api/v1/registry/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status = decode[registry.Status](t, rec)
	require.True(t, status.Cached)
	require.Equal(t, 4, status.AgentCount)
	require.Equal(t, int64(1), status.Loads)
}

func TestKeyStatsHidesSecrets(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/keys/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "sk-test")
	stats := decode[keys.Stats](t, rec)
	require.Len(t, stats.Providers, 1)
	require.True(t, stats.Providers[0].HasPrimary)
}

func TestAuditQueryAndStats(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"r1", "r2"} {
		rec := f.do(t, http.MethodPost, "/api/v1/pipelines/run", map[string]any{
			"agents": []string{"lint"}, "mode": "local", "actor": "u1", "run_id": id,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	resp := decode[auditEventsResponse](t, f.do(t, http.MethodGet, "/api/v1/audit?run_id=r2&kind=agent-run", nil))
	require.Len(t, resp.Events, 1)
	require.Equal(t, "r2", resp.Events[0].RunID)

	rec := f.do(t, http.MethodGet, "/api/v1/audit?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	stats := decode[audit.Stats](t, f.do(t, http.MethodGet, "/api/v1/audit/stats", nil))
	require.Equal(t, 6, stats.Total)
	require.Equal(t, 2, stats.Runs)
}

func TestAuditStreamPushesEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/audit/stream?run_id=live"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return f.stream.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	body, _ := json.Marshal(map[string]any{"agents": []string{"lint"}, "mode": "local", "actor": "u1", "run_id": "live"})
	runResp, err := http.Post(ts.URL+"/api/v1/pipelines/run", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	runResp.Body.Close()
	require.Equal(t, http.StatusOK, runResp.StatusCode)

	var got []audit.Kind
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) < 3 {
		var event audit.Event
		require.NoError(t, conn.ReadJSON(&event))
		require.Equal(t, "live", event.RunID)
		got = append(got, event.Kind)
	}
	require.Equal(t, []audit.Kind{audit.KindPipelineStart, audit.KindAgentRun, audit.KindPipelineEnd}, got)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return f.stream.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestJobsSubmitAndQuery(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"id": "job-1", "agents": []string{"lint"}, "mode": "local", "actor": "u1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[job.Job](t, rec)
	require.Equal(t, job.StatusPending, created.Status)
	require.Equal(t, "192.0.2.1", created.IP)

	detail := f.do(t, http.MethodGet, "/api/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, detail.Code)
	require.Equal(t, "job-1", decode[job.Job](t, detail).ID)

	list := decode[jobListResponse](t, f.do(t, http.MethodGet, "/api/v1/jobs?status=pending&actor=u1", nil))
	require.Len(t, list.Jobs, 1)
	require.Equal(t, 1, list.Stats.Pending)

	missing := f.do(t, http.MethodGet, "/api/v1/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, missing.Code)
	require.Equal(t, "JOB_NOT_FOUND", decode[errorResponse](t, missing).Code)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/jobs?status=weird", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"agents": []string{}, "mode": "local", "actor": "u1",
	}).Code)
}

func TestDisabledFeaturesReturnUnavailable(t *testing.T) {
	srv := NewServer(":0", nil, WithLogger(logger.Discard()))
	for _, path := range []string{"/api/v1/agents?mode=local", "/api/v1/registry/status", "/api/v1/keys/stats", "/api/v1/audit", "/api/v1/jobs"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		require.Equal(t, "UNAVAILABLE", decode[errorResponse](t, rec).Code)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	withContext(ctx, http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthTokensGateRoutesAndSetActor(t *testing.T) {
	f := newFixture(t)
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeToken,
		Tokens: []auth.TokenConfig{
			{Name: "ci-bot", Token: "run-token", Permissions: []string{auth.PermissionRun}},
			{Name: "ops", Token: "admin-token", Permissions: []string{auth.PermissionAdmin}},
		},
	})
	require.NoError(t, err)
	f.server.auth = svc

	call := func(method, path, token string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	run := map[string]any{"agents": []string{"lint"}, "mode": "local", "actor": "spoofed", "run_id": "run-auth"}
	require.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "/api/v1/pipelines/run", "", run).Code)
	require.Equal(t, http.StatusOK, call(http.MethodGet, "/healthz", "", nil).Code)

	rec := call(http.MethodPost, "/api/v1/pipelines/run", "run-token", run)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, e := range f.sink.Events() {
		require.Equal(t, "ci-bot", e.Actor)
	}

	require.Equal(t, http.StatusForbidden, call(http.MethodGet, "/api/v1/audit", "run-token", nil).Code)
	require.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/audit", "admin-token", nil).Code)

	grant := call(http.MethodPost, "/api/v1/approvals", "admin-token", map[string]any{
		"agent_id": "deploy", "actor": "alice",
	})
	require.Equal(t, http.StatusCreated, grant.Code, grant.Body.String())
	require.Equal(t, "ops", decode[guard.Approval](t, grant).ApprovedBy)
}
