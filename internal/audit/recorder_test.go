package audit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"BSM-Orchestrator/internal/observability/alerting"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/pkg/logger"
)

func TestRecorderAssignsSequencePerRun(t *testing.T) {
	mem := NewMemorySink(0)
	r := NewRecorder(mem, WithRecorderLogger(logger.Discard()))
	ctx := context.Background()

	a := r.Record(ctx, Event{RunID: "a", Kind: KindPipelineStart})
	b := r.Record(ctx, Event{RunID: "b", Kind: KindPipelineStart})
	a2 := r.Record(ctx, Event{RunID: "a", Kind: KindAgentRun})
	end := r.Record(ctx, Event{RunID: "a", Kind: KindPipelineEnd})
	require.Equal(t, int64(1), a.Seq)
	require.Equal(t, int64(1), b.Seq)
	require.Equal(t, int64(2), a2.Seq)
	require.Equal(t, int64(3), end.Seq)

	r.mu.Lock()
	_, tracked := r.seqs["a"]
	r.mu.Unlock()
	require.False(t, tracked, "finished runs must release their counter")
	require.Len(t, mem.Events(), 4)
}

func TestRecorderEscalatesFailures(t *testing.T) {
	m := metrics.New()
	alerts := &alerting.Recorder{}
	r := NewRecorder(failingSink{name: "file"},
		WithRecorderLogger(logger.Discard()),
		WithRecorderMetrics(m),
		WithAlerts(alerting.NewFanout(alerts)),
	)

	e := r.Record(context.Background(), Event{RunID: "r", Kind: KindAgentRun})
	require.NotEmpty(t, e.ID)

	events := alerts.Events()
	require.Len(t, events, 1)
	require.Equal(t, CodeAuditWriteFailed, events[0].Code)
	require.Equal(t, "r", events[0].Subject)

	n, err := testutil.GatherAndCount(m.Registry(), "bsm_audit_write_failures_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecorderAsyncEscalatesBackgroundFailures(t *testing.T) {
	alerts := &alerting.Recorder{}
	r := NewRecorder(failingSink{name: "mysql"},
		WithRecorderLogger(logger.Discard()),
		WithAlerts(alerting.NewFanout(alerts)),
		WithAsync(AsyncOptions{QueueSize: 4}),
	)
	r.Record(context.Background(), Event{RunID: "r", Kind: KindPipelineStart})
	require.NoError(t, r.Close(context.Background()))
	require.Eventually(t, func() bool { return len(alerts.Events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecorderReader(t *testing.T) {
	r := NewRecorder(NewMemorySink(0), WithAsync(AsyncOptions{}))
	require.NotNil(t, r.Reader())
	require.NoError(t, r.Close(context.Background()))
	require.Nil(t, NewRecorder(failingSink{name: "x"}).Reader())
}
