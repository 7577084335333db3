package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "bsm"

// Metrics 持有编排器全部 Prometheus 指标。所有方法对 nil 接收者安全，
// 组件未注入指标时直接跳过。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	pipelineRuns     *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
	guardDecisions   *prometheus.CounterVec
	agentExecutions  *prometheus.CounterVec

	registryLoads  *prometheus.CounterVec
	registryAgents prometheus.Gauge

	auditEvents        *prometheus.CounterVec
	auditWriteFailures *prometheus.CounterVec
	auditQueueDepth    prometheus.Gauge

	credentialFailures  *prometheus.CounterVec
	credentialStatus    *prometheus.GaugeVec
	credentialFailovers *prometheus.CounterVec
	statusFetches       *prometheus.CounterVec

	jobs *prometheus.CounterVec
}

// New 创建独立 registry 并注册所有指标。
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pipeline_runs_total",
			Help: "Pipeline runs by outcome (succeeded or the error code that stopped them).",
		}, []string{"outcome"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pipeline_duration_seconds",
			Help:    "Wall time of a pipeline run.",
			Buckets: prometheus.DefBuckets,
		}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "guard_decisions_total",
			Help: "Guard decisions by guard and result.",
		}, []string{"guard", "result"}),
		agentExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_executions_total",
			Help: "Agent behaviour invocations by agent and outcome.",
		}, []string{"agent", "outcome"}),
		registryLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_loads_total",
			Help: "Registry document loads by result.",
		}, []string{"result"}),
		registryAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "registry_agents",
			Help: "Number of agents in the active registry.",
		}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_events_total",
			Help: "Audit events emitted by kind.",
		}, []string{"kind"}),
		auditWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_write_failures_total",
			Help: "Audit events that could not be persisted, by sink.",
		}, []string{"sink"}),
		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "audit_queue_depth",
			Help: "Events waiting in the asynchronous audit writer.",
		}),
		credentialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credential_failures_total",
			Help: "Reported credential failures by provider.",
		}, []string{"provider"}),
		credentialStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "credential_provider_active",
			Help: "1 when the provider is active, 0 when marked failed.",
		}, []string{"provider"}),
		credentialFailovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credential_failovers_total",
			Help: "Provider switches performed by the rotation manager.",
		}, []string{"from", "to"}),
		statusFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credential_status_fetches_total",
			Help: "Remote provider status fetches by result.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total",
			Help: "Background pipeline jobs by terminal status.",
		}, []string{"status"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.pipelineRuns, m.pipelineDuration, m.guardDecisions, m.agentExecutions,
		m.registryLoads, m.registryAgents,
		m.auditEvents, m.auditWriteFailures, m.auditQueueDepth,
		m.credentialFailures, m.credentialStatus, m.credentialFailovers, m.statusFetches,
		m.jobs,
	)
	return m
}

// Registry 返回底层 registry，便于测试读取。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePipeline 记录一次流水线的结果与耗时。
func (m *Metrics) ObservePipeline(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(outcome).Inc()
	m.pipelineDuration.Observe(duration.Seconds())
}

// ObserveGuard 记录守卫判定。
func (m *Metrics) ObserveGuard(guard string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.guardDecisions.WithLabelValues(guard, result).Inc()
}

// ObserveAgentExecution 记录行为调用结果。
func (m *Metrics) ObserveAgentExecution(agentID, outcome string) {
	if m == nil {
		return
	}
	m.agentExecutions.WithLabelValues(agentID, outcome).Inc()
}

// ObserveRegistryLoad 记录注册表加载。
func (m *Metrics) ObserveRegistryLoad(ok bool, agents int) {
	if m == nil {
		return
	}
	if !ok {
		m.registryLoads.WithLabelValues("error").Inc()
		return
	}
	m.registryLoads.WithLabelValues("ok").Inc()
	m.registryAgents.Set(float64(agents))
}

// IncAuditEvent 统计审计事件。
func (m *Metrics) IncAuditEvent(kind string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(kind).Inc()
}

// IncAuditWriteFailure 统计审计写入失败。
func (m *Metrics) IncAuditWriteFailure(sink string) {
	if m == nil {
		return
	}
	m.auditWriteFailures.WithLabelValues(sink).Inc()
}

// SetAuditQueueDepth 更新异步写入队列长度。
func (m *Metrics) SetAuditQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(depth))
}

// IncCredentialFailure 统计凭证失败上报。
func (m *Metrics) IncCredentialFailure(provider string) {
	if m == nil {
		return
	}
	m.credentialFailures.WithLabelValues(provider).Inc()
}

// SetProviderActive 更新 provider 状态。
func (m *Metrics) SetProviderActive(provider string, active bool) {
	if m == nil {
		return
	}
	value := 0.0
	if active {
		value = 1
	}
	m.credentialStatus.WithLabelValues(provider).Set(value)
}

// IncFailover 统计 provider 切换。
func (m *Metrics) IncFailover(from, to string) {
	if m == nil {
		return
	}
	m.credentialFailovers.WithLabelValues(from, to).Inc()
}

// IncStatusFetch 统计远端状态拉取。
func (m *Metrics) IncStatusFetch(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.statusFetches.WithLabelValues(result).Inc()
}

// IncJob 统计后台任务终态。
func (m *Metrics) IncJob(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}
