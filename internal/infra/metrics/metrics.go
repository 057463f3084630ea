// Package metrics holds the Prometheus collectors for the orchestration core.
// A nil *Metrics is valid and records nothing, so components can take it as
// an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ankie"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	graphCache          *prometheus.CounterVec
	compileDuration     prometheus.Histogram
	executions          *prometheus.CounterVec
	nodeRetries         *prometheus.CounterVec
	checkpointAppends   prometheus.Counter
	checkpointConflicts prometheus.Counter
	checkpointsPruned   prometheus.Counter
	modelFallbacks      *prometheus.CounterVec
	responseCache       *prometheus.CounterVec
	delegationHints     *prometheus.CounterVec
	gatewayRequests     *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		graphCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_cache_lookups_total",
			Help:      "Graph cache lookups by result.",
		}, []string{"result"}),
		compileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_compile_duration_seconds",
			Help:      "Time spent compiling execution graphs.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by terminal status.",
		}, []string{"status"}),
		nodeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Node attempts retried after a recoverable error.",
		}, []string{"node"}),
		checkpointAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_appends_total",
			Help:      "Checkpoints appended.",
		}),
		checkpointConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_conflicts_total",
			Help:      "Appends rejected because the parent was not the latest checkpoint.",
		}),
		checkpointsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_pruned_total",
			Help:      "Checkpoints removed by retention.",
		}),
		modelFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fallbacks_total",
			Help:      "Model fallback steps by reason.",
		}, []string{"reason"}),
		responseCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_lookups_total",
			Help:      "Model response cache lookups by result.",
		}, []string{"result"}),
		delegationHints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegation_hints_total",
			Help:      "Delegation hints rendered by tier.",
		}, []string{"tier"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Gateway RPC requests by method and outcome code.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.graphCache,
		m.compileDuration,
		m.executions,
		m.nodeRetries,
		m.checkpointAppends,
		m.checkpointConflicts,
		m.checkpointsPruned,
		m.modelFallbacks,
		m.responseCache,
		m.delegationHints,
		m.gatewayRequests,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) GraphCacheHit() {
	if m != nil {
		m.graphCache.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) GraphCacheMiss() {
	if m != nil {
		m.graphCache.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) ObserveCompile(d time.Duration) {
	if m != nil {
		m.compileDuration.Observe(d.Seconds())
	}
}

// ExecutionFinished counts an execution by terminal status
// (completed, interrupted, failed, cancelled).
func (m *Metrics) ExecutionFinished(status string) {
	if m != nil {
		m.executions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) NodeRetry(node string) {
	if m != nil {
		m.nodeRetries.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) CheckpointAppended() {
	if m != nil {
		m.checkpointAppends.Inc()
	}
}

func (m *Metrics) CheckpointConflict() {
	if m != nil {
		m.checkpointConflicts.Inc()
	}
}

func (m *Metrics) CheckpointsPruned(n int) {
	if m != nil {
		m.checkpointsPruned.Add(float64(n))
	}
}

func (m *Metrics) ModelFallback(reason string) {
	if m != nil {
		m.modelFallbacks.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ResponseCacheHit() {
	if m != nil {
		m.responseCache.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) ResponseCacheMiss() {
	if m != nil {
		m.responseCache.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) DelegationHint(tier string) {
	if m != nil {
		m.delegationHints.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) GatewayRequest(method, code string) {
	if m != nil {
		m.gatewayRequests.WithLabelValues(method, code).Inc()
	}
}
