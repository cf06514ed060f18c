package mesh

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hewenyu/kong-mesh/pkg/breaker"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// 调用结果标签
const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeCircuitOpen = "circuit_open"
	outcomeNoEndpoints = "no_endpoints"
)

// promMetrics 对外暴露的Prometheus指标
type promMetrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	endpointUp   *prometheus.GaugeVec
	healthChecks *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)
	return &promMetrics{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_calls_total",
				Help: "Total number of service calls routed through the mesh, by outcome",
			},
			[]string{"source", "destination", "outcome"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mesh_call_duration_seconds",
				Help:    "Latency of outbound service calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "destination"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mesh_circuit_breaker_state",
				Help: "Circuit breaker state per destination service (0=closed, 1=open, 2=half_open)",
			},
			[]string{"service"},
		),
		endpointUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mesh_endpoint_healthy",
				Help: "Whether the last health probe of an endpoint succeeded",
			},
			[]string{"service", "address"},
		),
		healthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_health_checks_total",
				Help: "Total number of background endpoint health probes, by result",
			},
			[]string{"result"},
		),
	}
}

// callMetrics 进程内的调用统计
type callMetrics struct {
	mu           sync.Mutex
	total        int64
	successful   int64
	failed       int64
	avgLatencyMs float64
	routes       map[string]*model.RouteMetrics
	prom         *promMetrics
}

func newCallMetrics(reg prometheus.Registerer) *callMetrics {
	return &callMetrics{
		routes: make(map[string]*model.RouteMetrics),
		prom:   newPromMetrics(reg),
	}
}

func (m *callMetrics) route(source, destination string) *model.RouteMetrics {
	key := model.RouteKey(source, destination)
	r, ok := m.routes[key]
	if !ok {
		r = &model.RouteMetrics{}
		m.routes[key] = r
	}
	return r
}

// recordSuccess 记录成功调用，平均延迟为成功调用的累计均值
func (m *callMetrics) recordSuccess(source, destination string, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)

	m.mu.Lock()
	m.total++
	m.successful++
	m.avgLatencyMs += (ms - m.avgLatencyMs) / float64(m.successful)
	r := m.route(source, destination)
	r.TotalCalls++
	r.SuccessfulCalls++
	m.mu.Unlock()

	m.prom.calls.WithLabelValues(source, destination, outcomeSuccess).Inc()
	m.prom.callDuration.WithLabelValues(source, destination).Observe(latency.Seconds())
}

// recordFailure 记录失败调用
func (m *callMetrics) recordFailure(source, destination string, latency time.Duration) {
	m.mu.Lock()
	m.total++
	m.failed++
	r := m.route(source, destination)
	r.TotalCalls++
	r.FailedCalls++
	m.mu.Unlock()

	m.prom.calls.WithLabelValues(source, destination, outcomeFailure).Inc()
	m.prom.callDuration.WithLabelValues(source, destination).Observe(latency.Seconds())
}

// recordRejected 记录未发起出站调用的拒绝，不计入调用总数
func (m *callMetrics) recordRejected(source, destination, outcome string) {
	m.prom.calls.WithLabelValues(source, destination, outcome).Inc()
}

func (m *callMetrics) recordBreakerState(service string, state breaker.State) {
	m.prom.breakerState.WithLabelValues(service).Set(float64(state))
}

func (m *callMetrics) recordHealth(service, address string, healthy bool) {
	result := "unhealthy"
	value := 0.0
	if healthy {
		result = "healthy"
		value = 1
	}
	m.prom.endpointUp.WithLabelValues(service, address).Set(value)
	m.prom.healthChecks.WithLabelValues(result).Inc()
}

func (m *callMetrics) snapshot() model.MeshMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := model.MeshMetrics{
		TotalCalls:       m.total,
		SuccessfulCalls:  m.successful,
		FailedCalls:      m.failed,
		AverageLatencyMs: m.avgLatencyMs,
		Routes:           make(map[string]model.RouteMetrics, len(m.routes)),
	}
	if m.total > 0 {
		snap.SuccessRatePercent = float64(m.successful) / float64(m.total) * 100
	}
	for key, r := range m.routes {
		snap.Routes[key] = *r
	}
	return snap
}
