package model

import "time"

// HealthRecord 健康缓存条目
type HealthRecord struct {
	Healthy    bool      `json:"healthy"`
	LastCheck  time.Time `json:"last_check"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Status 将记录转换为端点健康状态
func (r HealthRecord) Status() HealthStatus {
	if r.LastCheck.IsZero() {
		return HealthStatusUnknown
	}
	if r.Healthy {
		return HealthStatusHealthy
	}
	return HealthStatusUnhealthy
}

// RouteMetrics 单条路由的调用统计
type RouteMetrics struct {
	TotalCalls      int64 `json:"total_calls"`
	SuccessfulCalls int64 `json:"successful_calls"`
	FailedCalls     int64 `json:"failed_calls"`
}

// MeshMetrics 网格调用统计快照
type MeshMetrics struct {
	TotalCalls         int64                   `json:"total_calls"`
	SuccessfulCalls    int64                   `json:"successful_calls"`
	FailedCalls        int64                   `json:"failed_calls"`
	AverageLatencyMs   float64                 `json:"average_latency_ms"`
	SuccessRatePercent float64                 `json:"success_rate_percent"`
	Routes             map[string]RouteMetrics `json:"routes"`
}

// BreakerSnapshot 熔断器状态快照
type BreakerSnapshot struct {
	Service          string    `json:"service"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
}

// TopologyService 拓扑中的服务节点
type TopologyService struct {
	Endpoints    []ServiceEndpoint `json:"endpoints"`
	BreakerState string            `json:"circuit_breaker_state"`
}

// Topology 服务拓扑快照
type Topology struct {
	Services     map[string]TopologyService `json:"services"`
	TrafficRules []TrafficRule              `json:"traffic_rules"`
}

// HealthSummary 健康状态汇总
type HealthSummary struct {
	TotalEndpoints     int                     `json:"total_endpoints"`
	HealthyEndpoints   int                     `json:"healthy_endpoints"`
	UnhealthyEndpoints int                     `json:"unhealthy_endpoints"`
	UnknownEndpoints   int                     `json:"unknown_endpoints"`
	Endpoints          map[string]HealthRecord `json:"endpoints"`
	CircuitBreakers    []BreakerSnapshot       `json:"circuit_breakers"`
}
