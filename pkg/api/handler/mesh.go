package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// EndpointRequest 端点注册请求
type EndpointRequest struct {
	ServiceName     string            `json:"service_name" validate:"required"`
	Host            string            `json:"host" validate:"required"`
	Port            int               `json:"port" validate:"required,min=1,max=65535"`
	PathPrefix      string            `json:"path_prefix"`
	Weight          *int              `json:"weight" validate:"omitempty,min=0"`
	HealthCheckPath string            `json:"health_check_path"`
	Metadata        map[string]string `json:"metadata"`
}

// RuleRequest 流量规则请求
type RuleRequest struct {
	Name               string `json:"name" validate:"required"`
	SourceService      string `json:"source_service" validate:"required"`
	DestinationService string `json:"destination_service" validate:"required"`
	Policy             string `json:"load_balancing_policy"`
	RetryPolicy        string `json:"retry_policy"`
	MaxRetries         int    `json:"max_retries" validate:"min=0"`
	TimeoutSeconds     int    `json:"timeout_seconds" validate:"min=0"`
}

// CallRequest 经网格发起调用的请求
type CallRequest struct {
	Source      string            `json:"source" validate:"required"`
	Destination string            `json:"destination" validate:"required"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
}

// CallResponse 调用结果，响应体按文本返回
type CallResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	CallID     string            `json:"call_id"`
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	Endpoint   string            `json:"endpoint"`
	LatencyMs  float64           `json:"latency_ms"`
}

// MeshHandler 网格管理API
type MeshHandler struct {
	mesh Mesh
}

// NewMeshHandler 创建网格处理器
func NewMeshHandler(m Mesh) *MeshHandler {
	return &MeshHandler{mesh: m}
}

// GetMetrics 返回调用统计
func (h *MeshHandler) GetMetrics(c echo.Context) error {
	return ok(c, "获取网格指标成功", h.mesh.GetMeshMetrics())
}

// GetTopology 返回服务拓扑
func (h *MeshHandler) GetTopology(c echo.Context) error {
	return ok(c, "获取服务拓扑成功", h.mesh.GetServiceTopology())
}

// GetHealth 返回端点健康汇总
func (h *MeshHandler) GetHealth(c echo.Context) error {
	return ok(c, "获取健康状态成功", h.mesh.GetHealthStatus())
}

// GetCircuitBreakers 返回熔断器状态
func (h *MeshHandler) GetCircuitBreakers(c echo.Context) error {
	return ok(c, "获取熔断器状态成功", h.mesh.GetCircuitBreakers())
}

// RegisterEndpoint 注册端点
func (h *MeshHandler) RegisterEndpoint(c echo.Context) error {
	var req EndpointRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, "参数验证失败: "+err.Error())
	}

	ep := model.NewServiceEndpoint(req.ServiceName, req.Host, req.Port)
	ep.PathPrefix = req.PathPrefix
	ep.Metadata = req.Metadata
	if req.Weight != nil {
		ep.Weight = *req.Weight
	}
	if req.HealthCheckPath != "" {
		ep.HealthCheckPath = req.HealthCheckPath
	}

	if err := h.mesh.RegisterServiceEndpoint(ep); err != nil {
		return meshError(c, "端点注册失败", err)
	}
	return ok(c, "端点注册成功", map[string]interface{}{
		"service_name": ep.ServiceName,
		"address":      ep.Address(),
	})
}

// DeregisterEndpoint 注销端点
func (h *MeshHandler) DeregisterEndpoint(c echo.Context) error {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		return badRequest(c, "端口无效: "+c.Param("port"))
	}
	h.mesh.UnregisterServiceEndpoint(c.Param("service"), c.Param("host"), port)
	return ok(c, "端点注销成功", nil)
}

// AddTrafficRule 添加流量规则
func (h *MeshHandler) AddTrafficRule(c echo.Context) error {
	var req RuleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, "参数验证失败: "+err.Error())
	}

	rule := model.TrafficRule{
		Name:               req.Name,
		SourceService:      req.SourceService,
		DestinationService: req.DestinationService,
		Policy:             model.PolicyRoundRobin,
		MaxRetries:         req.MaxRetries,
		TimeoutSeconds:     req.TimeoutSeconds,
	}
	if req.Policy != "" {
		if err := rule.Policy.UnmarshalText([]byte(req.Policy)); err != nil {
			return badRequest(c, err.Error())
		}
	}
	if req.RetryPolicy != "" {
		if err := rule.RetryPolicy.UnmarshalText([]byte(req.RetryPolicy)); err != nil {
			return badRequest(c, err.Error())
		}
	}

	if err := h.mesh.AddTrafficRule(rule); err != nil {
		return meshError(c, "添加流量规则失败", err)
	}
	return ok(c, "流量规则添加成功", rule)
}

// CallService 经网格调用目标服务
func (h *MeshHandler) CallService(c echo.Context) error {
	var req CallRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, "参数验证失败: "+err.Error())
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var body []byte
	if req.Body != "" {
		body = []byte(req.Body)
	}
	result, err := h.mesh.CallService(c.Request().Context(), req.Source, req.Destination, req.Method, req.Path, req.Headers, body)
	if err != nil {
		return meshError(c, "服务调用失败", err)
	}

	return ok(c, "服务调用完成", CallResponse{
		StatusCode: result.StatusCode,
		Headers:    result.Headers,
		Body:       string(result.Body),
		CallID:     result.CallID,
		TraceID:    result.TraceID,
		SpanID:     result.SpanID,
		Endpoint:   result.Endpoint,
		LatencyMs:  result.LatencyMs,
	})
}
