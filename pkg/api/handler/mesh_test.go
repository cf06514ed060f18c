package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/pkg/mesh"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// stubMesh 记录处理器传入的参数
type stubMesh struct {
	running      bool
	registered   []model.ServiceEndpoint
	unregistered []string
	rules        []model.TrafficRule
	callErr      error
	lastCall     []string
	lastHeaders  map[string]string
}

func (s *stubMesh) Running() bool { return s.running }

func (s *stubMesh) RegisterServiceEndpoint(ep model.ServiceEndpoint) error {
	if ep.Host == "bad" {
		return &mesh.MeshError{Code: mesh.ErrInvalidArgument, Message: "注册端点失败"}
	}
	s.registered = append(s.registered, ep)
	return nil
}

func (s *stubMesh) UnregisterServiceEndpoint(service, host string, port int) {
	s.unregistered = append(s.unregistered, model.NewServiceEndpoint(service, host, port).Address())
}

func (s *stubMesh) AddTrafficRule(rule model.TrafficRule) error {
	s.rules = append(s.rules, rule)
	return nil
}

func (s *stubMesh) CallService(_ context.Context, source, destination, method, path string, headers map[string]string, _ []byte) (*model.CallResult, error) {
	s.lastCall = []string{source, destination, method, path}
	s.lastHeaders = headers
	if s.callErr != nil {
		return nil, s.callErr
	}
	return &model.CallResult{StatusCode: http.StatusAccepted, Body: []byte("queued"), CallID: "call-1", Endpoint: "10.0.0.1:8080"}, nil
}

func (s *stubMesh) GetMeshMetrics() model.MeshMetrics           { return model.MeshMetrics{TotalCalls: 3} }
func (s *stubMesh) GetServiceTopology() model.Topology          { return model.Topology{} }
func (s *stubMesh) GetHealthStatus() model.HealthSummary        { return model.HealthSummary{TotalEndpoints: 2} }
func (s *stubMesh) GetCircuitBreakers() []model.BreakerSnapshot { return nil }

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = NewValidator()
	return e
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) ServiceResponse {
	t.Helper()
	var resp ServiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRegisterEndpointHandler(t *testing.T) {
	stub := &stubMesh{}
	h := NewMeshHandler(stub)
	e := newTestEcho()
	e.POST("/endpoints", h.RegisterEndpoint)

	rec := serve(e, http.MethodPost, "/endpoints", `{"service_name":"billing-service","host":"10.0.0.1","port":8080,"weight":0,"health_check_path":"ready"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, stub.registered, 1)
	ep := stub.registered[0]
	assert.Equal(t, 0, ep.Weight, "显式权重0应保留")
	assert.Equal(t, "ready", ep.HealthCheckPath)
	assert.Equal(t, model.HealthStatusUnknown, ep.Status)

	rec = serve(e, http.MethodPost, "/endpoints", `{"service_name":"billing-service","host":"10.0.0.2","port":8080}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.DefaultWeight, stub.registered[1].Weight)

	// 端口越界
	rec = serve(e, http.MethodPost, "/endpoints", `{"service_name":"billing-service","host":"10.0.0.1","port":70000}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 网格拒绝
	rec = serve(e, http.MethodPost, "/endpoints", `{"service_name":"billing-service","host":"bad","port":8080}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, http.StatusBadRequest, decode(t, rec).Code)
}

func TestDeregisterEndpointHandler(t *testing.T) {
	stub := &stubMesh{}
	e := newTestEcho()
	e.DELETE("/endpoints/:service/:host/:port", NewMeshHandler(stub).DeregisterEndpoint)

	rec := serve(e, http.MethodDelete, "/endpoints/billing-service/10.0.0.1/8080", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"10.0.0.1:8080"}, stub.unregistered)

	rec = serve(e, http.MethodDelete, "/endpoints/billing-service/10.0.0.1/http", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddTrafficRuleHandler(t *testing.T) {
	stub := &stubMesh{}
	e := newTestEcho()
	e.POST("/rules", NewMeshHandler(stub).AddTrafficRule)

	rec := serve(e, http.MethodPost, "/rules", `{"name":"web-billing","source_service":"web","destination_service":"billing-service","load_balancing_policy":"consistent_hash","retry_policy":"exponential_backoff","max_retries":3,"timeout_seconds":5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, stub.rules, 1)
	rule := stub.rules[0]
	assert.Equal(t, model.PolicyConsistentHash, rule.Policy)
	assert.Equal(t, model.RetryExponentialBackoff, rule.RetryPolicy)
	assert.Equal(t, 5, rule.TimeoutSeconds)

	// 未指定策略时默认轮询
	rec = serve(e, http.MethodPost, "/rules", `{"name":"web-user","source_service":"web","destination_service":"user-service"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.PolicyRoundRobin, stub.rules[1].Policy)

	rec = serve(e, http.MethodPost, "/rules", `{"name":"x","source_service":"web","destination_service":"user-service","load_balancing_policy":"fastest"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(e, http.MethodPost, "/rules", `{"name":"x","source_service":"web"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallServiceHandler(t *testing.T) {
	stub := &stubMesh{}
	e := newTestEcho()
	e.POST("/call", NewMeshHandler(stub).CallService)

	rec := serve(e, http.MethodPost, "/call", `{"source":"web","destination":"billing-service","path":"/invoices","headers":{"X-User-Id":"u1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"web", "billing-service", http.MethodGet, "/invoices"}, stub.lastCall)
	assert.Equal(t, "u1", stub.lastHeaders["X-User-Id"])

	var resp struct {
		Data CallResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusAccepted, resp.Data.StatusCode)
	assert.Equal(t, "queued", resp.Data.Body)
	assert.Equal(t, "call-1", resp.Data.CallID)
}

func TestCallServiceHandlerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"circuit open", &mesh.MeshError{Code: mesh.ErrCircuitOpen, Message: "服务熔断中"}, http.StatusServiceUnavailable},
		{"no endpoints", &mesh.MeshError{Code: mesh.ErrNoEndpoints, Message: "服务没有可用端点"}, http.StatusNotFound},
		{"call failed", &mesh.MeshError{Code: mesh.ErrCallFailed, Message: "服务调用失败", Err: context.DeadlineExceeded}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEcho()
			e.POST("/call", NewMeshHandler(&stubMesh{callErr: tt.err}).CallService)

			rec := serve(e, http.MethodPost, "/call", `{"source":"web","destination":"billing-service"}`)
			assert.Equal(t, tt.want, rec.Code)
			resp := decode(t, rec)
			assert.Equal(t, tt.want, resp.Code)
			assert.Contains(t, resp.Message, tt.err.Error())
		})
	}
}

func TestHealthCheckHandler(t *testing.T) {
	stub := &stubMesh{running: true}
	e := newTestEcho()
	e.GET("/health", NewHealthHandler(stub).HealthCheck)

	rec := serve(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.EqualValues(t, 2, resp.Details["total_endpoints"])

	stub.running = false
	rec = serve(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.50 KB", formatBytes(1536))
	assert.Equal(t, "2.00 MB", formatBytes(2*1024*1024))
}
