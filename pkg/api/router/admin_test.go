package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/mesh"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// newBackend 启动一个模拟的下游服务
func newBackend(t *testing.T) (string, int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/invoices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Source", r.Header.Get(model.HeaderSource))
		_, _ = w.Write([]byte(`[{"id":1}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func newAdmin(t *testing.T) (*echo.Echo, *mesh.ServiceMesh) {
	t.Helper()
	m := mesh.New(mesh.DefaultSettings(), config.NewNopLogger())
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	e := echo.New()
	e.Validator = handler.NewValidator()
	RegisterAdminRoutes(e, handler.NewMeshHandler(m), handler.NewHealthHandler(m), m.Gatherer())
	return e, m
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesEndToEnd(t *testing.T) {
	host, port := newBackend(t)
	e, m := newAdmin(t)

	rec := do(e, http.MethodPost, "/api/v1/mesh/endpoints",
		`{"service_name":"billing-service","host":"`+host+`","port":`+strconv.Itoa(port)+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e, http.MethodPost, "/api/v1/mesh/call",
		`{"source":"web","destination":"billing-service","path":"/invoices"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var call struct {
		Data handler.CallResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &call))
	assert.Equal(t, http.StatusOK, call.Data.StatusCode)
	assert.Equal(t, `[{"id":1}]`, call.Data.Body)
	assert.Equal(t, "web", call.Data.Headers["X-Seen-Source"])
	assert.NotEmpty(t, call.Data.CallID)

	rec = do(e, http.MethodGet, "/api/v1/mesh/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics struct {
		Data model.MeshMetrics `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.EqualValues(t, 1, metrics.Data.TotalCalls)
	assert.EqualValues(t, 1, metrics.Data.SuccessfulCalls)

	rec = do(e, http.MethodGet, "/api/v1/mesh/topology", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"billing-service"`)
	assert.Contains(t, rec.Body.String(), `"circuit_breaker_state":"closed"`)

	rec = do(e, http.MethodGet, "/api/v1/mesh/breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"closed"`)

	rec = do(e, http.MethodGet, "/api/v1/mesh/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Data model.HealthSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, 1, health.Data.TotalEndpoints)
	assert.True(t, health.Data.Endpoints[host+":"+strconv.Itoa(port)].Healthy)

	rec = do(e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mesh_calls_total{destination="billing-service",outcome="success",source="web"} 1`)

	rec = do(e, http.MethodDelete, "/api/v1/mesh/endpoints/billing-service/"+host+"/"+strconv.Itoa(port), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, m.Registry().GetEndpoints("billing-service"))

	rec = do(e, http.MethodPost, "/api/v1/mesh/call", `{"source":"web","destination":"billing-service"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutesTrafficRule(t *testing.T) {
	e, m := newAdmin(t)

	rec := do(e, http.MethodPost, "/api/v1/mesh/rules",
		`{"name":"web-billing","source_service":"web","destination_service":"billing-service","load_balancing_policy":"weighted","timeout_seconds":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rules := m.GetServiceTopology().TrafficRules
	require.Len(t, rules, 1)
	assert.Equal(t, model.PolicyWeighted, rules[0].Policy)
	assert.Equal(t, 3, rules[0].TimeoutSeconds)
}

func TestAdminHealth(t *testing.T) {
	e, m := newAdmin(t)

	rec := do(e, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, m.Shutdown(context.Background()))
	rec = do(e, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
