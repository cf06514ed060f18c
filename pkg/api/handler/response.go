// Package handler 实现网格管理API的HTTP处理器
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/mesh"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// ServiceResponse 统一响应结构
type ServiceResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Mesh 处理器依赖的网格操作
type Mesh interface {
	Running() bool
	RegisterServiceEndpoint(ep model.ServiceEndpoint) error
	UnregisterServiceEndpoint(service, host string, port int)
	AddTrafficRule(rule model.TrafficRule) error
	CallService(ctx context.Context, source, destination, method, path string, headers map[string]string, body []byte) (*model.CallResult, error)
	GetMeshMetrics() model.MeshMetrics
	GetServiceTopology() model.Topology
	GetHealthStatus() model.HealthSummary
	GetCircuitBreakers() []model.BreakerSnapshot
}

// CustomValidator 实现echo.Validator接口
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator 创建请求校验器
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate 校验结构体标签
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

func ok(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: message,
		Data:    data,
	})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ServiceResponse{
		Code:    http.StatusBadRequest,
		Message: message,
	})
}

// meshError 将网格错误映射为HTTP状态码
func meshError(c echo.Context, prefix string, err error) error {
	status := http.StatusInternalServerError
	var me *mesh.MeshError
	if errors.As(err, &me) {
		status = me.HTTPStatus()
	}
	return c.JSON(status, ServiceResponse{
		Code:    status,
		Message: prefix + ": " + err.Error(),
	})
}
