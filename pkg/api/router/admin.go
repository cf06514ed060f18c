// Package router 配置管理API路由
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hewenyu/kong-mesh/pkg/api/handler"
)

// RegisterAdminRoutes 配置网格管理API路由
func RegisterAdminRoutes(e *echo.Echo, meshHandler *handler.MeshHandler, healthHandler *handler.HealthHandler, gatherer prometheus.Gatherer) {
	// API分组，版本v1
	api := e.Group("/api/v1")
	api.GET("/health", healthHandler.HealthCheck)

	m := api.Group("/mesh")
	m.GET("/metrics", meshHandler.GetMetrics)
	m.GET("/topology", meshHandler.GetTopology)
	m.GET("/health", meshHandler.GetHealth)
	m.GET("/breakers", meshHandler.GetCircuitBreakers)
	m.POST("/endpoints", meshHandler.RegisterEndpoint)
	m.DELETE("/endpoints/:service/:host/:port", meshHandler.DeregisterEndpoint)
	m.POST("/rules", meshHandler.AddTrafficRule)
	m.POST("/call", meshHandler.CallService)

	// Prometheus采集端点
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
