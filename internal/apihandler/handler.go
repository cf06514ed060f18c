// Package apihandler 管理API服务的启动与关闭
package apihandler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/api/router"
	"github.com/hewenyu/kong-mesh/pkg/mesh"
)

// Handler 定义API处理器接口
type Handler interface {
	// StartAdminAPI 启动管理API服务（非阻塞）
	StartAdminAPI() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	adminServer *echo.Echo
	cfg         *config.Config
	logger      config.Logger
	mesh        *mesh.ServiceMesh
}

// NewAPIHandler 创建一个新的API处理器
func NewAPIHandler(cfg *config.Config, logger config.Logger, m *mesh.ServiceMesh) *EchoHandler {
	h := &EchoHandler{
		cfg:    cfg,
		logger: logger,
		mesh:   m,
	}
	h.adminServer = h.newAdminServer()
	return h
}

func (h *EchoHandler) newAdminServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Debug("管理API请求",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	router.RegisterAdminRoutes(e, handler.NewMeshHandler(h.mesh), handler.NewHealthHandler(h.mesh), h.mesh.Gatherer())
	return e
}

// Address 返回管理API监听地址
func (h *EchoHandler) Address() string {
	return fmt.Sprintf("%s:%d", h.cfg.API.Admin.ListenAddress, h.cfg.API.Admin.Port)
}

// StartAdminAPI 启动管理API服务
func (h *EchoHandler) StartAdminAPI() error {
	addr := h.Address()
	h.logger.Info("启动管理API服务", zap.String("address", addr))

	go func() {
		if err := h.adminServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("管理API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// ServeHTTP 直接处理请求，便于测试
func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.adminServer.ServeHTTP(w, r)
}

// Shutdown 优雅关闭API服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭管理API服务...")

	if err := h.adminServer.Shutdown(ctx); err != nil {
		h.logger.Error("关闭管理API服务出错", zap.Error(err))
		return err
	}
	return nil
}
