package handler

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthHandler 管理API自身的健康检查
type HealthHandler struct {
	mesh      Mesh
	startTime time.Time
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(m Mesh) *HealthHandler {
	return &HealthHandler{mesh: m, startTime: time.Now()}
}

// HealthCheck 网格运行中返回200，否则返回503
func (h *HealthHandler) HealthCheck(c echo.Context) error {
	summary := h.mesh.GetHealthStatus()
	details := map[string]interface{}{
		"uptime":            time.Since(h.startTime).String(),
		"total_endpoints":   summary.TotalEndpoints,
		"healthy_endpoints": summary.HealthyEndpoints,
		"resources":         resourceUsage(),
	}

	if !h.mesh.Running() {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:    "unhealthy",
			Timestamp: time.Now(),
			Details:   details,
		})
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details:   details,
	})
}

// ResourceUsage 进程资源占用
type ResourceUsage struct {
	HeapAlloc  string `json:"heap_alloc"`
	Sys        string `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
}

func resourceUsage() ResourceUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ResourceUsage{
		HeapAlloc:  formatBytes(ms.HeapAlloc),
		Sys:        formatBytes(ms.Sys),
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}

// formatBytes 将字节数格式化为可读形式
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
