package model

import (
	"net"
	"strconv"
	"strings"
)

// HealthStatus 表示端点健康状态
type HealthStatus string

const (
	// HealthStatusHealthy 健康状态
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy 不健康状态
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusUnknown 未知状态
	HealthStatusUnknown HealthStatus = "unknown"
)

const (
	// DefaultHealthCheckPath 默认健康检查路径
	DefaultHealthCheckPath = "/health"
	// DefaultWeight 默认权重
	DefaultWeight = 1
)

// ServiceEndpoint 表示逻辑服务的一个可寻址实例
type ServiceEndpoint struct {
	ServiceName     string            `json:"service_name"`          // 所属逻辑服务
	Host            string            `json:"host"`                  // 主机名或IP
	Port            int               `json:"port"`                  // 端口
	PathPrefix      string            `json:"path_prefix,omitempty"` // 请求路径前缀
	Weight          int               `json:"weight"`                // 权重，非负
	HealthCheckPath string            `json:"health_check_path"`     // 健康检查路径
	Status          HealthStatus      `json:"status"`                // 最近一次观测到的健康状态
	Metadata        map[string]string `json:"metadata,omitempty"`    // 元数据
}

// NewServiceEndpoint 创建带默认值的端点
func NewServiceEndpoint(serviceName, host string, port int) ServiceEndpoint {
	return ServiceEndpoint{
		ServiceName:     serviceName,
		Host:            host,
		Port:            port,
		Weight:          DefaultWeight,
		HealthCheckPath: DefaultHealthCheckPath,
		Status:          HealthStatusUnknown,
	}
}

// ApplyDefaults 为未设置的字段填充默认值
func (e *ServiceEndpoint) ApplyDefaults() {
	if e.Weight < 0 {
		e.Weight = 0
	}
	if e.HealthCheckPath == "" {
		e.HealthCheckPath = DefaultHealthCheckPath
	} else if !strings.HasPrefix(e.HealthCheckPath, "/") {
		e.HealthCheckPath = "/" + e.HealthCheckPath
	}
	if e.Status == "" {
		e.Status = HealthStatusUnknown
	}
}

// Address 返回 host:port 形式的地址，同时作为健康缓存的键
func (e ServiceEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BaseURL 返回端点的基础URL（包含路径前缀）
func (e ServiceEndpoint) BaseURL() string {
	return "http://" + e.Address() + strings.TrimSuffix(e.PathPrefix, "/")
}

// URL 拼接请求路径
func (e ServiceEndpoint) URL(path string) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return e.BaseURL() + path
}

// HealthCheckURL 返回健康检查地址
func (e ServiceEndpoint) HealthCheckURL() string {
	path := e.HealthCheckPath
	if path == "" {
		path = DefaultHealthCheckPath
	}
	return "http://" + e.Address() + path
}

// SameInstance 判断两个端点是否为同一实例 (host, port)
func (e ServiceEndpoint) SameInstance(other ServiceEndpoint) bool {
	return e.Host == other.Host && e.Port == other.Port
}

// Clone 深拷贝端点
func (e ServiceEndpoint) Clone() ServiceEndpoint {
	c := e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
