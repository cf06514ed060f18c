// Package discovery 提供网格的服务实例来源：静态配置、etcd与DNS SRV
package discovery

import (
	"context"
	"sort"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// Instance 逻辑服务的一个实例
type Instance struct {
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	BasePath string            `json:"base_path,omitempty"`
	Weight   int               `json:"weight,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service 逻辑服务及其实例
type Service struct {
	Name      string     `json:"name"`
	Instances []Instance `json:"instances"`
}

// Discoverer 列出各逻辑服务当前的实例
type Discoverer interface {
	Discover(ctx context.Context) ([]Service, error)
}

// Watcher 可选能力：实例变化时调用notify，ctx取消后停止
type Watcher interface {
	Watch(ctx context.Context, notify func()) error
}

// Endpoints 将实例转换为端点，未设置权重时使用默认权重
func (s Service) Endpoints() []model.ServiceEndpoint {
	eps := make([]model.ServiceEndpoint, 0, len(s.Instances))
	for _, inst := range s.Instances {
		ep := model.NewServiceEndpoint(s.Name, inst.Host, inst.Port)
		ep.PathPrefix = inst.BasePath
		if inst.Weight > 0 {
			ep.Weight = inst.Weight
		}
		if len(inst.Metadata) > 0 {
			ep.Metadata = make(map[string]string, len(inst.Metadata))
			for k, v := range inst.Metadata {
				ep.Metadata[k] = v
			}
			if path := inst.Metadata["health_check_path"]; path != "" {
				ep.HealthCheckPath = path
			}
		}
		eps = append(eps, ep)
	}
	return eps
}

func sortServices(services []Service) {
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
}
