package discovery

import (
	"context"

	"github.com/hewenyu/kong-mesh/internal/config"
)

// StaticDiscoverer 返回固定的服务列表
type StaticDiscoverer struct {
	services []Service
}

// NewStaticDiscoverer 创建静态发现源
func NewStaticDiscoverer(services ...Service) *StaticDiscoverer {
	copied := make([]Service, len(services))
	copy(copied, services)
	sortServices(copied)
	return &StaticDiscoverer{services: copied}
}

// NewStaticDiscovererFromConfig 根据配置文件中的静态服务创建发现源
func NewStaticDiscovererFromConfig(services []config.StaticService) *StaticDiscoverer {
	result := make([]Service, 0, len(services))
	for _, svc := range services {
		s := Service{Name: svc.Name}
		for _, inst := range svc.Instances {
			s.Instances = append(s.Instances, Instance{
				Host:     inst.Host,
				Port:     inst.Port,
				BasePath: inst.BasePath,
				Weight:   inst.Weight,
				Metadata: inst.Metadata,
			})
		}
		result = append(result, s)
	}
	return NewStaticDiscoverer(result...)
}

// Discover 实现Discoverer接口
func (d *StaticDiscoverer) Discover(ctx context.Context) ([]Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := make([]Service, len(d.services))
	copy(result, d.services)
	return result, nil
}
