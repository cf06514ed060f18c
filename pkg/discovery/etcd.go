package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/etcdclient"
)

// EtcdDiscoverer 从etcd实例目录发现服务
type EtcdDiscoverer struct {
	client etcdclient.Client
	logger config.Logger
}

// NewEtcdDiscoverer 创建etcd发现源，client需已连接
func NewEtcdDiscoverer(client etcdclient.Client, logger config.Logger) *EtcdDiscoverer {
	return &EtcdDiscoverer{client: client, logger: logger}
}

// Discover 实现Discoverer接口
func (d *EtcdDiscoverer) Discover(ctx context.Context) ([]Service, error) {
	grouped, err := d.client.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("从etcd发现服务失败: %w", err)
	}

	services := make([]Service, 0, len(grouped))
	for name, instances := range grouped {
		svc := Service{Name: name}
		for _, inst := range instances {
			if inst.IPAddress == "" || inst.Port <= 0 {
				d.logger.Warn("忽略无效的服务实例",
					zap.String("service", name),
					zap.String("id", inst.InstanceID))
				continue
			}
			svc.Instances = append(svc.Instances, Instance{
				Host:     inst.IPAddress,
				Port:     inst.Port,
				BasePath: inst.BasePath,
				Weight:   inst.Weight,
				Metadata: inst.Metadata,
			})
		}
		services = append(services, svc)
	}
	sortServices(services)

	d.logger.Debug("etcd服务发现完成", zap.Int("services", len(services)))
	return services, nil
}

// Watch 实现Watcher接口，实例变化时触发notify
func (d *EtcdDiscoverer) Watch(ctx context.Context, notify func()) error {
	return d.client.StartWatch(ctx, func(event etcdclient.WatchEvent) {
		d.logger.Debug("服务实例变化",
			zap.String("type", event.EventType),
			zap.String("key", event.Key))
		notify()
	})
}
