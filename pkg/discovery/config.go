package discovery

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/etcdclient"
)

// discoverOnly 隐藏底层发现源的Watch能力
type discoverOnly struct {
	Discoverer
}

// NewFromConfig 根据 discovery.type 创建发现源；返回的close用于释放底层连接
func NewFromConfig(cfg *config.Config, logger config.Logger) (Discoverer, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Discovery.Type {
	case "", "static":
		logger.Info("使用静态服务发现", zap.Int("services", len(cfg.Discovery.Static)))
		return NewStaticDiscovererFromConfig(cfg.Discovery.Static), noop, nil

	case "etcd":
		client := etcdclient.NewEtcdClient(cfg, logger)
		if err := client.Connect(); err != nil {
			return nil, nil, fmt.Errorf("连接etcd失败: %w", err)
		}
		logger.Info("使用etcd服务发现",
			zap.Strings("endpoints", cfg.Discovery.Etcd.Endpoints),
			zap.String("prefix", client.Prefix()),
			zap.Bool("watch", cfg.Discovery.Etcd.Watch))

		var d Discoverer = NewEtcdDiscoverer(client, logger)
		if !cfg.Discovery.Etcd.Watch {
			d = discoverOnly{d}
		}
		return d, client.Close, nil

	case "dns":
		opts := DNSOptions{
			Server:   cfg.Discovery.DNS.Server,
			Domain:   cfg.Discovery.DNS.Domain,
			Protocol: cfg.Discovery.DNS.Protocol,
			Services: cfg.Discovery.DNS.Services,
			Timeout:  cfg.Discovery.DNS.Timeout,
		}
		logger.Info("使用DNS服务发现",
			zap.String("server", opts.Server),
			zap.String("domain", opts.Domain),
			zap.Strings("services", opts.Services))
		return NewDNSDiscoverer(opts, logger), noop, nil

	default:
		return nil, nil, fmt.Errorf("不支持的服务发现类型: %s", cfg.Discovery.Type)
	}
}
