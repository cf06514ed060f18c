// Package etcdclient 封装网格使用的etcd服务实例目录
package etcdclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
)

// etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// DefaultPrefix 服务实例的默认键前缀
const DefaultPrefix = "/services/"

// Client 定义etcd客户端接口
type Client interface {
	// Connect 连接到etcd集群
	Connect() error

	// Close 关闭连接
	Close() error

	// Ping 检查etcd集群状态
	Ping(ctx context.Context) error

	// RegisterInstance 写入服务实例，ttl大于0时绑定租约
	RegisterInstance(ctx context.Context, instance *ServiceInstance, ttl int64) error

	// DeregisterInstance 删除服务实例
	DeregisterInstance(ctx context.Context, serviceName, instanceID string) error

	// ListInstances 按服务名分组列出全部实例
	ListInstances(ctx context.Context) (map[string][]*ServiceInstance, error)

	// StartWatch 监听实例前缀下的变化
	StartWatch(ctx context.Context, callback WatchCallback) error
}

var _ Client = (*EtcdClient)(nil)

// EtcdClient 实现Client接口
type EtcdClient struct {
	client *clientv3.Client
	cfg    *config.Config
	prefix string
	logger config.Logger
}

// NewEtcdClient 创建一个新的etcd客户端
func NewEtcdClient(cfg *config.Config, logger config.Logger) *EtcdClient {
	prefix := cfg.Discovery.Etcd.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdClient{
		cfg:    cfg,
		prefix: prefix,
		logger: logger,
	}
}

// Connect 连接到etcd集群
func (e *EtcdClient) Connect() error {
	var err error
	e.logger.Info("连接到etcd集群", zap.Strings("endpoints", e.cfg.Discovery.Etcd.Endpoints))

	dialTimeout := e.cfg.Discovery.Etcd.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = etcdTimeout
	}

	e.client, err = clientv3.New(clientv3.Config{
		Endpoints:   e.cfg.Discovery.Etcd.Endpoints,
		DialTimeout: dialTimeout,
		Username:    e.cfg.Discovery.Etcd.Username,
		Password:    e.cfg.Discovery.Etcd.Password,
	})
	if err != nil {
		e.logger.Error("连接etcd失败", zap.Error(err))
		return fmt.Errorf("连接etcd失败: %w", err)
	}

	return nil
}

// Close 关闭连接
func (e *EtcdClient) Close() error {
	if e.client != nil {
		e.logger.Info("关闭etcd连接")
		return e.client.Close()
	}
	return nil
}

// Ping 检查etcd集群状态
func (e *EtcdClient) Ping(ctx context.Context) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}
	if len(e.cfg.Discovery.Etcd.Endpoints) == 0 {
		return fmt.Errorf("未配置etcd地址")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	_, err := e.client.Status(ctx, e.cfg.Discovery.Etcd.Endpoints[0])
	if err != nil {
		e.logger.Error("etcd健康检查失败", zap.Error(err))
		return fmt.Errorf("etcd健康检查失败: %w", err)
	}

	e.logger.Debug("etcd健康检查成功")
	return nil
}

// Prefix 返回实例键前缀
func (e *EtcdClient) Prefix() string {
	return e.prefix
}

// Raw 获取内部的etcd客户端，仅用于测试
func (e *EtcdClient) Raw() *clientv3.Client {
	return e.client
}
