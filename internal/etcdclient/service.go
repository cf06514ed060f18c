package etcdclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// ServiceInstance 表示etcd中保存的一个服务实例
type ServiceInstance struct {
	ServiceName   string            `json:"service_name"`        // 服务名称
	InstanceID    string            `json:"instance_id"`         // 实例ID
	IPAddress     string            `json:"ip_address"`          // IP地址
	Port          int               `json:"port"`                // 端口
	BasePath      string            `json:"base_path,omitempty"` // 路径前缀
	Weight        int               `json:"weight,omitempty"`    // 权重
	Metadata      map[string]string `json:"metadata,omitempty"`  // 可选元数据（版本、区域等）
	LastHeartbeat string            `json:"last_heartbeat"`      // 最后心跳时间
}

// instanceKey 生成服务实例的etcd键，格式: <prefix><服务名>/<实例ID>
func (e *EtcdClient) instanceKey(serviceName, instanceID string) string {
	return e.prefix + serviceName + "/" + instanceID
}

// serviceNameFromKey 从键中提取服务名
func (e *EtcdClient) serviceNameFromKey(key string) string {
	rest := strings.TrimPrefix(key, e.prefix)
	if rest == key {
		return ""
	}
	name, _, found := strings.Cut(rest, "/")
	if !found {
		return ""
	}
	return name
}

// RegisterInstance 写入服务实例，ttl大于0时绑定租约
func (e *EtcdClient) RegisterInstance(ctx context.Context, instance *ServiceInstance, ttl int64) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}
	if instance.ServiceName == "" || instance.InstanceID == "" {
		return fmt.Errorf("服务名称和实例ID不能为空")
	}

	instance.LastHeartbeat = time.Now().Format(time.RFC3339)

	data, err := json.Marshal(instance)
	if err != nil {
		e.logger.Error("序列化服务实例失败",
			zap.String("service", instance.ServiceName),
			zap.String("id", instance.InstanceID),
			zap.Error(err))
		return fmt.Errorf("序列化服务实例失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := e.client.Grant(ctx, ttl)
		if err != nil {
			e.logger.Error("创建etcd租约失败", zap.Error(err))
			return fmt.Errorf("创建etcd租约失败: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	key := e.instanceKey(instance.ServiceName, instance.InstanceID)
	if _, err := e.client.Put(ctx, key, string(data), opts...); err != nil {
		e.logger.Error("注册服务实例失败", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("注册服务实例失败: %w", err)
	}

	e.logger.Info("服务实例注册成功",
		zap.String("service", instance.ServiceName),
		zap.String("id", instance.InstanceID),
		zap.String("ip", instance.IPAddress),
		zap.Int("port", instance.Port))
	return nil
}

// DeregisterInstance 删除服务实例
func (e *EtcdClient) DeregisterInstance(ctx context.Context, serviceName, instanceID string) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	key := e.instanceKey(serviceName, instanceID)

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if _, err := e.client.Delete(ctx, key); err != nil {
		e.logger.Error("注销服务实例失败",
			zap.String("service", serviceName),
			zap.String("id", instanceID),
			zap.Error(err))
		return fmt.Errorf("注销服务实例失败: %w", err)
	}

	e.logger.Info("服务实例注销成功",
		zap.String("service", serviceName),
		zap.String("id", instanceID))
	return nil
}

// ListInstances 按服务名分组列出全部实例，无法解析的条目被跳过
func (e *EtcdClient) ListInstances(ctx context.Context) (map[string][]*ServiceInstance, error) {
	if e.client == nil {
		return nil, fmt.Errorf("etcd客户端未连接")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		e.logger.Error("获取服务实例列表失败", zap.String("prefix", e.prefix), zap.Error(err))
		return nil, fmt.Errorf("获取服务实例列表失败: %w", err)
	}

	result := make(map[string][]*ServiceInstance)
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		name := e.serviceNameFromKey(key)
		if name == "" {
			continue
		}

		instance, err := parseServiceFromJSON(kv.Value)
		if err != nil {
			e.logger.Warn("解析服务实例数据失败", zap.String("key", key), zap.Error(err))
			continue
		}
		if instance.ServiceName == "" {
			instance.ServiceName = name
		}
		result[name] = append(result[name], instance)
	}

	return result, nil
}

// parseServiceFromJSON 从JSON解析服务实例
func parseServiceFromJSON(data []byte) (*ServiceInstance, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("空的JSON字符串")
	}

	var instance ServiceInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("解析服务实例JSON失败: %w", err)
	}
	return &instance, nil
}
