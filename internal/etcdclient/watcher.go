package etcdclient

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// WatchEvent 定义监听事件类型
type WatchEvent struct {
	EventType  string           // 事件类型: "create", "update", "delete"
	Key        string           // 发生变化的key
	ServiceObj *ServiceInstance // 解析后的服务实例，删除事件取自变化前的值
}

// WatchCallback 定义监听回调函数类型
type WatchCallback func(event WatchEvent)

// StartWatch 监听实例前缀下的变化，ctx取消后停止
func (e *EtcdClient) StartWatch(ctx context.Context, callback WatchCallback) error {
	if e.client == nil {
		return fmt.Errorf("etcd客户端未连接")
	}

	e.logger.Info("开始监听etcd变化", zap.String("prefix", e.prefix))

	getResp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		e.logger.Error("获取初始键值失败", zap.String("prefix", e.prefix), zap.Error(err))
		return fmt.Errorf("获取初始键值失败: %w", err)
	}

	// 从最新的revision开始监听
	rev := getResp.Header.Revision + 1
	watchChan := e.client.Watch(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev), clientv3.WithPrevKV())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case watchResp, ok := <-watchChan:
				if !ok {
					return
				}
				if watchResp.Canceled {
					e.logger.Warn("etcd监听被取消", zap.String("prefix", e.prefix), zap.Error(watchResp.Err()))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					watchChan = e.client.Watch(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithPrevKV())
					continue
				}

				for _, event := range watchResp.Events {
					callback(e.toWatchEvent(event))
				}
			}
		}
	}()

	return nil
}

func (e *EtcdClient) toWatchEvent(event *clientv3.Event) WatchEvent {
	key := string(event.Kv.Key)
	watchEvent := WatchEvent{Key: key}

	var raw []byte
	switch event.Type {
	case clientv3.EventTypePut:
		if event.IsCreate() {
			watchEvent.EventType = "create"
		} else {
			watchEvent.EventType = "update"
		}
		raw = event.Kv.Value
	case clientv3.EventTypeDelete:
		watchEvent.EventType = "delete"
		if event.PrevKv != nil {
			raw = event.PrevKv.Value
		}
	}

	if len(raw) > 0 {
		instance, err := parseServiceFromJSON(raw)
		if err != nil {
			e.logger.Warn("解析服务对象失败", zap.String("key", key), zap.Error(err))
		} else {
			watchEvent.ServiceObj = instance
		}
	}

	e.logger.Debug("检测到etcd变化",
		zap.String("type", watchEvent.EventType),
		zap.String("key", key))
	return watchEvent
}
