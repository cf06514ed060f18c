package etcdclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/internal/config"
)

func TestPrefixNormalization(t *testing.T) {
	cfg := &config.Config{}
	client := NewEtcdClient(cfg, config.NewNopLogger())
	assert.Equal(t, DefaultPrefix, client.Prefix())

	cfg.Discovery.Etcd.Prefix = "/mesh/instances"
	client = NewEtcdClient(cfg, config.NewNopLogger())
	assert.Equal(t, "/mesh/instances/", client.Prefix())
}

func TestServiceNameFromKey(t *testing.T) {
	client := NewEtcdClient(&config.Config{}, config.NewNopLogger())

	assert.Equal(t, "billing-service", client.serviceNameFromKey("/services/billing-service/i-1"))
	assert.Equal(t, "", client.serviceNameFromKey("/services/billing-service"))
	assert.Equal(t, "", client.serviceNameFromKey("/other/billing-service/i-1"))
}

func TestParseServiceFromJSON(t *testing.T) {
	instance, err := parseServiceFromJSON([]byte(`{"service_name":"billing-service","instance_id":"i-1","ip_address":"10.0.0.1","port":8080,"weight":3}`))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", instance.IPAddress)
	assert.Equal(t, 3, instance.Weight)

	_, err = parseServiceFromJSON(nil)
	assert.Error(t, err)
	_, err = parseServiceFromJSON([]byte("{"))
	assert.Error(t, err)
}

func TestNotConnected(t *testing.T) {
	client := NewEtcdClient(&config.Config{}, config.NewNopLogger())
	ctx := context.Background()

	assert.Error(t, client.Ping(ctx))
	_, err := client.ListInstances(ctx)
	assert.Error(t, err)
	assert.Error(t, client.StartWatch(ctx, func(WatchEvent) {}))
	assert.NoError(t, client.Close())
}

func TestRegisterAndListInstances(t *testing.T) {
	client := CreateEtcdClientForTest(t, "/kong-mesh-test/list/")
	ctx := context.Background()

	require.NoError(t, client.RegisterInstance(ctx, &ServiceInstance{
		ServiceName: "billing-service", InstanceID: "i-1", IPAddress: "10.0.0.1", Port: 8080,
	}, 0))
	require.NoError(t, client.RegisterInstance(ctx, &ServiceInstance{
		ServiceName: "billing-service", InstanceID: "i-2", IPAddress: "10.0.0.2", Port: 8080, Weight: 2,
	}, 30))
	require.NoError(t, client.RegisterInstance(ctx, &ServiceInstance{
		ServiceName: "user-service", InstanceID: "u-1", IPAddress: "10.0.1.1", Port: 9000,
	}, 0))

	instances, err := client.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances["billing-service"], 2)
	assert.Equal(t, "i-1", instances["billing-service"][0].InstanceID)
	assert.Equal(t, 2, instances["billing-service"][1].Weight)
	require.Len(t, instances["user-service"], 1)

	require.NoError(t, client.DeregisterInstance(ctx, "billing-service", "i-1"))
	instances, err = client.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, instances["billing-service"], 1)
}

func TestWatcher(t *testing.T) {
	client := CreateEtcdClientForTest(t, "/kong-mesh-test/watch/")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []WatchEvent
	received := make(chan struct{}, 4)
	require.NoError(t, client.StartWatch(ctx, func(event WatchEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
		received <- struct{}{}
	}))

	require.NoError(t, client.RegisterInstance(ctx, &ServiceInstance{
		ServiceName: "billing-service", InstanceID: "i-1", IPAddress: "10.0.0.1", Port: 8080,
	}, 0))
	require.NoError(t, client.DeregisterInstance(ctx, "billing-service", "i-1"))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatal("等待监听事件超时")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "create", events[0].EventType)
	require.NotNil(t, events[0].ServiceObj)
	assert.Equal(t, "10.0.0.1", events[0].ServiceObj.IPAddress)
	assert.Equal(t, "delete", events[1].EventType)
	require.NotNil(t, events[1].ServiceObj, "删除事件应携带变化前的实例")
}
