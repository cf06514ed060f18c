package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/etcdclient"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

func TestServiceEndpoints(t *testing.T) {
	svc := Service{
		Name: "billing-service",
		Instances: []Instance{
			{Host: "10.0.0.1", Port: 8080, BasePath: "/v1", Weight: 4},
			{Host: "10.0.0.2", Port: 8080, Metadata: map[string]string{"health_check_path": "/ready", "zone": "b"}},
		},
	}

	eps := svc.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "billing-service", eps[0].ServiceName)
	assert.Equal(t, "/v1", eps[0].PathPrefix)
	assert.Equal(t, 4, eps[0].Weight)
	assert.Equal(t, model.DefaultHealthCheckPath, eps[0].HealthCheckPath)
	assert.Equal(t, model.DefaultWeight, eps[1].Weight)
	assert.Equal(t, "/ready", eps[1].HealthCheckPath)
	assert.Equal(t, "b", eps[1].Metadata["zone"])
}

func TestStaticDiscovererFromConfig(t *testing.T) {
	d := NewStaticDiscovererFromConfig([]config.StaticService{
		{Name: "user-service", Instances: []config.StaticInstance{{Host: "10.0.1.1", Port: 9000}}},
		{Name: "billing-service", Instances: []config.StaticInstance{{Host: "10.0.0.1", Port: 8080, Weight: 2}}},
	})

	services, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "billing-service", services[0].Name, "服务应按名称排序")
	assert.Equal(t, 2, services[0].Instances[0].Weight)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeEtcdClient 内存实现的etcdclient.Client
type fakeEtcdClient struct {
	instances map[string][]*etcdclient.ServiceInstance
	listErr   error
	callback  etcdclient.WatchCallback
}

func (f *fakeEtcdClient) Connect() error                 { return nil }
func (f *fakeEtcdClient) Close() error                   { return nil }
func (f *fakeEtcdClient) Ping(ctx context.Context) error { return nil }
func (f *fakeEtcdClient) RegisterInstance(ctx context.Context, instance *etcdclient.ServiceInstance, ttl int64) error {
	f.instances[instance.ServiceName] = append(f.instances[instance.ServiceName], instance)
	return nil
}
func (f *fakeEtcdClient) DeregisterInstance(ctx context.Context, serviceName, instanceID string) error {
	return nil
}
func (f *fakeEtcdClient) ListInstances(ctx context.Context) (map[string][]*etcdclient.ServiceInstance, error) {
	return f.instances, f.listErr
}
func (f *fakeEtcdClient) StartWatch(ctx context.Context, callback etcdclient.WatchCallback) error {
	f.callback = callback
	return nil
}

func TestEtcdDiscoverer(t *testing.T) {
	client := &fakeEtcdClient{instances: map[string][]*etcdclient.ServiceInstance{
		"billing-service": {
			{ServiceName: "billing-service", InstanceID: "i-1", IPAddress: "10.0.0.1", Port: 8080, Weight: 3},
			{ServiceName: "billing-service", InstanceID: "bad", IPAddress: "", Port: 8080},
		},
		"audit-service": {
			{ServiceName: "audit-service", InstanceID: "a-1", IPAddress: "10.0.2.1", Port: 7000, BasePath: "/audit"},
		},
	}}
	d := NewEtcdDiscoverer(client, config.NewNopLogger())

	services, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "audit-service", services[0].Name)
	assert.Equal(t, "/audit", services[0].Instances[0].BasePath)
	require.Len(t, services[1].Instances, 1, "无效实例应被忽略")
	assert.Equal(t, 3, services[1].Instances[0].Weight)

	notified := 0
	require.NoError(t, d.Watch(context.Background(), func() { notified++ }))
	client.callback(etcdclient.WatchEvent{EventType: "create", Key: "/services/billing-service/i-2"})
	assert.Equal(t, 1, notified)

	client.listErr = errors.New("etcd unavailable")
	_, err = d.Discover(context.Background())
	assert.Error(t, err)
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

// startDNSServer 启动本地UDP DNS服务器
func startDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() {
		_ = server.ActivateAndServe()
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("DNS服务器启动超时")
	}
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestDNSDiscoverer(t *testing.T) {
	addr := startDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		switch req.Question[0].Name {
		case "_billing-service._tcp.service.local.":
			m.Answer = append(m.Answer,
				mustRR(t, "_billing-service._tcp.service.local. 30 IN SRV 10 3 8080 billing-1.service.local."),
				mustRR(t, "_billing-service._tcp.service.local. 30 IN SRV 10 0 8081 billing-2.example.org."),
			)
			m.Extra = append(m.Extra, mustRR(t, "billing-1.service.local. 30 IN A 10.0.0.1"))
		case "_broken-service._tcp.service.local.":
			m.Rcode = dns.RcodeServerFailure
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	d := NewDNSDiscoverer(DNSOptions{
		Server:   addr,
		Domain:   "service.local.",
		Services: []string{"billing-service", "gone-service", "broken-service"},
		Timeout:  time.Second,
	}, config.NewNopLogger())

	services, err := d.Discover(context.Background())
	assert.Error(t, err, "SERVFAIL应被汇总为错误")
	require.Len(t, services, 2)

	assert.Equal(t, "billing-service", services[0].Name)
	require.Len(t, services[0].Instances, 2)
	assert.Equal(t, "10.0.0.1", services[0].Instances[0].Host, "应使用附加段中的A记录")
	assert.Equal(t, 8080, services[0].Instances[0].Port)
	assert.Equal(t, 3, services[0].Instances[0].Weight)
	assert.Equal(t, "billing-2.example.org", services[0].Instances[1].Host)

	assert.Equal(t, "gone-service", services[1].Name)
	assert.Empty(t, services[1].Instances, "NXDOMAIN表示没有实例")

	eps := services[0].Endpoints()
	assert.Equal(t, model.DefaultWeight, eps[1].Weight, "SRV权重为0时使用默认权重")
}

func TestDNSDiscovererUnreachable(t *testing.T) {
	d := NewDNSDiscoverer(DNSOptions{
		Server:   "127.0.0.1:1",
		Domain:   "service.local",
		Services: []string{"billing-service"},
		Timeout:  200 * time.Millisecond,
	}, config.NewNopLogger())

	services, err := d.Discover(context.Background())
	assert.Error(t, err)
	assert.Empty(t, services)
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Discovery.Type = "static"
	cfg.Discovery.Static = []config.StaticService{
		{Name: "billing-service", Instances: []config.StaticInstance{{Host: "10.0.0.1", Port: 8080}}},
	}

	d, closeFn, err := NewFromConfig(cfg, config.NewNopLogger())
	require.NoError(t, err)
	assert.IsType(t, &StaticDiscoverer{}, d)
	assert.NoError(t, closeFn())

	cfg.Discovery.Type = "dns"
	cfg.Discovery.DNS.Server = "127.0.0.1:53"
	cfg.Discovery.DNS.Domain = "service.local"
	d, _, err = NewFromConfig(cfg, config.NewNopLogger())
	require.NoError(t, err)
	assert.IsType(t, &DNSDiscoverer{}, d)

	cfg.Discovery.Type = "consul"
	_, _, err = NewFromConfig(cfg, config.NewNopLogger())
	assert.Error(t, err)
}

func TestDiscoverOnlyHidesWatch(t *testing.T) {
	var d Discoverer = NewEtcdDiscoverer(&fakeEtcdClient{}, config.NewNopLogger())
	_, ok := d.(Watcher)
	assert.True(t, ok)

	d = discoverOnly{d}
	_, ok = d.(Watcher)
	assert.False(t, ok)
}
