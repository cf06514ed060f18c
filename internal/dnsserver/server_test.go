package dnsserver

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/hewenyu/kong-mesh/pkg/breaker"
	"github.com/hewenyu/kong-mesh/pkg/discovery"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/registry"
)

// MockLogger 实现config.Logger接口，用于测试
type MockLogger struct{}

func (l *MockLogger) Debug(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Info(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Warn(msg string, fields ...zapcore.Field)  {}
func (l *MockLogger) Error(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Fatal(msg string, fields ...zapcore.Field) {}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(breaker.Settings{})

	ep1 := model.NewServiceEndpoint("billing-service", "10.0.0.1", 8080)
	ep1.Weight = 3
	require.NoError(t, reg.RegisterEndpoint(ep1))
	require.NoError(t, reg.RegisterEndpoint(model.NewServiceEndpoint("billing-service", "10.0.0.2", 8081)))
	require.NoError(t, reg.RegisterEndpoint(model.NewServiceEndpoint("billing-service", "10.0.0.3", 8082)))
	require.NoError(t, reg.SetEndpointStatus("billing-service", "10.0.0.3", 8082, model.HealthStatusUnhealthy))
	require.NoError(t, reg.RegisterEndpoint(model.NewServiceEndpoint("user-service", "fd00::1", 9090)))
	require.NoError(t, reg.RegisterEndpoint(model.NewServiceEndpoint("audit-service", "audit.internal", 7000)))
	return reg
}

func startServer(t *testing.T, protocol string) *DNSServer {
	t.Helper()
	s := NewDNSServer(Options{
		ListenAddress: "127.0.0.1",
		Port:          0,
		Protocol:      protocol,
		Domain:        "mesh.local",
		TTL:           5,
	}, newTestRegistry(t), &MockLogger{})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func query(t *testing.T, addr, netw, name string, qtype uint16) *dns.Msg {
	t.Helper()
	c := &dns.Client{Net: netw, Timeout: 2 * time.Second}
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)

	var r *dns.Msg
	require.Eventually(t, func() bool {
		var err error
		r, _, err = c.Exchange(m, addr)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	return r
}

func TestSRVRoundTrip(t *testing.T) {
	s := startServer(t, "udp")

	d := discovery.NewDNSDiscoverer(discovery.DNSOptions{
		Server:   s.Addr(),
		Domain:   "mesh.local",
		Services: []string{"billing-service", "missing-service"},
		Timeout:  2 * time.Second,
	}, &MockLogger{})

	var services []discovery.Service
	require.Eventually(t, func() bool {
		var err error
		services, err = d.Discover(context.Background())
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	require.Len(t, services, 2)
	billing := services[0]
	assert.Equal(t, "billing-service", billing.Name)
	require.Len(t, billing.Instances, 2, "不健康端点不应发布")
	assert.Equal(t, "10.0.0.1", billing.Instances[0].Host)
	assert.Equal(t, 8080, billing.Instances[0].Port)
	assert.Equal(t, 3, billing.Instances[0].Weight)
	assert.Equal(t, "10.0.0.2", billing.Instances[1].Host)

	assert.Equal(t, "missing-service", services[1].Name)
	assert.Empty(t, services[1].Instances)
}

func TestAddressQueries(t *testing.T) {
	s := startServer(t, "udp")

	r := query(t, s.Addr(), "udp", "billing-service.mesh.local.", dns.TypeA)
	require.Equal(t, dns.RcodeSuccess, r.Rcode)
	require.Len(t, r.Answer, 2)
	assert.Equal(t, "10.0.0.1", r.Answer[0].(*dns.A).A.String())
	assert.EqualValues(t, 5, r.Answer[0].Header().Ttl)

	r = query(t, s.Addr(), "udp", "user-service.mesh.local.", dns.TypeAAAA)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "fd00::1", r.Answer[0].(*dns.AAAA).AAAA.String())

	// SRV目标名可直接解析
	r = query(t, s.Addr(), "udp", "10-0-0-2.billing-service.mesh.local.", dns.TypeA)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "10.0.0.2", r.Answer[0].(*dns.A).A.String())

	// 主机名端点的SRV目标为主机名本身，不带附加地址
	r = query(t, s.Addr(), "udp", "_audit-service._tcp.mesh.local.", dns.TypeSRV)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "audit.internal.", r.Answer[0].(*dns.SRV).Target)
	assert.Empty(t, r.Extra)

	r = query(t, s.Addr(), "udp", "unknown.mesh.local.", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, r.Rcode)
}

func TestTCPProtocol(t *testing.T) {
	s := startServer(t, "tcp")

	r := query(t, s.Addr(), "tcp", "_billing-service._tcp.mesh.local.", dns.TypeSRV)
	require.Equal(t, dns.RcodeSuccess, r.Rcode)
	assert.Len(t, r.Answer, 2)
	assert.Len(t, r.Extra, 2)
}

func TestUnsupportedProtocol(t *testing.T) {
	s := NewDNSServer(Options{ListenAddress: "127.0.0.1", Protocol: "quic", Domain: "mesh.local"}, newTestRegistry(t), &MockLogger{})
	assert.Error(t, s.Start())
}
