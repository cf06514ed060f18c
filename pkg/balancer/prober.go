package balancer

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/transport"
)

// DefaultProbeTimeout 默认健康探测超时
const DefaultProbeTimeout = 5 * time.Second

// Prober 对端点执行一次实时健康探测
type Prober interface {
	Probe(ctx context.Context, ep model.ServiceEndpoint) model.HealthRecord
}

// HTTPProber 通过 GET health_check_path 探测端点，200 视为健康
type HTTPProber struct {
	transport transport.Transport
	timeout   time.Duration
	clock     clockwork.Clock
}

// NewHTTPProber 创建HTTP探测器
func NewHTTPProber(t transport.Transport, timeout time.Duration, clock clockwork.Clock) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HTTPProber{transport: t, timeout: timeout, clock: clock}
}

// Probe 实现Prober接口，传输错误记为不健康
func (p *HTTPProber) Probe(ctx context.Context, ep model.ServiceEndpoint) model.HealthRecord {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.transport.Send(ctx, &transport.Request{
		Method: http.MethodGet,
		URL:    ep.HealthCheckURL(),
	})
	record := model.HealthRecord{LastCheck: p.clock.Now()}
	if err != nil {
		record.Error = err.Error()
		return record
	}
	record.StatusCode = resp.StatusCode
	record.Healthy = resp.StatusCode == http.StatusOK
	return record
}

// ProberFunc 函数形式的Prober
type ProberFunc func(ctx context.Context, ep model.ServiceEndpoint) model.HealthRecord

// Probe 实现Prober接口
func (f ProberFunc) Probe(ctx context.Context, ep model.ServiceEndpoint) model.HealthRecord {
	return f(ctx, ep)
}
