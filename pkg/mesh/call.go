package mesh

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/transport"
)

// CallService 经网格调用目标服务。
// 熔断打开时立即返回ErrCircuitOpen；没有端点时返回ErrNoEndpoints；
// 传输错误与超时计入熔断器并返回ErrCallFailed。任何HTTP状态码都原样返回，
// 规则中的重试配置不会被执行。
func (m *ServiceMesh) CallService(ctx context.Context, source, destination, method, path string, headers map[string]string, body []byte) (*model.CallResult, error) {
	t, lb, err := m.active()
	if err != nil {
		return nil, err
	}

	rule, ok := m.registry.GetTrafficRule(source, destination)
	if !ok {
		rule = model.DefaultTrafficRule(source, destination)
	}

	cb := m.registry.GetCircuitBreaker(destination)
	if !cb.CanExecute() {
		m.metrics.recordRejected(source, destination, outcomeCircuitOpen)
		m.logger.Warn("目标服务熔断中，拒绝调用",
			zap.String("source", source),
			zap.String("destination", destination))
		return nil, newError(ErrCircuitOpen, destination, "服务熔断中，暂不可用: "+destination, nil)
	}

	ep := lb.SelectEndpoint(ctx, destination, rule.Policy, balancer.SelectionFromHeaders(headers))
	if ep == nil {
		m.metrics.recordRejected(source, destination, outcomeNoEndpoints)
		m.logger.Warn("目标服务没有可用端点",
			zap.String("source", source),
			zap.String("destination", destination))
		return nil, newError(ErrNoEndpoints, destination, "服务没有可用端点: "+destination, nil)
	}

	if method == "" {
		method = http.MethodGet
	}
	call := model.NewServiceCall(source, destination, method, path, headers, body, m.clock.Now())

	callCtx, cancel := context.WithTimeout(ctx, rule.Timeout(m.settings.DefaultTimeout))
	defer cancel()

	start := m.clock.Now()
	resp, err := t.Send(callCtx, &transport.Request{
		Method:  method,
		URL:     ep.URL(path),
		Headers: call.OutboundHeaders(m.settings.Tenant),
		Body:    body,
	})
	latency := m.clock.Since(start)

	if err != nil {
		cb.RecordFailure()
		m.metrics.recordFailure(source, destination, latency)
		m.logger.Error("服务调用失败",
			zap.String("call_id", call.CallID),
			zap.String("trace_id", call.TraceID),
			zap.String("source", source),
			zap.String("destination", destination),
			zap.String("endpoint", ep.Address()),
			zap.Duration("latency", latency),
			zap.Error(err))
		return nil, newError(ErrCallFailed, destination, "服务调用失败: "+destination, err)
	}

	cb.RecordSuccess()
	m.metrics.recordSuccess(source, destination, latency)
	m.logger.Debug("服务调用完成",
		zap.String("call_id", call.CallID),
		zap.String("route", model.RouteKey(source, destination)),
		zap.String("endpoint", ep.Address()),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("latency", latency))

	return &model.CallResult{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		CallID:     call.CallID,
		TraceID:    call.TraceID,
		SpanID:     call.SpanID,
		Endpoint:   ep.Address(),
		LatencyMs:  float64(latency) / float64(time.Millisecond),
	}, nil
}
