package mesh

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/discovery"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// runHealthLoop 按固定间隔探测全部端点，直到ctx取消
func (m *ServiceMesh) runHealthLoop(ctx context.Context, lb *balancer.LoadBalancer) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.settings.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("健康检查循环已停止")
			return
		case <-ticker.Chan():
			m.checkAllEndpoints(ctx, lb)
		}
	}
}

// RunHealthChecks 立即对全部端点执行一轮健康检查
func (m *ServiceMesh) RunHealthChecks(ctx context.Context) error {
	_, lb, err := m.active()
	if err != nil {
		return err
	}
	m.checkAllEndpoints(ctx, lb)
	return nil
}

// checkAllEndpoints 绕过缓存探测全部端点，更新端点状态与健康缓存；单个探测的异常不影响其他探测
func (m *ServiceMesh) checkAllEndpoints(ctx context.Context, lb *balancer.LoadBalancer) {
	var g errgroup.Group
	g.SetLimit(m.settings.ProbeConcurrency)

	checked := 0
	for _, service := range m.registry.ListServices() {
		for _, ep := range m.registry.GetEndpoints(service) {
			if ctx.Err() != nil {
				break
			}
			checked++
			g.Go(func() error {
				m.checkEndpoint(ctx, lb, ep)
				return nil
			})
		}
	}
	_ = g.Wait()

	m.logger.Debug("健康检查完成", zap.Int("endpoints", checked))
}

func (m *ServiceMesh) checkEndpoint(ctx context.Context, lb *balancer.LoadBalancer, ep model.ServiceEndpoint) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("健康检查异常",
				zap.String("service", ep.ServiceName),
				zap.String("address", ep.Address()),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	record := lb.ProbeEndpoint(ctx, ep)
	if ctx.Err() != nil {
		// 关闭期间被中止的探测不代表端点状态
		return
	}
	if err := m.registry.SetEndpointStatus(ep.ServiceName, ep.Host, ep.Port, record.Status()); err != nil {
		// 探测期间端点已被注销
		m.logger.Debug("更新端点状态失败", zap.String("address", ep.Address()), zap.Error(err))
	}
	m.metrics.recordHealth(ep.ServiceName, ep.Address(), record.Healthy)

	if !record.Healthy {
		m.logger.Warn("端点不健康",
			zap.String("service", ep.ServiceName),
			zap.String("address", ep.Address()),
			zap.Int("status_code", record.StatusCode),
			zap.String("error", record.Error))
	}
}

func (m *ServiceMesh) hasWatchers() bool {
	for _, d := range m.discoverers {
		if _, ok := d.(discovery.Watcher); ok {
			return true
		}
	}
	return false
}

// triggerDiscovery 请求一次重新发现，已有待处理请求时合并
func (m *ServiceMesh) triggerDiscovery() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// runDiscoveryLoop 周期性或在发现源通知变化时重新发现服务
func (m *ServiceMesh) runDiscoveryLoop(ctx context.Context) {
	defer m.wg.Done()

	for _, d := range m.discoverers {
		w, ok := d.(discovery.Watcher)
		if !ok {
			continue
		}
		if err := w.Watch(ctx, m.triggerDiscovery); err != nil {
			m.logger.Error("启动服务发现监听失败", zap.Error(err))
		}
	}

	var tick <-chan time.Time
	if m.settings.DiscoveryInterval > 0 {
		ticker := m.clock.NewTicker(m.settings.DiscoveryInterval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("服务发现循环已停止")
			return
		case <-tick:
		case <-m.refresh:
		}
		_ = m.DiscoverServices(ctx)
	}
}
