// Package mesh 实现服务网格编排：路由、熔断、负载均衡、健康检查与指标
package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/breaker"
	"github.com/hewenyu/kong-mesh/pkg/discovery"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/registry"
	"github.com/hewenyu/kong-mesh/pkg/transport"
)

// Settings 网格运行参数
type Settings struct {
	Tenant              string
	HealthCheckInterval time.Duration
	HealthCacheTTL      time.Duration
	ProbeTimeout        time.Duration
	ProbeConcurrency    int
	DefaultTimeout      time.Duration
	DiscoveryInterval   time.Duration
	BreakerThreshold    int
	BreakerTimeout      time.Duration
	Transport           transport.Options
}

// DefaultSettings 返回默认参数
func DefaultSettings() Settings {
	return Settings{
		Tenant:              "default",
		HealthCheckInterval: 30 * time.Second,
		HealthCacheTTL:      balancer.DefaultHealthCacheTTL,
		ProbeTimeout:        balancer.DefaultProbeTimeout,
		ProbeConcurrency:    8,
		DefaultTimeout:      model.DefaultCallTimeout,
		BreakerThreshold:    breaker.DefaultFailureThreshold,
		BreakerTimeout:      breaker.DefaultTimeout,
	}
}

// SettingsFromConfig 从应用配置构建网格参数
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Tenant:              cfg.Mesh.Tenant,
		HealthCheckInterval: cfg.Mesh.HealthCheckInterval,
		HealthCacheTTL:      cfg.Mesh.HealthCacheTTL,
		ProbeTimeout:        cfg.Mesh.ProbeTimeout,
		ProbeConcurrency:    cfg.Mesh.ProbeConcurrency,
		DefaultTimeout:      cfg.Mesh.DefaultTimeout,
		DiscoveryInterval:   cfg.Mesh.DiscoveryInterval,
		BreakerThreshold:    cfg.Breaker.FailureThreshold,
		BreakerTimeout:      cfg.Breaker.Timeout,
		Transport: transport.Options{
			Timeout:      cfg.Transport.Timeout,
			MaxIdleConns: cfg.Transport.MaxIdleConns,
			UserAgent:    cfg.Transport.UserAgent,
		},
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Tenant == "" {
		s.Tenant = d.Tenant
	}
	if s.HealthCheckInterval <= 0 {
		s.HealthCheckInterval = d.HealthCheckInterval
	}
	if s.HealthCacheTTL <= 0 {
		s.HealthCacheTTL = d.HealthCacheTTL
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	if s.ProbeConcurrency <= 0 {
		s.ProbeConcurrency = d.ProbeConcurrency
	}
	if s.DefaultTimeout <= 0 {
		s.DefaultTimeout = d.DefaultTimeout
	}
	if s.BreakerThreshold <= 0 {
		s.BreakerThreshold = d.BreakerThreshold
	}
	if s.BreakerTimeout <= 0 {
		s.BreakerTimeout = d.BreakerTimeout
	}
	return s
}

// Option 网格构建选项
type Option func(*ServiceMesh)

// WithTransportFactory 指定Initialize时创建出站传输的方式
func WithTransportFactory(factory func() transport.Transport) Option {
	return func(m *ServiceMesh) {
		m.newTransport = factory
	}
}

// WithDiscoverer 添加服务发现源
func WithDiscoverer(d discovery.Discoverer) Option {
	return func(m *ServiceMesh) {
		m.discoverers = append(m.discoverers, d)
	}
}

// WithClock 指定时间来源
func WithClock(clock clockwork.Clock) Option {
	return func(m *ServiceMesh) {
		m.clock = clock
	}
}

// WithPrometheusRegistry 指定指标注册表
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(m *ServiceMesh) {
		m.promRegistry = reg
	}
}

// WithProber 替换默认的HTTP健康探测器
func WithProber(p balancer.Prober) Option {
	return func(m *ServiceMesh) {
		m.prober = p
	}
}

type lifecycleState int

const (
	stateCreated lifecycleState = iota
	stateRunning
	stateStopped
)

// ServiceMesh 服务网格实例
type ServiceMesh struct {
	settings     Settings
	logger       config.Logger
	clock        clockwork.Clock
	registry     *registry.Registry
	metrics      *callMetrics
	promRegistry *prometheus.Registry
	newTransport func() transport.Transport
	discoverers  []discovery.Discoverer
	prober       balancer.Prober

	mu        sync.RWMutex
	state     lifecycleState
	transport transport.Transport
	balancer  *balancer.LoadBalancer
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	refresh chan struct{}

	// discovered 记录每个发现源上一轮返回的服务名，与discoverers按下标对应
	discoverMu sync.Mutex
	discovered []map[string]struct{}
}

// New 创建服务网格，Initialize之前可注册端点与规则
func New(settings Settings, logger config.Logger, opts ...Option) *ServiceMesh {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	m := &ServiceMesh{
		settings: settings.withDefaults(),
		logger:   logger,
		refresh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.promRegistry == nil {
		m.promRegistry = prometheus.NewRegistry()
	}
	if m.newTransport == nil {
		m.newTransport = func() transport.Transport {
			return transport.NewRestyTransport(m.settings.Transport, m.logger)
		}
	}

	m.metrics = newCallMetrics(m.promRegistry)
	m.registry = registry.New(breaker.Settings{
		FailureThreshold: m.settings.BreakerThreshold,
		Timeout:          m.settings.BreakerTimeout,
		Clock:            m.clock,
		OnStateChange:    m.onBreakerStateChange,
	})
	return m
}

func (m *ServiceMesh) onBreakerStateChange(name string, from, to breaker.State) {
	m.metrics.recordBreakerState(name, to)
	fields := []zap.Field{
		zap.String("service", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == breaker.StateOpen {
		m.logger.Warn("熔断器打开", fields...)
		return
	}
	m.logger.Info("熔断器状态变化", fields...)
}

// Initialize 创建出站传输，执行一次服务发现并启动后台任务
func (m *ServiceMesh) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case stateRunning:
		m.mu.Unlock()
		return newError(ErrAlreadyInitialized, "", "服务网格已初始化", nil)
	case stateStopped:
		m.mu.Unlock()
		return newError(ErrShutdown, "", "服务网格已关闭", nil)
	}

	m.transport = m.newTransport()
	prober := m.prober
	if prober == nil {
		prober = balancer.NewHTTPProber(m.transport, m.settings.ProbeTimeout, m.clock)
	}
	m.balancer = balancer.New(m.registry, prober, balancer.Options{
		HealthCacheTTL: m.settings.HealthCacheTTL,
		Clock:          m.clock,
		Logger:         m.logger,
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = stateRunning
	lb := m.balancer

	m.wg.Add(1)
	go m.runHealthLoop(loopCtx, lb)
	if m.settings.DiscoveryInterval > 0 || m.hasWatchers() {
		m.wg.Add(1)
		go m.runDiscoveryLoop(loopCtx)
	}
	m.mu.Unlock()

	m.logger.Info("服务网格初始化",
		zap.String("tenant", m.settings.Tenant),
		zap.Duration("health_check_interval", m.settings.HealthCheckInterval),
		zap.Int("discoverers", len(m.discoverers)))

	// 发现失败只记录日志，不影响初始化
	_ = m.DiscoverServices(ctx)

	return nil
}

// Shutdown 停止后台任务并关闭出站传输；ctx限制等待后台任务退出的时间
func (m *ServiceMesh) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case stateStopped:
		m.mu.Unlock()
		return nil
	case stateCreated:
		m.state = stateStopped
		m.mu.Unlock()
		return nil
	}
	m.state = stateStopped
	m.cancel()
	t := m.transport
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		m.logger.Warn("等待后台任务退出超时", zap.Error(waitErr))
	}

	if err := t.Close(); err != nil {
		m.logger.Error("关闭出站传输失败", zap.Error(err))
		return errors.Join(waitErr, err)
	}

	m.logger.Info("服务网格已关闭")
	return waitErr
}

// active 返回运行中的传输与负载均衡器
func (m *ServiceMesh) active() (transport.Transport, *balancer.LoadBalancer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case stateCreated:
		return nil, nil, newError(ErrNotInitialized, "", "服务网格未初始化", nil)
	case stateStopped:
		return nil, nil, newError(ErrShutdown, "", "服务网格已关闭", nil)
	}
	return m.transport, m.balancer, nil
}

// Running 网格是否处于运行状态
func (m *ServiceMesh) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == stateRunning
}

// RegisterServiceEndpoint 注册服务端点
func (m *ServiceMesh) RegisterServiceEndpoint(ep model.ServiceEndpoint) error {
	if err := m.registry.RegisterEndpoint(ep); err != nil {
		m.logger.Warn("注册端点失败",
			zap.String("service", ep.ServiceName),
			zap.String("host", ep.Host),
			zap.Int("port", ep.Port),
			zap.Error(err))
		return newError(ErrInvalidArgument, ep.ServiceName, "注册端点失败", err)
	}
	m.logger.Info("端点已注册",
		zap.String("service", ep.ServiceName),
		zap.String("address", ep.Address()))
	return nil
}

// UnregisterServiceEndpoint 注销服务端点，不存在时忽略
func (m *ServiceMesh) UnregisterServiceEndpoint(service, host string, port int) {
	m.registry.UnregisterEndpoint(service, host, port)
	m.logger.Info("端点已注销",
		zap.String("service", service),
		zap.String("host", host),
		zap.Int("port", port))
}

// AddTrafficRule 添加流量规则，相同 (源, 目标) 后写覆盖
func (m *ServiceMesh) AddTrafficRule(rule model.TrafficRule) error {
	if err := m.registry.AddTrafficRule(rule); err != nil {
		return newError(ErrInvalidArgument, rule.DestinationService, "添加流量规则失败", err)
	}
	if rule.RetryPolicy != model.RetryNone || rule.MaxRetries > 0 {
		m.logger.Debug("流量规则包含重试配置，调用路径不会执行重试",
			zap.String("rule", rule.Name),
			zap.String("retry_policy", rule.RetryPolicy.String()))
	}
	m.logger.Info("流量规则已添加",
		zap.String("rule", rule.Name),
		zap.String("route", model.RouteKey(rule.SourceService, rule.DestinationService)),
		zap.String("policy", rule.Policy.String()))
	return nil
}

// DiscoverServices 从全部发现源拉取实例并重建对应服务的端点；
// 上一轮存在而本轮消失的服务会被清空。错误已记录日志
func (m *ServiceMesh) DiscoverServices(ctx context.Context) error {
	m.discoverMu.Lock()
	defer m.discoverMu.Unlock()

	if m.discovered == nil {
		m.discovered = make([]map[string]struct{}, len(m.discoverers))
	}

	var errs []error
	for i, d := range m.discoverers {
		services, err := d.Discover(ctx)
		if err != nil {
			m.logger.Error("服务发现失败", zap.Error(err))
			errs = append(errs, err)
		}

		seen := make(map[string]struct{}, len(services))
		for _, svc := range services {
			seen[svc.Name] = struct{}{}
			if err := m.registry.ReplaceEndpoints(svc.Name, svc.Endpoints()); err != nil {
				m.logger.Error("更新服务端点失败", zap.String("service", svc.Name), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			m.logger.Debug("服务端点已更新",
				zap.String("service", svc.Name),
				zap.Int("endpoints", len(svc.Instances)))
		}

		// 发现失败时结果可能不完整，保留上一轮的服务
		if err != nil {
			for name := range m.discovered[i] {
				seen[name] = struct{}{}
			}
			m.discovered[i] = seen
			continue
		}
		for name := range m.discovered[i] {
			if _, ok := seen[name]; ok {
				continue
			}
			if err := m.registry.ReplaceEndpoints(name, nil); err != nil {
				errs = append(errs, err)
				continue
			}
			m.logger.Info("服务已从发现源消失，端点已清空", zap.String("service", name))
		}
		m.discovered[i] = seen
	}
	return errors.Join(errs...)
}

// Registry 返回网格使用的注册表
func (m *ServiceMesh) Registry() *registry.Registry {
	return m.registry
}

// Gatherer 返回Prometheus指标采集器
func (m *ServiceMesh) Gatherer() prometheus.Gatherer {
	return m.promRegistry
}

// GetMeshMetrics 返回调用统计快照
func (m *ServiceMesh) GetMeshMetrics() model.MeshMetrics {
	return m.metrics.snapshot()
}

// GetCircuitBreakers 返回已创建熔断器的状态，按服务名排序
func (m *ServiceMesh) GetCircuitBreakers() []model.BreakerSnapshot {
	breakers := m.registry.CircuitBreakers()
	result := make([]model.BreakerSnapshot, 0, len(breakers))
	for _, cb := range breakers {
		result = append(result, cb.Snapshot())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Service < result[j].Service })
	return result
}

// GetServiceTopology 返回服务、端点、熔断状态与流量规则
func (m *ServiceMesh) GetServiceTopology() model.Topology {
	topology := model.Topology{
		Services:     make(map[string]model.TopologyService),
		TrafficRules: m.registry.TrafficRules(),
	}
	for _, name := range m.registry.ListServices() {
		state := breaker.StateClosed
		if cb, ok := m.registry.LookupCircuitBreaker(name); ok {
			state = cb.State()
		}
		topology.Services[name] = model.TopologyService{
			Endpoints:    m.registry.GetEndpoints(name),
			BreakerState: state.String(),
		}
	}
	return topology
}

// GetHealthStatus 按健康缓存汇总端点健康状况；没有缓存记录的端点计为未知
func (m *ServiceMesh) GetHealthStatus() model.HealthSummary {
	records := m.registry.HealthRecords()
	summary := model.HealthSummary{
		Endpoints:       records,
		CircuitBreakers: m.GetCircuitBreakers(),
	}
	for _, name := range m.registry.ListServices() {
		for _, ep := range m.registry.GetEndpoints(name) {
			summary.TotalEndpoints++
			record, ok := records[ep.Address()]
			switch {
			case !ok:
				summary.UnknownEndpoints++
			case record.Healthy:
				summary.HealthyEndpoints++
			default:
				summary.UnhealthyEndpoints++
			}
		}
	}
	return summary
}
