// Package balancer 根据负载均衡策略与端点健康状态选择目标端点
package balancer

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/registry"
)

// DefaultHealthCacheTTL 健康缓存有效期
const DefaultHealthCacheTTL = 30 * time.Second

// 一致性哈希使用的选择上下文键
const (
	SelectionUserID    = "user_id"
	SelectionSessionID = "session_id"
	SelectionTenantID  = "tenant_id"
)

// Options 负载均衡器配置
type Options struct {
	// HealthCacheTTL 缓存健康记录的信任时长
	HealthCacheTTL time.Duration
	// Clock 时间来源
	Clock clockwork.Clock
	// Logger 日志
	Logger config.Logger
}

// LoadBalancer 负载均衡器
type LoadBalancer struct {
	registry *registry.Registry
	prober   Prober
	clock    clockwork.Clock
	ttl      time.Duration
	logger   config.Logger

	counters      map[string]*atomic.Uint64
	countersMutex sync.Mutex

	probes singleflight.Group
}

// New 创建负载均衡器
func New(reg *registry.Registry, prober Prober, opts Options) *LoadBalancer {
	if opts.HealthCacheTTL <= 0 {
		opts.HealthCacheTTL = DefaultHealthCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = config.NewNopLogger()
	}
	return &LoadBalancer{
		registry: reg,
		prober:   prober,
		clock:    opts.Clock,
		ttl:      opts.HealthCacheTTL,
		logger:   opts.Logger,
		counters: make(map[string]*atomic.Uint64),
	}
}

// SelectEndpoint 按策略选择端点；仅当服务没有任何端点时返回nil
func (lb *LoadBalancer) SelectEndpoint(ctx context.Context, service string, policy model.LoadBalancingPolicy, selection map[string]string) *model.ServiceEndpoint {
	endpoints := lb.registry.GetEndpoints(service)
	if len(endpoints) == 0 {
		return nil
	}

	candidates := lb.healthyEndpoints(ctx, endpoints)
	if len(candidates) == 0 {
		// 没有健康端点时退回全量列表
		lb.logger.Debug("没有健康端点，使用全部端点",
			zap.String("service", service),
			zap.Int("endpoints", len(endpoints)))
		candidates = endpoints
	}

	ep := lb.pick(service, policy, candidates, selection)
	return &ep
}

func (lb *LoadBalancer) pick(service string, policy model.LoadBalancingPolicy, eps []model.ServiceEndpoint, selection map[string]string) model.ServiceEndpoint {
	switch policy {
	case model.PolicyRoundRobin:
		return lb.roundRobin(service, eps)
	case model.PolicyWeighted:
		return weighted(eps)
	case model.PolicyConsistentHash:
		return consistentHash(eps, selection)
	case model.PolicyStickySession, model.PolicyUnspecified:
		return eps[0]
	default:
		return eps[0]
	}
}

func (lb *LoadBalancer) roundRobin(service string, eps []model.ServiceEndpoint) model.ServiceEndpoint {
	lb.countersMutex.Lock()
	counter, ok := lb.counters[service]
	if !ok {
		counter = new(atomic.Uint64)
		lb.counters[service] = counter
	}
	lb.countersMutex.Unlock()

	idx := (counter.Add(1) - 1) % uint64(len(eps))
	return eps[idx]
}

func weighted(eps []model.ServiceEndpoint) model.ServiceEndpoint {
	total := 0
	for _, ep := range eps {
		if ep.Weight > 0 {
			total += ep.Weight
		}
	}
	if total == 0 {
		return eps[0]
	}

	r := rand.IntN(total)
	for _, ep := range eps {
		if ep.Weight <= 0 {
			continue
		}
		if r < ep.Weight {
			return ep
		}
		r -= ep.Weight
	}
	return eps[len(eps)-1]
}

func consistentHash(eps []model.ServiceEndpoint, selection map[string]string) model.ServiceEndpoint {
	key := hashKey(selection)
	if key == "" {
		return eps[0]
	}
	return eps[xxhash.Sum64String(key)%uint64(len(eps))]
}

// hashKey 优先使用用户ID，其次会话ID，否则使用排序后的全部键值对
func hashKey(selection map[string]string) string {
	if len(selection) == 0 {
		return ""
	}
	if v := selection[SelectionUserID]; v != "" {
		return v
	}
	if v := selection[SelectionSessionID]; v != "" {
		return v
	}

	keys := make([]string, 0, len(selection))
	for k := range selection {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(selection[k])
	}
	return b.String()
}

// healthyEndpoints 返回健康端点子集，缓存过期的端点并发实时探测
func (lb *LoadBalancer) healthyEndpoints(ctx context.Context, eps []model.ServiceEndpoint) []model.ServiceEndpoint {
	healthy := make([]bool, len(eps))
	var stale []int

	now := lb.clock.Now()
	for i, ep := range eps {
		record, ok := lb.registry.GetHealth(ep.Address())
		if ok && now.Sub(record.LastCheck) < lb.ttl {
			healthy[i] = record.Healthy
			continue
		}
		stale = append(stale, i)
	}

	if len(stale) > 0 {
		var g errgroup.Group
		for _, i := range stale {
			g.Go(func() error {
				// 探测结果被同地址的并发选择共享，不受单个调用方取消的影响
				healthy[i] = lb.ProbeEndpoint(context.WithoutCancel(ctx), eps[i]).Healthy
				return nil
			})
		}
		_ = g.Wait()
	}

	result := make([]model.ServiceEndpoint, 0, len(eps))
	for i, ep := range eps {
		if healthy[i] {
			result = append(result, ep)
		}
	}
	return result
}

// ProbeEndpoint 绕过缓存实时探测端点并写回健康缓存；同一地址的并发探测会合并。
// 探测使用发起方的ctx，ctx取消时探测随之结束
func (lb *LoadBalancer) ProbeEndpoint(ctx context.Context, ep model.ServiceEndpoint) model.HealthRecord {
	addr := ep.Address()
	v, _, _ := lb.probes.Do(addr, func() (interface{}, error) {
		record := lb.prober.Probe(ctx, ep)
		lb.registry.SetHealth(addr, record)
		if !record.Healthy {
			lb.logger.Debug("端点健康检查失败",
				zap.String("service", ep.ServiceName),
				zap.String("address", addr),
				zap.Int("status_code", record.StatusCode),
				zap.String("error", record.Error))
		}
		return record, nil
	})
	return v.(model.HealthRecord)
}

// SelectionFromHeaders 从请求头提取一致性哈希使用的选择上下文
func SelectionFromHeaders(headers map[string]string) map[string]string {
	selection := make(map[string]string)
	for header, key := range map[string]string{
		"X-User-Id":    SelectionUserID,
		"X-Session-Id": SelectionSessionID,
		"X-Tenant-Id":  SelectionTenantID,
	} {
		if v := model.LookupHeader(headers, header); v != "" {
			selection[key] = v
		}
	}
	return selection
}
