// Package registry 维护网格的内存状态：端点、熔断器、流量规则与健康缓存
package registry

import (
	"sort"
	"strconv"
	"sync"

	"github.com/hewenyu/kong-mesh/pkg/breaker"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

type ruleKey struct {
	source      string
	destination string
}

// Registry 基于内存的端点注册表
type Registry struct {
	endpoints      map[string][]model.ServiceEndpoint
	endpointsMutex sync.RWMutex

	breakers        map[string]*breaker.CircuitBreaker
	breakerSettings breaker.Settings
	breakersMutex   sync.Mutex

	rules      map[ruleKey]model.TrafficRule
	rulesMutex sync.RWMutex

	health      map[string]model.HealthRecord
	healthMutex sync.RWMutex
}

// New 创建注册表，settings 用于惰性创建的熔断器
func New(settings breaker.Settings) *Registry {
	return &Registry{
		endpoints:       make(map[string][]model.ServiceEndpoint),
		breakers:        make(map[string]*breaker.CircuitBreaker),
		breakerSettings: settings,
		rules:           make(map[ruleKey]model.TrafficRule),
		health:          make(map[string]model.HealthRecord),
	}
}

func validateEndpoint(ep model.ServiceEndpoint) error {
	if ep.ServiceName == "" || ep.Host == "" || ep.Port <= 0 {
		return NewInvalidArgumentError("服务名称、主机和端口不能为空")
	}
	if ep.Port > 65535 {
		return NewInvalidArgumentError("端口超出范围: " + strconv.Itoa(ep.Port))
	}
	return nil
}

// RegisterEndpoint 注册端点；(服务, host, port) 相同时原位替换
func (r *Registry) RegisterEndpoint(ep model.ServiceEndpoint) error {
	if err := validateEndpoint(ep); err != nil {
		return err
	}
	ep = ep.Clone()
	ep.ApplyDefaults()

	r.endpointsMutex.Lock()
	defer r.endpointsMutex.Unlock()

	list := r.endpoints[ep.ServiceName]
	for i := range list {
		if list[i].SameInstance(ep) {
			list[i] = ep
			return nil
		}
	}
	r.endpoints[ep.ServiceName] = append(list, ep)
	return nil
}

// UnregisterEndpoint 注销端点，不存在时忽略
func (r *Registry) UnregisterEndpoint(service, host string, port int) {
	r.endpointsMutex.Lock()
	defer r.endpointsMutex.Unlock()

	list := r.endpoints[service]
	for i := range list {
		if list[i].Host == host && list[i].Port == port {
			updated := make([]model.ServiceEndpoint, 0, len(list)-1)
			updated = append(updated, list[:i]...)
			updated = append(updated, list[i+1:]...)
			if len(updated) == 0 {
				delete(r.endpoints, service)
			} else {
				r.endpoints[service] = updated
			}
			return
		}
	}
}

// ReplaceEndpoints 重建某个服务的全部端点，用于重新发现
func (r *Registry) ReplaceEndpoints(service string, eps []model.ServiceEndpoint) error {
	rebuilt := make([]model.ServiceEndpoint, 0, len(eps))
	for _, ep := range eps {
		ep.ServiceName = service
		if err := validateEndpoint(ep); err != nil {
			return err
		}
		ep = ep.Clone()
		ep.ApplyDefaults()

		replaced := false
		for i := range rebuilt {
			if rebuilt[i].SameInstance(ep) {
				rebuilt[i] = ep
				replaced = true
				break
			}
		}
		if !replaced {
			rebuilt = append(rebuilt, ep)
		}
	}

	r.endpointsMutex.Lock()
	defer r.endpointsMutex.Unlock()

	// 保留已观测到的健康状态
	for i := range rebuilt {
		for _, old := range r.endpoints[service] {
			if old.SameInstance(rebuilt[i]) && rebuilt[i].Status == model.HealthStatusUnknown {
				rebuilt[i].Status = old.Status
			}
		}
	}

	if len(rebuilt) == 0 {
		delete(r.endpoints, service)
		return nil
	}
	r.endpoints[service] = rebuilt
	return nil
}

// GetEndpoints 返回服务端点的副本，按注册顺序排列
func (r *Registry) GetEndpoints(service string) []model.ServiceEndpoint {
	r.endpointsMutex.RLock()
	defer r.endpointsMutex.RUnlock()

	list := r.endpoints[service]
	result := make([]model.ServiceEndpoint, len(list))
	for i, ep := range list {
		result[i] = ep.Clone()
	}
	return result
}

// ListServices 返回已注册的服务名，按字母排序
func (r *Registry) ListServices() []string {
	r.endpointsMutex.RLock()
	defer r.endpointsMutex.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetEndpointStatus 更新端点健康状态
func (r *Registry) SetEndpointStatus(service, host string, port int, status model.HealthStatus) error {
	r.endpointsMutex.Lock()
	defer r.endpointsMutex.Unlock()

	list := r.endpoints[service]
	for i := range list {
		if list[i].Host == host && list[i].Port == port {
			list[i].Status = status
			return nil
		}
	}
	return NewNotFoundError("端点不存在: " + service + "/" + host + ":" + strconv.Itoa(port))
}

// GetCircuitBreaker 返回服务的熔断器，首次访问时创建
func (r *Registry) GetCircuitBreaker(service string) *breaker.CircuitBreaker {
	r.breakersMutex.Lock()
	defer r.breakersMutex.Unlock()

	cb, ok := r.breakers[service]
	if !ok {
		cb = breaker.New(service, r.breakerSettings)
		r.breakers[service] = cb
	}
	return cb
}

// LookupCircuitBreaker 返回已存在的熔断器，不会创建
func (r *Registry) LookupCircuitBreaker(service string) (*breaker.CircuitBreaker, bool) {
	r.breakersMutex.Lock()
	defer r.breakersMutex.Unlock()

	cb, ok := r.breakers[service]
	return cb, ok
}

// CircuitBreakers 返回已创建熔断器的快照
func (r *Registry) CircuitBreakers() map[string]*breaker.CircuitBreaker {
	r.breakersMutex.Lock()
	defer r.breakersMutex.Unlock()

	result := make(map[string]*breaker.CircuitBreaker, len(r.breakers))
	for name, cb := range r.breakers {
		result[name] = cb
	}
	return result
}

// AddTrafficRule 添加流量规则，相同 (源, 目标) 后写覆盖
func (r *Registry) AddTrafficRule(rule model.TrafficRule) error {
	if err := rule.Validate(); err != nil {
		return NewInvalidArgumentError(err.Error())
	}

	r.rulesMutex.Lock()
	defer r.rulesMutex.Unlock()

	r.rules[ruleKey{rule.SourceService, rule.DestinationService}] = rule
	return nil
}

// GetTrafficRule 查找流量规则
func (r *Registry) GetTrafficRule(source, destination string) (model.TrafficRule, bool) {
	r.rulesMutex.RLock()
	defer r.rulesMutex.RUnlock()

	rule, ok := r.rules[ruleKey{source, destination}]
	return rule, ok
}

// TrafficRules 返回全部流量规则，按 (源, 目标) 排序
func (r *Registry) TrafficRules() []model.TrafficRule {
	r.rulesMutex.RLock()
	defer r.rulesMutex.RUnlock()

	rules := make([]model.TrafficRule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].SourceService != rules[j].SourceService {
			return rules[i].SourceService < rules[j].SourceService
		}
		return rules[i].DestinationService < rules[j].DestinationService
	})
	return rules
}

// SetHealth 写入健康缓存
func (r *Registry) SetHealth(address string, record model.HealthRecord) {
	r.healthMutex.Lock()
	defer r.healthMutex.Unlock()

	r.health[address] = record
}

// GetHealth 读取健康缓存
func (r *Registry) GetHealth(address string) (model.HealthRecord, bool) {
	r.healthMutex.RLock()
	defer r.healthMutex.RUnlock()

	record, ok := r.health[address]
	return record, ok
}

// HealthRecords 返回健康缓存的副本
func (r *Registry) HealthRecords() map[string]model.HealthRecord {
	r.healthMutex.RLock()
	defer r.healthMutex.RUnlock()

	result := make(map[string]model.HealthRecord, len(r.health))
	for addr, record := range r.health {
		result[addr] = record
	}
	return result
}
