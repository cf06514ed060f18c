package model

import (
	"fmt"
	"time"
)

// DefaultCallTimeout 未配置规则时的调用超时
const DefaultCallTimeout = 30 * time.Second

// LoadBalancingPolicy 负载均衡策略
type LoadBalancingPolicy int

const (
	// PolicyUnspecified 未指定策略，选择第一个端点
	PolicyUnspecified LoadBalancingPolicy = iota
	// PolicyRoundRobin 轮询
	PolicyRoundRobin
	// PolicyWeighted 加权随机
	PolicyWeighted
	// PolicyConsistentHash 一致性哈希
	PolicyConsistentHash
	// PolicyStickySession 会话保持
	PolicyStickySession
)

var policyNames = map[LoadBalancingPolicy]string{
	PolicyUnspecified:    "",
	PolicyRoundRobin:     "round_robin",
	PolicyWeighted:       "weighted",
	PolicyConsistentHash: "consistent_hash",
	PolicyStickySession:  "sticky_session",
}

// String 返回策略名称
func (p LoadBalancingPolicy) String() string {
	if name, ok := policyNames[p]; ok {
		if name == "" {
			return "unspecified"
		}
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// MarshalText 实现encoding.TextMarshaler
func (p LoadBalancingPolicy) MarshalText() ([]byte, error) {
	name, ok := policyNames[p]
	if !ok {
		return nil, fmt.Errorf("未知的负载均衡策略: %d", int(p))
	}
	return []byte(name), nil
}

// UnmarshalText 实现encoding.TextUnmarshaler
func (p *LoadBalancingPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePolicy 解析策略名称
func ParsePolicy(name string) (LoadBalancingPolicy, error) {
	if name == "unspecified" {
		return PolicyUnspecified, nil
	}
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return PolicyUnspecified, fmt.Errorf("未知的负载均衡策略: %q", name)
}

// RetryPolicy 重试策略。仅作为配置保存，调用路径不会执行重试
type RetryPolicy int

const (
	// RetryNone 不重试
	RetryNone RetryPolicy = iota
	// RetryExponentialBackoff 指数退避
	RetryExponentialBackoff
)

// String 返回重试策略名称
func (r RetryPolicy) String() string {
	switch r {
	case RetryNone:
		return "none"
	case RetryExponentialBackoff:
		return "exponential_backoff"
	default:
		return fmt.Sprintf("retry(%d)", int(r))
	}
}

// MarshalText 实现encoding.TextMarshaler
func (r RetryPolicy) MarshalText() ([]byte, error) {
	switch r {
	case RetryNone, RetryExponentialBackoff:
		return []byte(r.String()), nil
	default:
		return nil, fmt.Errorf("未知的重试策略: %d", int(r))
	}
}

// UnmarshalText 实现encoding.TextUnmarshaler
func (r *RetryPolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "none":
		*r = RetryNone
	case "exponential_backoff":
		*r = RetryExponentialBackoff
	default:
		return fmt.Errorf("未知的重试策略: %q", string(text))
	}
	return nil
}

// TrafficRule 源服务到目标服务的路由规则
type TrafficRule struct {
	Name               string              `json:"name"`
	SourceService      string              `json:"source_service"`
	DestinationService string              `json:"destination_service"`
	Policy             LoadBalancingPolicy `json:"load_balancing_policy"`
	RetryPolicy        RetryPolicy         `json:"retry_policy"`
	MaxRetries         int                 `json:"max_retries"`
	TimeoutSeconds     int                 `json:"timeout_seconds"` // 0 表示使用网格默认超时
}

// DefaultTrafficRule 未配置规则时使用的默认规则
func DefaultTrafficRule(source, destination string) TrafficRule {
	return TrafficRule{
		Name:               "default",
		SourceService:      source,
		DestinationService: destination,
		Policy:             PolicyRoundRobin,
		RetryPolicy:        RetryNone,
	}
}

// Timeout 返回规则的有效超时时间；规则未设置时使用fallback，fallback也未设置时为DefaultCallTimeout
func (r TrafficRule) Timeout(fallback time.Duration) time.Duration {
	switch {
	case r.TimeoutSeconds > 0:
		return time.Duration(r.TimeoutSeconds) * time.Second
	case fallback > 0:
		return fallback
	default:
		return DefaultCallTimeout
	}
}

// Validate 校验规则
func (r TrafficRule) Validate() error {
	if r.SourceService == "" || r.DestinationService == "" {
		return fmt.Errorf("源服务和目标服务不能为空")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("最大重试次数不能为负数: %d", r.MaxRetries)
	}
	if r.TimeoutSeconds < 0 {
		return fmt.Errorf("超时时间不能为负数: %d", r.TimeoutSeconds)
	}
	if _, ok := policyNames[r.Policy]; !ok {
		return fmt.Errorf("未知的负载均衡策略: %d", int(r.Policy))
	}
	return nil
}

// RouteKey 返回 "source->destination" 形式的路由键
func RouteKey(source, destination string) string {
	return source + "->" + destination
}
