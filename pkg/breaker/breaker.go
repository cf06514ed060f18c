// Package breaker 实现按目标服务维度的熔断器状态机
package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

const (
	// DefaultFailureThreshold 默认失败阈值
	DefaultFailureThreshold = 5
	// DefaultTimeout 默认打开状态持续时间
	DefaultTimeout = 60 * time.Second
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭，请求正常放行
	StateClosed State = iota
	// StateOpen 打开，请求被拒绝
	StateOpen
	// StateHalfOpen 半开，放行试探请求
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings 熔断器配置
type Settings struct {
	// FailureThreshold 触发打开的失败次数
	FailureThreshold int
	// Timeout 打开状态转为半开前的等待时间
	Timeout time.Duration
	// OnStateChange 状态变化回调，在锁外调用
	OnStateChange func(name string, from State, to State)
	// Clock 时间来源，默认使用真实时钟
	Clock clockwork.Clock
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Clock == nil {
		s.Clock = clockwork.NewRealClock()
	}
	return s
}

// CircuitBreaker 单个目标服务的熔断器
type CircuitBreaker struct {
	name     string
	settings Settings

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
}

// New 创建处于关闭状态的熔断器
func New(name string, settings Settings) *CircuitBreaker {
	return &CircuitBreaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
	}
}

// Name 返回熔断器名称（目标服务名）
func (b *CircuitBreaker) Name() string {
	return b.name
}

// CanExecute 判断是否允许发起调用；打开状态超时后转为半开并放行
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true
	case StateOpen:
		if b.settings.Clock.Since(b.lastFailureTime) < b.settings.Timeout {
			b.mu.Unlock()
			return false
		}
		b.state = StateHalfOpen
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return true
	default:
		b.mu.Unlock()
		return false
	}
}

// RecordSuccess 记录一次成功调用；半开状态下恢复为关闭
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	if b.state != StateHalfOpen {
		b.mu.Unlock()
		return
	}
	b.state = StateClosed
	b.failureCount = 0
	b.mu.Unlock()
	b.notify(StateHalfOpen, StateClosed)
}

// RecordFailure 记录一次失败调用；达到阈值后进入打开状态
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailureTime = b.settings.Clock.Now()
	from := b.state
	if b.failureCount >= b.settings.FailureThreshold {
		b.state = StateOpen
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// State 返回当前状态，不触发状态转换
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount 返回自上次重置以来的失败次数
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// LastFailureTime 返回最近一次失败时间，未失败过时为零值
func (b *CircuitBreaker) LastFailureTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailureTime
}

// Snapshot 返回用于上报的状态快照
func (b *CircuitBreaker) Snapshot() model.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.BreakerSnapshot{
		Service:          b.name,
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.settings.FailureThreshold,
		LastFailureTime:  b.lastFailureTime,
	}
}

func (b *CircuitBreaker) notify(from, to State) {
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
