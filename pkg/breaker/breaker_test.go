package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return New("billing-service", Settings{
		FailureThreshold: threshold,
		Timeout:          timeout,
		Clock:            clock,
	}), clock
}

func TestDefaults(t *testing.T) {
	b := New("svc", Settings{})

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.FailureCount())
	assert.True(t, b.LastFailureTime().IsZero())
	assert.True(t, b.CanExecute())

	snap := b.Snapshot()
	assert.Equal(t, DefaultFailureThreshold, snap.FailureThreshold)
	assert.Equal(t, "closed", snap.State)
}

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State(), "N-1次失败后应保持关闭")
	assert.True(t, b.CanExecute())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "N次失败后应打开")
	assert.False(t, b.CanExecute())
	assert.False(t, b.LastFailureTime().IsZero())
}

func TestSuccessInClosedStateDoesNotReset(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	assert.Equal(t, 2, b.FailureCount(), "关闭状态下成功调用不重置计数")
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestRecovery(t *testing.T) {
	b, clock := newTestBreaker(2, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.False(t, b.CanExecute(), "超时前应继续拒绝")
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	assert.True(t, b.CanExecute(), "超时后应放行试探请求")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.CanExecute(), "半开状态持续放行")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.FailureCount())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(time.Minute)
	require.True(t, b.CanExecute())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute(), "重新打开后需要再次等待超时")
}

func TestStateChangeCallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var transitions []string
	b := New("billing-service", Settings{
		FailureThreshold: 1,
		Timeout:          time.Second,
		Clock:            clock,
		OnStateChange: func(name string, from State, to State) {
			assert.Equal(t, "billing-service", name)
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	clock.Advance(time.Second)
	b.CanExecute()
	b.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestConcurrentFailures(t *testing.T) {
	b, _ := newTestBreaker(1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.RecordFailure()
				b.CanExecute()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, b.FailureCount())
	assert.Equal(t, StateClosed, b.State())
}
