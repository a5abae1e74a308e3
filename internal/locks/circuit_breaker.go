package locks

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/funnelchat/wa-delivery/internal/observability"
)

// CircuitState is the three-state circuit the breaker cycles through
// around a Manager whose underlying store (Redis) may be unreachable.
type CircuitState int32

const (
	StateClosed   CircuitState = 0
	StateOpen     CircuitState = 1
	StateHalfOpen CircuitState = 2
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig tunes how many consecutive lock failures trip the
// breaker and how long it stays open before probing recovery.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	OpenDuration        time.Duration
	HalfOpenMaxAttempts int
	HealthCheckInterval time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    3,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxAttempts: 2,
		HealthCheckInterval: 10 * time.Second,
	}
}

// CircuitBreakerManager wraps a Manager so that health.Monitor's periodic
// leader-election lock degrades to "every process attempts the tick"
// during a Redis outage instead of every process blocking on a dead
// store. State transitions and acquisition outcomes report directly onto
// this repo's observability.Metrics (lock_circuit_breaker_state,
// lock_acquire_total) rather than through a generic callback indirection —
// there is exactly one metrics sink in this repo, so the indirection only
// hid the wiring. health.Handler.checkLockManager reads GetState()
// alongside these counters for the readiness probe.
type CircuitBreakerManager struct {
	underlying Manager
	config     CircuitBreakerConfig
	metrics    *observability.Metrics

	state               atomic.Int32
	consecutiveFailures atomic.Int32
	halfOpenAttempts    atomic.Int32
	lastFailureTime     atomic.Int64

	healthCheckTicker *time.Ticker
	stopHealthCheck   chan struct{}
	healthChecking    atomic.Bool
}

func NewCircuitBreakerManager(underlying Manager, config CircuitBreakerConfig, metrics *observability.Metrics) *CircuitBreakerManager {
	cbm := &CircuitBreakerManager{
		underlying:      underlying,
		config:          config,
		metrics:         metrics,
		stopHealthCheck: make(chan struct{}),
	}
	cbm.state.Store(int32(StateClosed))
	cbm.reportState(StateClosed)
	cbm.startHealthCheck()
	return cbm
}

// Acquire implements Manager, routing through the breaker's current state:
// closed tries the underlying manager directly, open hands back a no-op
// lock (or probes recovery once OpenDuration has elapsed), and half-open
// lets a bounded number of probe attempts decide whether to close again.
func (cbm *CircuitBreakerManager) Acquire(ctx context.Context, key string, ttlSeconds int) (Lock, bool, error) {
	switch CircuitState(cbm.state.Load()) {
	case StateClosed:
		return cbm.tryAcquire(ctx, key, ttlSeconds)

	case StateOpen:
		if cbm.shouldAttemptRecovery() {
			cbm.transitionTo(StateHalfOpen)
			return cbm.tryAcquire(ctx, key, ttlSeconds)
		}
		cbm.recordAcquire(key, "circuit_open_fallback")
		return cbm.fallbackLock(), true, nil

	case StateHalfOpen:
		lock, acquired, err := cbm.tryAcquire(ctx, key, ttlSeconds)
		if CircuitState(cbm.state.Load()) == StateOpen {
			// The probe failed and tryAcquire already reopened the circuit.
			return lock, acquired, err
		}
		if err == nil {
			if cbm.halfOpenAttempts.Add(1) >= int32(cbm.config.HalfOpenMaxAttempts) {
				cbm.transitionTo(StateClosed)
				cbm.consecutiveFailures.Store(0)
				cbm.halfOpenAttempts.Store(0)
			}
			return lock, acquired, nil
		}
		cbm.recordFailure()
		cbm.transitionTo(StateOpen)
		cbm.recordAcquire(key, "circuit_open_fallback")
		return cbm.fallbackLock(), true, nil

	default:
		return cbm.fallbackLock(), true, errors.New("circuit breaker in unknown state")
	}
}

func (cbm *CircuitBreakerManager) tryAcquire(ctx context.Context, key string, ttlSeconds int) (Lock, bool, error) {
	lock, acquired, err := cbm.underlying.Acquire(ctx, key, ttlSeconds)
	if err != nil {
		cbm.recordFailure()
		cbm.recordAcquire(key, "failure")

		if cbm.consecutiveFailures.Load() >= int32(cbm.config.FailureThreshold) {
			cbm.transitionTo(StateOpen)
			return cbm.fallbackLock(), true, nil
		}
		return nil, false, err
	}

	cbm.consecutiveFailures.Store(0)
	cbm.recordAcquire(key, "success")
	return lock, acquired, nil
}

func (cbm *CircuitBreakerManager) recordFailure() {
	cbm.consecutiveFailures.Add(1)
	cbm.lastFailureTime.Store(time.Now().Unix())
}

func (cbm *CircuitBreakerManager) shouldAttemptRecovery() bool {
	lastFailure := cbm.lastFailureTime.Load()
	if lastFailure == 0 {
		return true
	}
	return time.Since(time.Unix(lastFailure, 0)) >= cbm.config.OpenDuration
}

func (cbm *CircuitBreakerManager) transitionTo(newState CircuitState) {
	oldState := CircuitState(cbm.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}
	cbm.reportState(newState)
	if newState == StateHalfOpen {
		cbm.halfOpenAttempts.Store(0)
	}
}

// reportState pushes the new state onto the shared circuit-breaker gauge.
func (cbm *CircuitBreakerManager) reportState(state CircuitState) {
	if cbm.metrics != nil && cbm.metrics.CircuitBreakerState != nil {
		cbm.metrics.CircuitBreakerState.Set(float64(state))
	}
}

// recordAcquire pushes an acquisition outcome onto lock_acquire_total,
// labeled by the lock key (the periodic task name, in health.Monitor's
// usage) and outcome.
func (cbm *CircuitBreakerManager) recordAcquire(key, outcome string) {
	if cbm.metrics != nil && cbm.metrics.LockAcquisitions != nil {
		cbm.metrics.LockAcquisitions.WithLabelValues(key, outcome).Inc()
	}
}

func (cbm *CircuitBreakerManager) fallbackLock() Lock {
	return &noOpLock{}
}

// GetState reports the breaker's current state; health.Handler.checkLockManager
// surfaces this on the readiness endpoint.
func (cbm *CircuitBreakerManager) GetState() CircuitState {
	return CircuitState(cbm.state.Load())
}

// startHealthCheck runs a background probe that attempts to close an open
// circuit early, rather than waiting for the next real Acquire call to
// notice OpenDuration has elapsed.
func (cbm *CircuitBreakerManager) startHealthCheck() {
	if !cbm.healthChecking.CompareAndSwap(false, true) {
		return
	}
	cbm.healthCheckTicker = time.NewTicker(cbm.config.HealthCheckInterval)
	go func() {
		for {
			select {
			case <-cbm.healthCheckTicker.C:
				cbm.performHealthCheck()
			case <-cbm.stopHealthCheck:
				return
			}
		}
	}()
}

func (cbm *CircuitBreakerManager) performHealthCheck() {
	if CircuitState(cbm.state.Load()) != StateOpen || !cbm.shouldAttemptRecovery() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lock, acquired, err := cbm.underlying.Acquire(ctx, "circuit_breaker:health:probe", 5)
	if err == nil && acquired && lock != nil {
		_ = lock.Release(context.Background())
		cbm.transitionTo(StateHalfOpen)
	}
}

// StopHealthCheck stops the background recovery probe; callers shut this
// down alongside the Manager they built it around.
func (cbm *CircuitBreakerManager) StopHealthCheck() {
	if !cbm.healthChecking.CompareAndSwap(true, false) {
		return
	}
	close(cbm.stopHealthCheck)
	if cbm.healthCheckTicker != nil {
		cbm.healthCheckTicker.Stop()
	}
}

// noOpLock is handed back while the circuit is open: callers still get a
// Lock value to call Release/Refresh on without erroring, but it never
// serializes anything. Safe only because health.Monitor's two periodic
// tasks are independently idempotent, so a leaderless tick is merely
// redundant, not incorrect.
type noOpLock struct{}

func (l *noOpLock) Refresh(ctx context.Context, ttlSeconds int) error { return nil }
func (l *noOpLock) Release(ctx context.Context) error                { return nil }
func (l *noOpLock) GetValue() string                                 { return "" }
