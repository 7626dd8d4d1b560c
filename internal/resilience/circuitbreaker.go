package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitBreakerConfig holds circuit breaker configuration. The breaker
// trips after FailureThreshold consecutive failures occurring within
// Window of each other; a zero Window means failures never age out.
type CircuitBreakerConfig struct {
	Name                string        `mapstructure:"name"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	SuccessThreshold    int           `mapstructure:"success_threshold"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	Window              time.Duration `mapstructure:"window"`
	MaxHalfOpenRequests int           `mapstructure:"max_half_open_requests"`
}

// DefaultCircuitBreakerConfig returns default configuration
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		Window:              60 * time.Second,
		MaxHalfOpenRequests: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config           *CircuitBreakerConfig
	state            State
	failures         int
	successes        int
	halfOpenRequests int
	streakStart      time.Time
	lastFailure      time.Time
	metrics          CircuitBreakerMetrics
	mutex            sync.RWMutex
	logger           *zap.Logger

	onFailure func()      // optional, invoked outside the mutex
	onState   func(State) // optional, invoked under the mutex
}

// CircuitBreakerMetrics is a snapshot of call counters
type CircuitBreakerMetrics struct {
	TotalCalls       int64
	SuccessfulCalls  int64
	FailedCalls      int64
	RejectedCalls    int64
	StateTransitions int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		logger: logger.With(zap.String("circuit_breaker", config.Name)),
	}
}

// SetObservers installs optional hooks: onFailure fires once per failed
// call, onState once per state transition. Must be called before the
// breaker serves traffic.
func (cb *CircuitBreaker) SetObservers(onFailure func(), onState func(State)) {
	cb.mutex.Lock()
	cb.onFailure = onFailure
	cb.onState = onState
	cb.mutex.Unlock()
}

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		cb.recordRejection()
		return err
	}

	err := fn(ctx)
	cb.recordOutcome(err == nil)
	if err != nil && cb.onFailure != nil {
		cb.onFailure()
	}

	return err
}

// allowRequest checks if a request is allowed
func (cb *CircuitBreaker) allowRequest() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.config.OpenTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenRequests++
		return nil
	}
	return nil
}

// recordOutcome records the outcome of a call
func (cb *CircuitBreaker) recordOutcome(success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.metrics.TotalCalls++
	if success {
		cb.metrics.SuccessfulCalls++
	} else {
		cb.metrics.FailedCalls++
	}

	switch cb.state {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		now := time.Now()
		if cb.failures == 0 || (cb.config.Window > 0 && now.Sub(cb.streakStart) > cb.config.Window) {
			cb.failures = 0
			cb.streakStart = now
		}
		cb.failures++
		cb.lastFailure = now
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		if success {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transitionTo(StateClosed)
			}
		} else {
			cb.lastFailure = time.Now()
			cb.transitionTo(StateOpen)
		}
	}
}

// recordRejection records a rejected call
func (cb *CircuitBreaker) recordRejection() {
	cb.mutex.Lock()
	cb.metrics.RejectedCalls++
	cb.mutex.Unlock()
}

// transitionTo transitions to a new state. Caller must hold the mutex.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
	cb.metrics.StateTransitions++

	cb.logger.Info("Circuit breaker state transition",
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
	if cb.onState != nil {
		cb.onState(newState)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// Metrics returns a snapshot of the current metrics
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.metrics
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
}
