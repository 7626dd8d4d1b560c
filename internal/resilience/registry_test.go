package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewCircuitBreakerRegistry(t *testing.T) {
	registry := NewCircuitBreakerRegistry(zap.NewNop())
	if registry == nil {
		t.Error("NewCircuitBreakerRegistry() returned nil")
	}
}

func TestCircuitBreakerRegistry_Get_CreatesDefault(t *testing.T) {
	registry := NewCircuitBreakerRegistry(zap.NewNop())

	cb := registry.Get("test-breaker")
	if cb == nil {
		t.Fatal("Get() returned nil")
	}

	// State should be closed by default
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want CLOSED", cb.State())
	}
}

func TestCircuitBreakerRegistry_Get_ReturnsSame(t *testing.T) {
	registry := NewCircuitBreakerRegistry(zap.NewNop())

	cb1 := registry.Get("test")
	cb2 := registry.Get("test")

	if cb1 != cb2 {
		t.Error("Get() should return same instance for same name")
	}
}

func TestCircuitBreakerRegistry_RegisterConfig(t *testing.T) {
	registry := NewCircuitBreakerRegistry(zap.NewNop())

	customCfg := &CircuitBreakerConfig{
		Name:                "custom",
		FailureThreshold:    10,
		SuccessThreshold:    5,
		OpenTimeout:         60 * time.Second,
		Window:              time.Minute,
		MaxHalfOpenRequests: 5,
	}

	registry.RegisterConfig(customCfg)

	cb := registry.Get("custom")
	if cb == nil {
		t.Fatal("Get() returned nil after RegisterConfig")
	}
	if cb.config.FailureThreshold != 10 {
		t.Errorf("FailureThreshold = %v, want 10 (registered config)", cb.config.FailureThreshold)
	}
}

func TestCircuitBreakerRegistry_GetAll(t *testing.T) {
	registry := NewCircuitBreakerRegistry(zap.NewNop())

	registry.Get("breaker1")
	registry.Get("breaker2")
	registry.Get("breaker3")

	all := registry.GetAll()
	if len(all) != 3 {
		t.Errorf("GetAll() returned %d breakers, want 3", len(all))
	}
}

func TestCircuitBreakerRegistry_States(t *testing.T) {
	registry := NewCircuitBreakerRegistry(zap.NewNop())

	cfg := &CircuitBreakerConfig{
		Name:                "will-open",
		FailureThreshold:    1,
		SuccessThreshold:    1,
		OpenTimeout:         30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
	registry.RegisterConfig(cfg)

	registry.Get("healthy")
	registry.Get("will-open").Execute(context.Background(), failCall)

	states := registry.States()
	if states["healthy"] != "CLOSED" {
		t.Errorf("States()[healthy] = %v, want CLOSED", states["healthy"])
	}
	if states["will-open"] != "OPEN" {
		t.Errorf("States()[will-open] = %v, want OPEN", states["will-open"])
	}
}

func TestCircuitBreakerRegistry_GetMetrics(t *testing.T) {
	registry := NewCircuitBreakerRegistry(zap.NewNop())

	cb := registry.Get("test")
	ctx := context.Background()
	cb.Execute(ctx, func(ctx context.Context) error { return nil })
	cb.Execute(ctx, func(ctx context.Context) error { return errors.New("err") })

	metrics := registry.GetMetrics()
	if m, ok := metrics["test"]; !ok {
		t.Error("GetMetrics() should contain 'test' entry")
	} else {
		if m.TotalCalls != 2 {
			t.Errorf("TotalCalls = %v, want 2", m.TotalCalls)
		}
	}
}

func TestCircuitBreakerRegistry_Reset(t *testing.T) {
	registry := NewCircuitBreakerRegistry(zap.NewNop())

	cfg := &CircuitBreakerConfig{
		Name:                "reset-test",
		FailureThreshold:    2,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		Window:              time.Minute,
		MaxHalfOpenRequests: 2,
	}
	registry.RegisterConfig(cfg)

	cb := registry.Get("reset-test")
	ctx := context.Background()

	// Open the circuit
	for i := 0; i < 2; i++ {
		cb.Execute(ctx, func(ctx context.Context) error {
			return errors.New("err")
		})
	}

	if cb.State() != StateOpen {
		t.Errorf("State = %v, want OPEN", cb.State())
	}

	registry.Reset()

	if cb.State() != StateClosed {
		t.Errorf("After Reset(), State = %v, want CLOSED", cb.State())
	}
}

func TestCircuitBreakerRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewCircuitBreakerRegistry(zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			registry.Get("concurrent-test")
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	all := registry.GetAll()
	if len(all) != 1 {
		t.Errorf("GetAll() returned %d breakers, want 1 (concurrent creates same)", len(all))
	}
}
