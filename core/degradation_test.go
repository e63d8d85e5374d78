package core

import (
	"testing"
	"time"
)

// TestCircuitBreakerClosedNeverTransitionsOnSuccess checks invariant 8's
// first clause: a stream of successes from Closed never changes state.
func TestCircuitBreakerClosedNeverTransitionsOnSuccess(t *testing.T) {
	b := NewCircuitBreaker("test")
	now := time.Unix(1700000000, 0)
	for i := 0; i < 50; i++ {
		b.RecordResult(now.Add(time.Duration(i)*time.Second), true, nil)
		if b.State() != StateClosed {
			t.Fatalf("breaker left Closed after %d successes", i+1)
		}
	}
}

// TestCircuitBreakerOpensOnConsecutiveFailures checks the Closed->Open edge:
// 5 consecutive failures trip the breaker.
func TestCircuitBreakerOpensOnConsecutiveFailures(t *testing.T) {
	b := NewCircuitBreaker("test")
	now := time.Unix(1700000000, 0)
	for i := 0; i < 4; i++ {
		b.RecordResult(now.Add(time.Duration(i)*time.Second), false, nil)
		if b.State() != StateClosed {
			t.Fatalf("breaker opened early after %d failures", i+1)
		}
	}
	b.RecordResult(now.Add(4*time.Second), false, nil)
	if b.State() != StateOpen {
		t.Fatalf("expected Open after 5 consecutive failures, got %v", b.State())
	}
}

// TestCircuitBreakerOpenToHalfOpenRequiresCooldown checks invariant 8's
// second clause: Open only moves to HalfOpen once openDurationMs (30s) has
// elapsed, never earlier.
func TestCircuitBreakerOpenToHalfOpenRequiresCooldown(t *testing.T) {
	b := NewCircuitBreaker("test")
	now := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		b.RecordResult(now.Add(time.Duration(i)*time.Second), false, nil)
	}
	if b.State() != StateOpen {
		t.Fatalf("setup: expected Open, got %v", b.State())
	}
	openedAt := now.Add(4 * time.Second)

	if allowed := b.Allow(openedAt.Add(29 * time.Second)); allowed {
		t.Fatalf("breaker allowed a call before the cooldown elapsed")
	}
	if b.State() != StateOpen {
		t.Fatalf("breaker left Open before cooldown elapsed: %v", b.State())
	}

	if allowed := b.Allow(openedAt.Add(30 * time.Second)); !allowed {
		t.Fatalf("breaker refused a call once the cooldown elapsed")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HalfOpen after cooldown, got %v", b.State())
	}
}

// TestCircuitBreakerHalfOpenToClosedRequiresConsecutiveSuccesses checks
// invariant 8's third clause: HalfOpen needs success_threshold (3)
// consecutive successes to close, and any failure sends it back to Open.
func TestCircuitBreakerHalfOpenToClosedRequiresConsecutiveSuccesses(t *testing.T) {
	b := NewCircuitBreaker("test")
	now := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		b.RecordResult(now.Add(time.Duration(i)*time.Second), false, nil)
	}
	if !b.Allow(now.Add(35 * time.Second)) {
		t.Fatalf("setup: expected cooldown to have elapsed")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("setup: expected HalfOpen, got %v", b.State())
	}

	b.RecordResult(now.Add(36*time.Second), true, nil)
	if b.State() != StateHalfOpen {
		t.Fatalf("closed after only 1 success, want HalfOpen")
	}
	b.RecordResult(now.Add(37*time.Second), true, nil)
	if b.State() != StateHalfOpen {
		t.Fatalf("closed after only 2 successes, want HalfOpen")
	}
	b.RecordResult(now.Add(38*time.Second), true, nil)
	if b.State() != StateClosed {
		t.Fatalf("expected Closed after 3 consecutive successes, got %v", b.State())
	}
}

// TestCircuitBreakerHalfOpenFailureReopens confirms a single failure while
// HalfOpen reverts straight back to Open rather than requiring a fresh
// failure streak.
func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker("test")
	now := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		b.RecordResult(now.Add(time.Duration(i)*time.Second), false, nil)
	}
	b.Allow(now.Add(35 * time.Second))
	if b.State() != StateHalfOpen {
		t.Fatalf("setup: expected HalfOpen, got %v", b.State())
	}

	b.RecordResult(now.Add(36*time.Second), false, nil)
	if b.State() != StateOpen {
		t.Fatalf("expected Open after a HalfOpen failure, got %v", b.State())
	}
}
