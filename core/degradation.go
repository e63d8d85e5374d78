package core

// degradation.go - graceful degradation via one circuit breaker per
// subsystem (C9). Breakers trip on repeated or bursty failures so a stuck
// downstream dependency (a peer, the state store, an external chain feed)
// degrades into a fallback response instead of cascading into the whole
// node; system_health_logging.go reports DegradationManager.OpenCount() as
// a top-level health metric.

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// BreakerState is the closed set of circuit-breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

const (
	breakerFailureStreak     = 5
	breakerFailureRateWindow = 60 * time.Second
	breakerMinWindowSamples  = 10
	breakerFailureRate       = 0.5
	breakerOpenCooldown      = 30 * time.Second
	breakerHalfOpenSuccess   = 3
)

type sample struct {
	at      time.Time
	success bool
}

// CircuitBreaker guards a single named subsystem. Closed -> Open on 5
// consecutive failures, or when more than half of at least 10 requests in a
// trailing 60s window failed. Open -> HalfOpen after a 30s cooldown.
// HalfOpen -> Closed after 3 consecutive successes, or back to Open on any
// failure.
type CircuitBreaker struct {
	name string

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
	window          []sample
}

// NewCircuitBreaker constructs a closed breaker for the named subsystem.
func NewCircuitBreaker(name string) *CircuitBreaker {
	return &CircuitBreaker{name: name, state: StateClosed}
}

func (b *CircuitBreaker) pruneWindowLocked(now time.Time) {
	cut := now.Add(-breakerFailureRateWindow)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cut) {
			break
		}
	}
	b.window = b.window[i:]
}

func (b *CircuitBreaker) failureRateLocked(now time.Time) (float64, int) {
	b.pruneWindowLocked(now)
	if len(b.window) == 0 {
		return 0, 0
	}
	fails := 0
	for _, s := range b.window {
		if !s.success {
			fails++
		}
	}
	return float64(fails) / float64(len(b.window)), len(b.window)
}

// Allow reports whether a call may currently proceed, transitioning Open to
// HalfOpen once the cooldown elapses.
func (b *CircuitBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) >= breakerOpenCooldown {
			b.state = StateHalfOpen
			b.consecutiveOK = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordResult folds the outcome of a call into the breaker's state machine.
func (b *CircuitBreaker) RecordResult(now time.Time, success bool, logger *log.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = append(b.window, sample{at: now, success: success})
	b.pruneWindowLocked(now)

	switch b.state {
	case StateHalfOpen:
		if success {
			b.consecutiveOK++
			if b.consecutiveOK >= breakerHalfOpenSuccess {
				b.state = StateClosed
				b.consecutiveFail = 0
				if logger != nil {
					logger.WithField("breaker", b.name).Info("circuit breaker closed after recovery")
				}
			}
		} else {
			b.state = StateOpen
			b.openedAt = now
			b.consecutiveOK = 0
			if logger != nil {
				logger.WithField("breaker", b.name).Warn("circuit breaker reopened after half-open failure")
			}
		}
	default: // Closed or, defensively, Open
		if success {
			b.consecutiveFail = 0
			return
		}
		b.consecutiveFail++
		rate, n := b.failureRateLocked(now)
		if b.consecutiveFail >= breakerFailureStreak || (n >= breakerMinWindowSamples && rate > breakerFailureRate) {
			b.state = StateOpen
			b.openedAt = now
			if logger != nil {
				logger.WithFields(log.Fields{"breaker": b.name, "consecutive_fail": b.consecutiveFail, "window_rate": rate}).Warn("circuit breaker opened")
			}
		}
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FallbackFunc produces a degraded response when a breaker is open.
type FallbackFunc func() (interface{}, error)

// DegradationManager owns one CircuitBreaker per subsystem name and the
// registered fallback for each, plus an emergency-mode flag that callers can
// check to shed optional work node-wide.
type DegradationManager struct {
	logger *log.Logger

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	fallbacks map[string]FallbackFunc
	emergency bool
}

// NewDegradationManager constructs an empty manager.
func NewDegradationManager() *DegradationManager {
	return &DegradationManager{
		logger:    log.StandardLogger(),
		breakers:  make(map[string]*CircuitBreaker),
		fallbacks: make(map[string]FallbackFunc),
	}
}

func (d *DegradationManager) breaker(name string) *CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[name]
	if !ok {
		b = NewCircuitBreaker(name)
		d.breakers[name] = b
	}
	return b
}

// RegisterFallback wires a fallback to run when the named subsystem's
// breaker is open.
func (d *DegradationManager) RegisterFallback(name string, fn FallbackFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallbacks[name] = fn
}

// ErrCircuitOpen is returned by Call when a subsystem's breaker is open and
// no fallback is registered for it.
var ErrCircuitOpen = errFactory("degradation: circuit open")

// Call runs fn through the named subsystem's breaker: if the breaker is
// open, the registered fallback (if any) runs instead; otherwise fn runs and
// its success/failure feeds back into the breaker.
func (d *DegradationManager) Call(name string, fn func() (interface{}, error)) (interface{}, error) {
	b := d.breaker(name)
	now := time.Now()
	if !b.Allow(now) {
		d.mu.RLock()
		fallback, ok := d.fallbacks[name]
		d.mu.RUnlock()
		if ok {
			return fallback()
		}
		return nil, ErrCircuitOpen
	}

	res, err := fn()
	b.RecordResult(now, err == nil, d.logger)
	return res, err
}

// BreakerState returns the current state of the named subsystem's breaker.
func (d *DegradationManager) BreakerState(name string) BreakerState {
	return d.breaker(name).State()
}

// OpenCount returns the number of breakers currently open or half-open,
// consumed directly by HealthLogger.MetricsSnapshot.
func (d *DegradationManager) OpenCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, b := range d.breakers {
		switch b.State() {
		case StateOpen, StateHalfOpen:
			n++
		}
	}
	return n
}

// EnterEmergencyMode flips the node-wide emergency flag, signalling optional
// subsystems (non-critical metrics, speculative pre-validation) to shed load.
func (d *DegradationManager) EnterEmergencyMode() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.emergency {
		d.logger.Warn("degradation: entering emergency mode")
	}
	d.emergency = true
}

// ExitEmergencyMode clears the emergency-mode flag.
func (d *DegradationManager) ExitEmergencyMode() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emergency = false
}

// InEmergencyMode reports whether the node is currently in emergency mode.
func (d *DegradationManager) InEmergencyMode() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.emergency
}

//---------------------------------------------------------------------
// Global accessor
//---------------------------------------------------------------------

var (
	degradationOnce sync.Once
	globalDegrade   *DegradationManager
)

// InitDegradationManager wires the global degradation manager singleton.
func InitDegradationManager() {
	degradationOnce.Do(func() { globalDegrade = NewDegradationManager() })
}

// CurrentDegradationManager returns the global manager if initialised.
func CurrentDegradationManager() *DegradationManager { return globalDegrade }
