package push

import (
	"sync"
	"time"

	"github.com/rendis/agentrt/pkg/schema"
)

// CircuitState is the state of one endpoint's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // deliveries flow
	CircuitOpen                         // deliveries rejected
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures endpoint breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed deliveries before opening.
	FailureThreshold int
	// Cooldown is how long a breaker stays open before letting a trial delivery through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial deliveries allowed while half-open.
	HalfOpenMax int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// breakers tracks one breaker per push endpoint host.
type breakers struct {
	mu     sync.Mutex
	byHost map[string]*breaker
	config BreakerConfig
}

func newBreakers(config BreakerConfig) *breakers {
	return &breakers{byHost: make(map[string]*breaker), config: config}
}

// allow returns a CIRCUIT_OPEN error when host is not accepting deliveries.
func (r *breakers) allow(host string) error {
	cb := r.get(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"push circuit open for %s after %d consecutive failures", host, cb.failures).
			WithDetails(map[string]any{
				"host":               host,
				"failures":           cb.failures,
				"cooldown_remaining": (r.config.Cooldown - time.Since(cb.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "push circuit half-open for %s: trial delivery in flight", host)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

func (r *breakers) success(host string) {
	cb := r.get(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

func (r *breakers) failure(host string) CircuitState {
	cb := r.get(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == CircuitHalfOpen || cb.failures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

func (r *breakers) state(host string) CircuitState {
	cb := r.get(host)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.lastFailure) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *breakers) get(host string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.byHost[host]
	if !ok {
		cb = &breaker{}
		r.byHost[host] = cb
	}
	return cb
}
