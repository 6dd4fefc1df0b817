// Package circuit stops calling a provider that keeps failing.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Probing whether the provider recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold" mapstructure:"success_threshold"` // half-open successes before closing
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"`                            // wait before probing again
}

// DefaultConfig returns reasonable defaults for provider calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Error is returned without calling the provider while the circuit is open.
// It is not a provider error, so the retry executor treats it as permanent.
type Error struct {
	Provider string
	State    State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Provider, e.State)
}

// Breaker tracks provider health. Safe for concurrent use across conversations.
type Breaker struct {
	now          func() time.Time
	openedAt     time.Time
	config       Config
	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
}

// New creates a closed breaker.
func New(config Config) *Breaker {
	return &Breaker{config: config, state: Closed, now: time.Now}
}

// Allow reports whether a request may proceed, moving Open to HalfOpen after the cooldown.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.state = HalfOpen
		b.successCount = 0
	}
	return true
}

// Record feeds a request outcome into the state machine.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failureCount = 0
		if b.state == HalfOpen {
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = Closed
				b.successCount = 0
			}
		}
		return
	}

	b.failureCount++
	if b.state == HalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.state = Open
		b.openedAt = b.now()
		b.successCount = 0
	}
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}
