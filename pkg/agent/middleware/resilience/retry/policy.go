// Package retry runs fallible operations with classified retries and exponential backoff.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an immutable retry configuration passed by value to every Execute call.
type Policy struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay"`  // Base delay for the backoff curve
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between attempts
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff, > 1
	Jitter        bool          `json:"jitter"`         // Perturb delays by up to 10% either way
}

// DefaultPolicy returns reasonable defaults for provider calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Validate reports configuration mistakes.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.BackoffFactor <= 1 {
		errs = append(errs, fmt.Errorf("backoff_factor must be > 1, got %g", p.BackoffFactor))
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	if p.MaxDelay < p.InitialDelay {
		errs = append(errs, fmt.Errorf("max_delay %s is below initial_delay %s", p.MaxDelay, p.InitialDelay))
	}
	return errors.Join(errs...)
}

// BaseDelay is the un-jittered wait before attempt k:
// min(MaxDelay, InitialDelay * BackoffFactor^(k-1)) for k >= 2, zero otherwise.
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// CalculateDelay is BaseDelay with jitter applied when enabled.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	return p.jittered(attempt, rand.Float64())
}

// jittered scales the base delay by a factor in [0.9, 1.1] derived from r in [0, 1).
func (p Policy) jittered(attempt int, r float64) time.Duration {
	delay := p.BaseDelay(attempt)
	if !p.Jitter || delay <= 0 {
		return delay
	}
	delay = time.Duration(float64(delay) * (0.9 + 0.2*r))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
