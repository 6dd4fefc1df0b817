package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentcore/pkg/agent/llmerrors"
)

// ErrExhausted matches every ExhaustedError.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Err      error  // last underlying error
	Op       string // operation name
	LastRole string // role of the last conversation message, when known
	Attempts int
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s: gave up after %d attempts", e.Op, e.Attempts)
	if e.LastRole != "" {
		msg += fmt.Sprintf(" (last message role %s)", e.LastRole)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) llmerrors.Class

// Attempt describes a failed attempt that will be retried.
type Attempt struct {
	Err    error
	Op     string
	Number int           // the attempt that failed, starting at 1
	Delay  time.Duration // wait before the next attempt
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type options struct {
	classifier Classifier
	sleep      SleepFunc
	observer   func(Attempt)
	op         string
	lastRole   string
}

// Option customizes a single Execute call.
type Option func(*options)

// WithClassifier replaces llmerrors.Classify.
func WithClassifier(c Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithSleep replaces the timer based wait.
func WithSleep(s SleepFunc) Option {
	return func(o *options) { o.sleep = s }
}

// WithObserver is called before every backoff wait.
func WithObserver(fn func(Attempt)) Option {
	return func(o *options) { o.observer = fn }
}

// WithOperation names the operation in errors and observations.
func WithOperation(name string) Option {
	return func(o *options) { o.op = name }
}

// WithLastRole records the last message role for error context.
func WithLastRole(role string) Option {
	return func(o *options) { o.lastRole = role }
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute calls op until it succeeds, fails permanently, or policy.MaxAttempts
// transient failures have occurred. Permanent errors are returned unmodified.
// Execute keeps no state between calls.
func Execute[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T

	o := options{
		classifier: llmerrors.Classify,
		sleep:      sleepContext,
		op:         "operation",
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := policy.Validate(); err != nil {
		return zero, fmt.Errorf("%s: invalid retry policy: %w", o.op, err)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s cancelled before attempt %d: %w", o.op, attempt, err)
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if o.classifier(err) != llmerrors.Transient {
			return zero, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.CalculateDelay(attempt + 1)
		if o.observer != nil {
			o.observer(Attempt{Err: err, Op: o.op, Number: attempt, Delay: delay})
		}
		if err := o.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s cancelled during backoff after attempt %d: %w", o.op, attempt, err)
		}
	}

	return zero, &ExhaustedError{
		Err:      lastErr,
		Op:       o.op,
		LastRole: o.lastRole,
		Attempts: policy.MaxAttempts,
	}
}
