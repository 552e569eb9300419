package retry

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// Unlimited is the maxAttempts sentinel for a policy that never gives up.
const Unlimited = -1

// Configuration keys read by FromConfig.
const (
	KeyInitialDelay = "retry-initial-delay"
	KeyMaxDelay     = "retry-max-delay"
	KeyDelayUnits   = "retry-delay-units"
	KeyMaxAttempts  = "retry-max-attempts"
)

// Policy is an immutable exponential backoff schedule. The zero value is not
// usable; construct with NewPolicy.
type Policy struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxAttempts  int
}

// NewPolicy builds a Policy from delay magnitudes expressed in unit.
// It fails with errors.ErrInvalidPolicy unless initialDelay > 0,
// maxDelay > initialDelay and maxAttempts is >= 1 or Unlimited.
func NewPolicy(initialDelay, maxDelay int64, unit time.Duration, maxAttempts int) (Policy, error) {
	switch {
	case unit <= 0:
		return Policy{}, invalid("delay unit must be positive, got %v", unit)
	case initialDelay <= 0:
		return Policy{}, invalid("initial delay must be positive, got %d", initialDelay)
	case maxDelay <= initialDelay:
		return Policy{}, invalid("max delay %d must exceed initial delay %d", maxDelay, initialDelay)
	case maxAttempts == 0 || maxAttempts < Unlimited:
		return Policy{}, invalid("max attempts must be >= 1 or unlimited, got %d", maxAttempts)
	case maxDelay > math.MaxInt64/int64(unit):
		return Policy{}, invalid("max delay %d %v overflows", maxDelay, unit)
	}

	return Policy{
		initialDelay: time.Duration(initialDelay) * unit,
		maxDelay:     time.Duration(maxDelay) * unit,
		maxAttempts:  maxAttempts,
	}, nil
}

// MustPolicy is NewPolicy for compile-time constant arguments. It panics on
// invalid input.
func MustPolicy(initialDelay, maxDelay int64, unit time.Duration, maxAttempts int) Policy {
	p, err := NewPolicy(initialDelay, maxDelay, unit, maxAttempts)
	if err != nil {
		panic(err)
	}
	return p
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidPolicy, fmt.Sprintf(format, args...))
}

// InitialDelay returns the delay before the first retry.
func (p Policy) InitialDelay() time.Duration { return p.initialDelay }

// MaxDelay returns the upper bound of every delay.
func (p Policy) MaxDelay() time.Duration { return p.maxDelay }

// MaxAttempts returns the attempt limit, or Unlimited.
func (p Policy) MaxAttempts() int { return p.maxAttempts }

// Unlimited reports whether the policy retries forever.
func (p Policy) Unlimited() bool { return p.maxAttempts == Unlimited }

// Delay returns the wait before retry number attempt (1-based). The schedule
// doubles from the initial delay and is capped at the max delay, so it never
// decreases.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.initialDelay
	}
	delay := p.initialDelay
	for i := 1; i < attempt; i++ {
		if delay > p.maxDelay/2 {
			return p.maxDelay
		}
		delay *= 2
	}
	return min(delay, p.maxDelay)
}

// ShouldRetry reports whether another attempt is allowed after attempts
// calls have already failed.
func (p Policy) ShouldRetry(attempts int) bool {
	return p.Unlimited() || attempts < p.maxAttempts
}

// WithMaxAttempts returns a copy with a different attempt limit.
func (p Policy) WithMaxAttempts(maxAttempts int) (Policy, error) {
	if maxAttempts == 0 || maxAttempts < Unlimited {
		return Policy{}, invalid("max attempts must be >= 1 or unlimited, got %d", maxAttempts)
	}
	p.maxAttempts = maxAttempts
	return p, nil
}

// String renders the policy for logs.
func (p Policy) String() string {
	attempts := fmt.Sprint(p.maxAttempts)
	if p.Unlimited() {
		attempts = "unlimited"
	}
	return fmt.Sprintf("backoff %v..%v, attempts %s", p.initialDelay, p.maxDelay, attempts)
}

// ParseUnit maps configuration unit names to durations. Both the long
// upper-case names ("SECONDS", "MILLIS") and Go suffixes ("s", "ms") are
// accepted.
func ParseUnit(name string) (time.Duration, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "NANOS", "NANOSECONDS", "NS":
		return time.Nanosecond, nil
	case "MICROS", "MICROSECONDS", "US":
		return time.Microsecond, nil
	case "MILLIS", "MILLISECONDS", "MS":
		return time.Millisecond, nil
	case "SECONDS", "S":
		return time.Second, nil
	case "MINUTES", "M":
		return time.Minute, nil
	case "HOURS", "H":
		return time.Hour, nil
	default:
		return 0, invalid("unknown delay unit %q", name)
	}
}

// Values is the subset of a configuration repository FromConfig needs.
type Values interface {
	GetValue(ctx context.Context, key string) (string, error)
	GetValueAsLong(ctx context.Context, key string) (int64, error)
	GetValueAsInt(ctx context.Context, key string) (int, error)
}

// FromConfig reads a policy from the retry-* keys. A maxAttempts value of -1
// selects Unlimited.
func FromConfig(ctx context.Context, values Values) (Policy, error) {
	initial, err := values.GetValueAsLong(ctx, KeyInitialDelay)
	if err != nil {
		return Policy{}, errors.Wrap(err, "retry", "FromConfig", "read "+KeyInitialDelay)
	}
	maxDelay, err := values.GetValueAsLong(ctx, KeyMaxDelay)
	if err != nil {
		return Policy{}, errors.Wrap(err, "retry", "FromConfig", "read "+KeyMaxDelay)
	}
	unitName, err := values.GetValue(ctx, KeyDelayUnits)
	if err != nil {
		return Policy{}, errors.Wrap(err, "retry", "FromConfig", "read "+KeyDelayUnits)
	}
	attempts, err := values.GetValueAsInt(ctx, KeyMaxAttempts)
	if err != nil {
		return Policy{}, errors.Wrap(err, "retry", "FromConfig", "read "+KeyMaxAttempts)
	}
	unit, err := ParseUnit(unitName)
	if err != nil {
		return Policy{}, err
	}
	return NewPolicy(initial, maxDelay, unit, attempts)
}

// Quick is a bounded policy for startup dependencies: 50ms doubling to 1s, 10 attempts.
func Quick() Policy { return MustPolicy(50, 1000, time.Millisecond, 10) }

// Persistent is a bounded policy for critical resources: 1s doubling to 60s, 15 attempts.
func Persistent() Policy { return MustPolicy(1, 60, time.Second, 15) }

// Forever is an unlimited policy: 1s doubling to 60s.
func Forever() Policy { return MustPolicy(1, 60, time.Second, Unlimited) }
