package retry

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

func TestNewPolicy_Validation(t *testing.T) {
	tests := []struct {
		name        string
		initial     int64
		max         int64
		unit        time.Duration
		maxAttempts int
		wantErr     bool
	}{
		{"bounded", 1, 60, time.Second, 15, false},
		{"single attempt", 1, 2, time.Millisecond, 1, false},
		{"unlimited", 100, 5000, time.Millisecond, Unlimited, false},
		{"zero initial", 0, 10, time.Second, 3, true},
		{"negative initial", -1, 10, time.Second, 3, true},
		{"max equal initial", 5, 5, time.Second, 3, true},
		{"max below initial", 10, 5, time.Second, 3, true},
		{"zero attempts", 1, 10, time.Second, 0, true},
		{"attempts below sentinel", 1, 10, time.Second, -2, true},
		{"zero unit", 1, 10, 0, 3, true},
		{"overflow", 1, 1 << 62, time.Hour, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPolicy(tt.initial, tt.max, tt.unit, tt.maxAttempts)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errs.ErrInvalidPolicy)
				assert.True(t, errs.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, time.Duration(tt.initial)*tt.unit, p.InitialDelay())
			assert.Equal(t, time.Duration(tt.max)*tt.unit, p.MaxDelay())
			assert.Equal(t, tt.maxAttempts, p.MaxAttempts())
		})
	}
}

func TestPolicy_DelayIsNonDecreasingAndCapped(t *testing.T) {
	p := MustPolicy(10, 250, time.Millisecond, Unlimited)

	assert.Equal(t, 10*time.Millisecond, p.Delay(0))
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 40*time.Millisecond, p.Delay(3))
	assert.Equal(t, 250*time.Millisecond, p.Delay(6))

	prev := time.Duration(0)
	for attempt := 1; attempt < 200; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxDelay(), "attempt %d", attempt)
		prev = d
	}
}

func TestPolicy_ShouldRetry(t *testing.T) {
	bounded := MustPolicy(1, 2, time.Millisecond, 3)
	assert.True(t, bounded.ShouldRetry(2))
	assert.False(t, bounded.ShouldRetry(3))

	forever := Forever()
	assert.True(t, forever.Unlimited())
	assert.True(t, forever.ShouldRetry(1_000_000))
}

func TestPolicy_WithMaxAttempts(t *testing.T) {
	p, err := Quick().WithMaxAttempts(Unlimited)
	require.NoError(t, err)
	assert.True(t, p.Unlimited())
	assert.Equal(t, Quick().InitialDelay(), p.InitialDelay())

	_, err = Quick().WithMaxAttempts(0)
	assert.ErrorIs(t, err, errs.ErrInvalidPolicy)
}

func TestParseUnit(t *testing.T) {
	for name, want := range map[string]time.Duration{
		"SECONDS": time.Second,
		"millis":  time.Millisecond,
		"ms":      time.Millisecond,
		"MINUTES": time.Minute,
		" NANOS ": time.Nanosecond,
	} {
		got, err := ParseUnit(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseUnit("FORTNIGHTS")
	assert.ErrorIs(t, err, errs.ErrInvalidPolicy)
}

type mapValues map[string]string

func (m mapValues) GetValue(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errs.ErrMissingConfig
	}
	return v, nil
}

func (m mapValues) GetValueAsLong(ctx context.Context, key string) (int64, error) {
	v, err := m.GetValue(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (m mapValues) GetValueAsInt(ctx context.Context, key string) (int, error) {
	n, err := m.GetValueAsLong(ctx, key)
	return int(n), err
}

func TestFromConfig(t *testing.T) {
	values := mapValues{
		KeyInitialDelay: "200",
		KeyMaxDelay:     "5000",
		KeyDelayUnits:   "MILLIS",
		KeyMaxAttempts:  "-1",
	}

	p, err := FromConfig(context.Background(), values)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, p.InitialDelay())
	assert.Equal(t, 5*time.Second, p.MaxDelay())
	assert.True(t, p.Unlimited())

	delete(values, KeyMaxDelay)
	_, err = FromConfig(context.Background(), values)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMissingConfig)
	assert.Contains(t, err.Error(), KeyMaxDelay)
}

func TestRetry_Success(t *testing.T) {
	p := MustPolicy(1, 10, time.Millisecond, 3)

	attempts := 0
	err := Do(context.Background(), p, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	p := MustPolicy(1, 10, time.Millisecond, 3)

	attempts := 0
	err := Do(context.Background(), p, func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_OnRetryReportsScheduledDelays(t *testing.T) {
	p := MustPolicy(1, 3, time.Millisecond, 4)

	var delays []time.Duration
	var attempts []int
	_ = Do(context.Background(), p, func() error {
		return errors.New("down")
	}, OnRetry(func(attempt int, err error, delay time.Duration) {
		assert.EqualError(t, err, "down")
		attempts = append(attempts, attempt)
		delays = append(delays, delay)
	}))

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, delays)
}

func TestRetry_UnlimitedStopsOnlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := MustPolicy(1, 2, time.Millisecond, Unlimited)

	attempts := 0
	err := Do(ctx, p, func() error {
		attempts++
		if attempts == 50 {
			cancel()
		}
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 50, attempts)
}

func TestRetry_ContextCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := MustPolicy(1, 2, time.Second, 5)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	start := time.Now()
	err := Do(ctx, p, func() error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled during backoff")
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry_NonRetryable(t *testing.T) {
	p := MustPolicy(1, 10, time.Millisecond, 5)
	sentinel := errors.New("bad input")

	attempts := 0
	err := Do(context.Background(), p, func() error {
		attempts++
		return NonRetryable(sentinel)
	})

	assert.Equal(t, 1, attempts)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, sentinel)
}

func TestRetry_RetryIf(t *testing.T) {
	p := MustPolicy(1, 10, time.Millisecond, 5)

	attempts := 0
	err := Do(context.Background(), p, func() error {
		attempts++
		return errs.ErrUnknownStation
	}, RetryIf(errs.IsTransient))

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, errs.ErrUnknownStation)
}

func TestRetry_ZeroPolicyRejected(t *testing.T) {
	err := Do(context.Background(), Policy{}, func() error { return nil })
	assert.ErrorIs(t, err, errs.ErrInvalidPolicy)
}

func TestRetry_WithResult(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), MustPolicy(1, 10, time.Millisecond, 3), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not ready")
		}
		return "success", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, 3, attempts)
}

func ExampleDo() {
	policy := MustPolicy(1, 60, time.Second, 15)

	err := Do(context.Background(), policy, func() error {
		return connectToService()
	})

	_ = err
}

func connectToService() error {
	return nil
}
