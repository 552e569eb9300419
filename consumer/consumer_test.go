package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
)

var fast = retry.MustPolicy(1, 5, time.Millisecond, retry.Unlimited)

// eventLog records persist and ack events across goroutines in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeSource struct {
	name string
	log  *eventLog

	mu       sync.Mutex
	pending  []RawBatch
	acks     []Handle
	touches  int
	ackFails int
}

func newFakeSource(name string, log *eventLog, batches ...RawBatch) *fakeSource {
	return &fakeSource{name: name, log: log, pending: batches}
}

func (s *fakeSource) Partition() string { return s.name }

func (s *fakeSource) Next(ctx context.Context) (RawBatch, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		b := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return RawBatch{}, ctx.Err()
	case <-time.After(2 * time.Millisecond):
		return RawBatch{}, nil
	}
}

func (s *fakeSource) Ack(_ context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackFails > 0 {
		s.ackFails--
		s.log.add("ack-failed:%s:%d", h.Partition, h.Offset)
		return errors.ErrConnectionLost
	}
	s.acks = append(s.acks, h)
	s.log.add("ack:%s:%d", h.Partition, h.Offset)
	return nil
}

func (s *fakeSource) Touch(context.Context, Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	return nil
}

func (s *fakeSource) Acks() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handle(nil), s.acks...)
}

func (s *fakeSource) Touches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches
}

func batch(partition string, offset uint64, payloads ...string) RawBatch {
	b := RawBatch{Handle: Handle{Partition: partition, Offset: offset}}
	for _, p := range payloads {
		b.Payloads = append(b.Payloads, []byte(p))
	}
	return b
}

func decodeString(data []byte) (string, error) {
	if string(data) == "bad" {
		return "", errors.ErrParsingFailed
	}
	return string(data), nil
}

// runUntil runs c until cond holds, then shuts it down and returns Run's error.
func runUntil(t *testing.T, c *Consumer[string], cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	src := newFakeSource("p0", &eventLog{})
	persist := func(context.Context, []string) error { return nil }
	bounded := retry.MustPolicy(1, 5, time.Millisecond, 3)

	tests := []struct {
		name    string
		cfg     Config[string]
		sources []Source
		want    error
	}{
		{"missing name", Config[string]{Decode: decodeString, Persist: persist, Policy: fast}, []Source{src}, errors.ErrInvalidConfig},
		{"missing persist", Config[string]{Name: "c", Decode: decodeString, Policy: fast}, []Source{src}, errors.ErrInvalidConfig},
		{"bounded policy", Config[string]{Name: "c", Decode: decodeString, Persist: persist, Policy: bounded}, []Source{src}, errors.ErrInvalidPolicy},
		{"zero policy", Config[string]{Name: "c", Decode: decodeString, Persist: persist}, []Source{src}, errors.ErrInvalidPolicy},
		{"no sources", Config[string]{Name: "c", Decode: decodeString, Persist: persist, Policy: fast}, nil, errors.ErrInvalidConfig},
		{"duplicate partition", Config[string]{Name: "c", Decode: decodeString, Persist: persist, Policy: fast}, []Source{src, src}, errors.ErrInvalidConfig},
		{"negative lease", Config[string]{Name: "c", Decode: decodeString, Persist: persist, Policy: fast, LeaseInterval: -time.Second}, []Source{src}, errors.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.sources...)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConsumer_PersistThenAck(t *testing.T) {
	log := &eventLog{}
	src := newFakeSource("p0", log, batch("p0", 1, "a", "b"), batch("p0", 2, "c"))

	var stored []string
	c, err := New(Config[string]{
		Name:   "test",
		Decode: decodeString,
		Persist: func(_ context.Context, recs []string) error {
			stored = append(stored, recs...)
			log.add("persist:%v", recs)
			return nil
		},
		Policy: fast,
	}, src)
	require.NoError(t, err)

	require.NoError(t, runUntil(t, c, func() bool { return len(src.Acks()) == 2 }))

	assert.Equal(t, []string{"a", "b", "c"}, stored)
	assert.Equal(t, []string{
		"persist:[a b]", "ack:p0:1",
		"persist:[c]", "ack:p0:2",
	}, log.snapshot())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Batches)
	assert.Equal(t, int64(3), stats.Persisted)
	assert.Equal(t, int64(2), stats.Acked)

	ps := c.Partitions()
	require.Len(t, ps, 1)
	assert.Equal(t, uint64(2), ps[0].LastAcked)
}

func TestConsumer_RetriesUntilPersisted(t *testing.T) {
	const failures = 3
	log := &eventLog{}
	src := newFakeSource("p0", log, batch("p0", 7, "x"))

	var attempts atomic.Int32
	c, err := New(Config[string]{
		Name:   "test",
		Decode: decodeString,
		Persist: func(context.Context, []string) error {
			n := attempts.Add(1)
			if n <= failures {
				log.add("persist-failed:%d", n)
				return errors.ErrStorageUnavailable
			}
			log.add("persist:%d", n)
			return nil
		},
		Policy: fast,
	}, src)
	require.NoError(t, err)

	require.NoError(t, runUntil(t, c, func() bool { return len(src.Acks()) == 1 }))

	assert.Equal(t, []string{
		"persist-failed:1", "persist-failed:2", "persist-failed:3",
		"persist:4", "ack:p0:7",
	}, log.snapshot(), "exactly one ack, strictly after the successful persist")
	assert.Equal(t, int32(failures+1), attempts.Load())
	assert.Equal(t, failures, src.Touches())
	assert.Equal(t, int64(failures), c.Stats().PersistFailures)
	assert.True(t, c.Health().IsHealthy())
}

func TestConsumer_LeaseKeptThroughLongBackoff(t *testing.T) {
	src := newFakeSource("p0", &eventLog{}, batch("p0", 3, "x"))
	// one backoff of 300ms against a 20ms lease interval
	slow := retry.MustPolicy(300, 600, time.Millisecond, retry.Unlimited)

	var attempts atomic.Int32
	c, err := New(Config[string]{
		Name:   "test",
		Decode: decodeString,
		Persist: func(context.Context, []string) error {
			if attempts.Add(1) == 1 {
				return errors.ErrStorageUnavailable
			}
			return nil
		},
		Policy:        slow,
		LeaseInterval: 20 * time.Millisecond,
	}, src)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(src.Acks()) == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	touched := src.Touches()
	assert.GreaterOrEqual(t, touched, 5, "lease extended repeatedly while waiting out the backoff")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, touched, src.Touches(), "no touches once the batch is acknowledged")

	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_NonRetryablePersistErrorsStillRetry(t *testing.T) {
	src := newFakeSource("p0", &eventLog{}, batch("p0", 1, "x"))
	var attempts atomic.Int32

	c, err := New(Config[string]{
		Name:   "test",
		Decode: decodeString,
		Persist: func(context.Context, []string) error {
			if attempts.Add(1) == 1 {
				return retry.NonRetryable(errors.New("disk full"))
			}
			return nil
		},
		Policy: fast,
	}, src)
	require.NoError(t, err)

	require.NoError(t, runUntil(t, c, func() bool { return len(src.Acks()) == 1 }))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestConsumer_ShutdownDuringBackoffDoesNotAck(t *testing.T) {
	src := newFakeSource("p0", &eventLog{}, batch("p0", 1, "x"))
	slow := retry.MustPolicy(1, 2, time.Hour, retry.Unlimited)

	var attempts atomic.Int32
	c, err := New(Config[string]{
		Name:   "test",
		Decode: decodeString,
		Persist: func(context.Context, []string) error {
			attempts.Add(1)
			return errors.ErrStorageUnavailable
		},
		Policy: slow,
	}, src)
	require.NoError(t, err)

	require.NoError(t, runUntil(t, c, func() bool { return attempts.Load() == 1 }))
	assert.Empty(t, src.Acks())
	assert.Equal(t, int64(0), c.Stats().Acked)
}

func TestConsumer_DegradedWhileRetrying(t *testing.T) {
	src := newFakeSource("p0", &eventLog{}, batch("p0", 1, "x"))
	slow := retry.MustPolicy(1, 2, time.Hour, retry.Unlimited)

	c, err := New(Config[string]{
		Name:    "test",
		Decode:  decodeString,
		Persist: func(context.Context, []string) error { return errors.ErrStorageUnavailable },
		Policy:  slow,
	}, src)
	require.NoError(t, err)

	require.NoError(t, runUntil(t, c, func() bool { return c.Health().IsDegraded() }))
	assert.Equal(t, StatePersisting.String(), c.Partitions()[0].State)
}

func TestConsumer_PersistContextSurvivesShutdown(t *testing.T) {
	src := newFakeSource("p0", &eventLog{}, batch("p0", 1, "x"))
	started := make(chan struct{})
	release := make(chan struct{})
	var persistCtxErr atomic.Value

	c, err := New(Config[string]{
		Name:   "test",
		Decode: decodeString,
		Persist: func(ctx context.Context, _ []string) error {
			close(started)
			<-release
			persistCtxErr.Store(fmt.Sprint(ctx.Err()))
			return nil
		},
		Policy: fast,
	}, src)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-started
	cancel()
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, "<nil>", persistCtxErr.Load())
	assert.Len(t, src.Acks(), 1, "a persisted batch is still acknowledged")
}

func TestConsumer_AckRetried(t *testing.T) {
	log := &eventLog{}
	src := newFakeSource("p0", log, batch("p0", 3, "x"))
	src.ackFails = 2

	var persists atomic.Int32
	registry := metric.NewMetricsRegistry()
	c, err := New(Config[string]{
		Name:   "acks",
		Decode: decodeString,
		Persist: func(context.Context, []string) error {
			persists.Add(1)
			return nil
		},
		Policy:   fast,
		Registry: registry,
	}, src)
	require.NoError(t, err)

	require.NoError(t, runUntil(t, c, func() bool { return len(src.Acks()) == 1 }))

	assert.Equal(t, int32(1), persists.Load(), "ack retries do not persist again")
	assert.Equal(t, []string{"ack-failed:p0:3", "ack-failed:p0:3", "ack:p0:3"}, log.snapshot())
	assert.Equal(t, int64(2), c.Stats().AckFailures)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.ackFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.acked))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.metrics.offset.WithLabelValues("p0")))
}

func TestConsumer_CustomAck(t *testing.T) {
	src := newFakeSource("p0", &eventLog{}, batch("p0", 1, "x"))
	var acked atomic.Int32

	c, err := New(Config[string]{
		Name:    "test",
		Decode:  decodeString,
		Persist: func(context.Context, []string) error { return nil },
		Ack: func(_ context.Context, h Handle) error {
			acked.Add(1)
			return nil
		},
		Policy: fast,
	}, src)
	require.NoError(t, err)

	require.NoError(t, runUntil(t, c, func() bool { return acked.Load() == 1 }))
	assert.Empty(t, src.Acks())
}

func TestConsumer_Poison(t *testing.T) {
	src := newFakeSource("p0", &eventLog{}, batch("p0", 1, "a", "bad", "b"), batch("p0", 2, "bad"))

	var mu sync.Mutex
	var stored []string
	var poisoned [][]byte
	c, err := New(Config[string]{
		Name:   "test",
		Decode: decodeString,
		Persist: func(_ context.Context, recs []string) error {
			mu.Lock()
			defer mu.Unlock()
			stored = append(stored, recs...)
			return nil
		},
		OnPoison: func(_ context.Context, partition string, payload []byte, err error) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "p0", partition)
			assert.ErrorIs(t, err, errors.ErrParsingFailed)
			poisoned = append(poisoned, payload)
		},
		Policy: fast,
	}, src)
	require.NoError(t, err)

	require.NoError(t, runUntil(t, c, func() bool { return len(src.Acks()) == 2 }))

	assert.Equal(t, []string{"a", "b"}, stored)
	assert.Len(t, poisoned, 2)
	assert.Equal(t, int64(2), c.Stats().Poisoned)
}

func TestConsumer_OffsetRegression(t *testing.T) {
	src := newFakeSource("p0", &eventLog{}, batch("p0", 5, "a"), batch("p0", 3, "b"))
	c, err := New(Config[string]{
		Name:    "test",
		Decode:  decodeString,
		Persist: func(context.Context, []string) error { return nil },
		Policy:  fast,
	}, src)
	require.NoError(t, err)

	err = c.Run(t.Context())
	assert.ErrorIs(t, err, errors.ErrOffsetRegression)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, []Handle{{Partition: "p0", Offset: 5}}, src.Acks())
}

func TestConsumer_PartitionsAreIndependent(t *testing.T) {
	log := &eventLog{}
	stuck := newFakeSource("stuck", log, batch("stuck", 1, "s"))
	flowing := newFakeSource("flowing", log,
		batch("flowing", 1, "f1"), batch("flowing", 2, "f2"), batch("flowing", 3, "f3"))

	c, err := New(Config[string]{
		Name:   "test",
		Decode: decodeString,
		Persist: func(_ context.Context, recs []string) error {
			if recs[0] == "s" {
				return errors.ErrStorageUnavailable
			}
			return nil
		},
		Policy: fast,
	}, stuck, flowing)
	require.NoError(t, err)

	require.NoError(t, runUntil(t, c, func() bool { return len(flowing.Acks()) == 3 }))

	assert.Empty(t, stuck.Acks())
	offsets := make([]uint64, 0, 3)
	for _, h := range flowing.Acks() {
		offsets = append(offsets, h.Offset)
	}
	assert.Equal(t, []uint64{1, 2, 3}, offsets)
}

func TestConsumer_RunTwice(t *testing.T) {
	src := newFakeSource("p0", &eventLog{})
	c, err := New(Config[string]{
		Name:    "test",
		Decode:  decodeString,
		Persist: func(context.Context, []string) error { return nil },
		Policy:  fast,
	}, src)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.Partitions()[0].State == StateFetching.String()
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, c.Run(ctx), errors.ErrAlreadyStarted)

	cancel()
	assert.NoError(t, <-done)
}
