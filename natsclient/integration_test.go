//go:build integration

package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/consumer"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
)

func ensureStream(t *testing.T, c *Client, name string, subjects ...string) {
	t.Helper()
	_, err := c.EnsureStream(t.Context(), jetstream.StreamConfig{Name: name, Subjects: subjects})
	require.NoError(t, err)
}

func publishN(t *testing.T, c *Client, subject string, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, c.PublishToStream(t.Context(), subject, []byte(fmt.Sprintf(`{"seq":%d}`, i))))
	}
}

func TestIntegration_BatchSourceAckAll(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ensureStream(t, tc.Client, "SOH", "soh.>")
	publishN(t, tc.Client, "soh.a", 5)

	src, err := tc.Client.NewBatchSource(t.Context(), BatchSourceConfig{
		Stream:       "SOH",
		Subject:      "soh.a",
		BatchSize:    10,
		FetchMaxWait: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "soh.a", src.Partition())

	batch, err := src.Next(t.Context())
	require.NoError(t, err)
	require.Len(t, batch.Payloads, 5)
	assert.Equal(t, uint64(5), batch.Handle.Offset)

	require.NoError(t, src.Touch(t.Context(), batch.Handle))
	require.NoError(t, src.Ack(t.Context(), batch.Handle))

	empty, err := src.Next(t.Context())
	require.NoError(t, err)
	assert.Empty(t, empty.Payloads)

	err = src.Ack(t.Context(), batch.Handle)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestIntegration_BatchSourceRedeliversUnacked(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ensureStream(t, tc.Client, "FRAMES", "frames.>")
	publishN(t, tc.Client, "frames.ASAR", 3)

	cfg := BatchSourceConfig{
		Stream:       "FRAMES",
		Subject:      "frames.ASAR",
		FetchMaxWait: 500 * time.Millisecond,
		AckWait:      time.Second,
	}
	src, err := tc.Client.NewBatchSource(t.Context(), cfg)
	require.NoError(t, err)

	first, err := src.Next(t.Context())
	require.NoError(t, err)
	require.Len(t, first.Payloads, 3)

	// Never acked: the same messages come back after AckWait.
	var again consumer.RawBatch
	require.Eventually(t, func() bool {
		again, err = src.Next(t.Context())
		return err == nil && len(again.Payloads) == 3
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, first.Handle, again.Handle)
	require.NoError(t, src.Ack(t.Context(), again.Handle))
}

func TestIntegration_KVStore(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("station-params"))
	ctx := t.Context()

	bucket, err := tc.Client.GetKeyValueBucket(ctx, "station-params")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Put(ctx, "PDAR", []byte(`{"acquired":false}`))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "ASAR", []byte(`{"acquired":true}`))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "ASAR", []byte(`{}`))
	assert.True(t, IsKVConflictError(err))

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ASAR", "PDAR"}, keys)

	_, err = kv.Get(ctx, "TXAR")
	assert.True(t, IsKVNotFoundError(err))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, kv.UpdateWithRetry(ctx, "counter", func(current []byte) ([]byte, error) {
				var n int
				if len(current) > 0 {
					if err := json.Unmarshal(current, &n); err != nil {
						return nil, err
					}
				}
				return json.Marshal(n + 1)
			}))
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(entry.Value))
}

func TestIntegration_ConsumerEndToEnd(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ensureStream(t, tc.Client, "MSGS", "msgs.>")
	publishN(t, tc.Client, "msgs.0", 4)
	publishN(t, tc.Client, "msgs.1", 3)

	sources, err := tc.Client.Sources(t.Context(), BatchSourceConfig{
		Stream:       "MSGS",
		FetchMaxWait: 200 * time.Millisecond,
	}, "msgs.0", "msgs.1")
	require.NoError(t, err)

	type record struct {
		Seq int `json:"seq"`
	}
	var (
		mu     sync.Mutex
		stored int
		fails  = 1
	)
	c, err := consumer.New(consumer.Config[record]{
		Name: "e2e",
		Decode: func(data []byte) (record, error) {
			var r record
			return r, json.Unmarshal(data, &r)
		},
		Persist: func(_ context.Context, records []record) error {
			mu.Lock()
			defer mu.Unlock()
			if fails > 0 {
				fails--
				return errors.ErrStorageUnavailable
			}
			stored += len(records)
			return nil
		},
		Policy: retry.MustPolicy(10, 20, time.Millisecond, retry.Unlimited),
	}, sources...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stored == 7
	}, 10*time.Second, 50*time.Millisecond)
	// Streams sequence messages across subjects: msgs.0 holds 1-4, msgs.1 holds 5-7.
	require.Eventually(t, func() bool {
		acked := map[string]uint64{}
		for _, p := range c.Partitions() {
			acked[p.Partition] = p.LastAcked
		}
		return acked["msgs.0"] == 4 && acked["msgs.1"] == 7
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.GreaterOrEqual(t, c.Stats().Acked, int64(2))
	assert.GreaterOrEqual(t, c.Stats().PersistFailures, int64(1))
}
