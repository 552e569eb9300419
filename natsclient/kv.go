package natsclient

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
)

// KVEntry is a value with the revision needed for compare-and-set.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions tunes a KVStore.
type KVOptions struct {
	// Timeout bounds each call; 0 disables it.
	Timeout time.Duration
	// MaxValueSize rejects larger writes in UpdateWithRetry; 0 disables it.
	MaxValueSize int
	// ConflictPolicy spaces compare-and-set retries.
	ConflictPolicy retry.Policy
}

// defaultKVOptions returns the defaults used by NewKVStore.
func defaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:        5 * time.Second,
		MaxValueSize:   1 << 20,
		ConflictPolicy: retry.MustPolicy(10, 1000, time.Millisecond, 11),
	}
}

// Sentinel KV errors.
var (
	ErrKVKeyNotFound        = fmt.Errorf("kv: %w", errors.ErrKeyNotFound)
	ErrKVKeyExists          = errors.New("kv: key already exists")
	ErrKVRevisionMismatch   = errors.New("kv: revision mismatch")
	ErrKVMaxRetriesExceeded = errors.New("kv: compare-and-set retries exhausted")
)

// KVStore wraps a bucket with timeouts, typed errors and compare-and-set
// updates.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  Logger
}

// NewKVStore wraps bucket.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := defaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{bucket: bucket, options: options, logger: c.logger}
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get returns key with its revision, or ErrKVKeyNotFound.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", "get "+key)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Keys lists the bucket's keys in sorted order. An empty bucket yields an
// empty slice.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	lister, err := kv.bucket.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "Keys", "list keys")
	}
	defer lister.Stop()

	keys := []string{}
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Put writes key unconditionally.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Put", "put "+key)
	}
	kv.logger.Debug("KV put", "key", key, "revision", rev)
	return rev, nil
}

// Create writes key only if it does not exist.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, errors.WrapTransient(err, "KVStore", "Create", "create "+key)
	}
	return rev, nil
}

// Update writes key if its revision still equals revision.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, errors.WrapTransient(err, "KVStore", "Update", "update "+key)
	}
	return rev, nil
}

// UpdateWithRetry reads key, applies fn and writes the result with
// compare-and-set, retrying on conflicts. A missing key is created.
// Errors from fn are returned without retry.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	err := retry.Do(ctx, kv.options.ConflictPolicy, func() error {
		var current []byte
		var revision uint64

		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value, entry.Revision
		case !IsKVNotFoundError(err):
			return err
		}

		next, err := fn(current)
		if err != nil {
			return retry.NonRetryable(errors.Wrap(err, "KVStore", "UpdateWithRetry", "apply update"))
		}
		if kv.options.MaxValueSize > 0 && len(next) > kv.options.MaxValueSize {
			return retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("%w: value of %d bytes exceeds %d", errors.ErrInvalidData, len(next), kv.options.MaxValueSize),
				"KVStore", "UpdateWithRetry", "check value size"))
		}

		if revision == 0 {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, revision)
		}
		if IsKVConflictError(err) {
			kv.logger.Debug("KV compare-and-set conflict", "key", key)
		}
		return err
	}, retry.RetryIf(func(err error) bool {
		return IsKVConflictError(err) || errors.IsTransient(err)
	}))

	if err != nil && IsKVConflictError(err) {
		return fmt.Errorf("%w: %s", ErrKVMaxRetriesExceeded, key)
	}
	return err
}

// Delete removes key.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return errors.WrapTransient(err, "KVStore", "Delete", "delete "+key)
	}
	return nil
}

// Watch watches keys matching pattern. The watcher outlives any timeout.
func (kv *KVStore) Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error) {
	w, err := kv.bucket.Watch(ctx, pattern)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Watch", "watch "+pattern)
	}
	return w, nil
}

// IsKVNotFoundError reports whether err means the key does not exist.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsKVConflictError reports whether err is a compare-and-set conflict.
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) || errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists")
}
