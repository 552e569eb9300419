// Package storage persists record batches into embedded key-value backends.
//
// A Backend applies a batch of entries atomically. RecordStore turns typed
// records into entries: it encodes each record with a codec, keys it by
// RecordKey (or by a content hash when the record has no key) and
// optionally compresses the value. Because keys are stable, applying a
// redelivered batch again overwrites the same entries instead of adding
// new ones.
package storage

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/codec"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// Entry is one key-value pair of a write.
type Entry struct {
	Key   string
	Value []byte
}

// Backend is a transactional key-value store.
type Backend interface {
	// Write stores all entries in bucket, or none of them.
	Write(ctx context.Context, bucket string, entries []Entry) error
	// Get returns the value stored under key.
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	// Count returns the number of keys in bucket.
	Count(ctx context.Context, bucket string) (int, error)
	Close() error
}

// Keyed is implemented by records that know their storage key.
type Keyed interface {
	RecordKey() string
}

// Value header bytes.
const (
	headerRaw  byte = 0
	headerZstd byte = 1
)

// contentKeyPrefix marks keys derived from a content hash.
const contentKeyPrefix = "b3:"

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// RecordStore persists records of type T into one bucket of a Backend.
type RecordStore[T Keyed] struct {
	backend  Backend
	bucket   string
	codec    codec.Codec[T]
	compress bool
}

// Option configures a RecordStore.
type Option func(*options)

type options struct {
	compress bool
}

// WithCompression zstd-compresses stored values. Values that do not shrink
// are stored raw.
func WithCompression(enabled bool) Option {
	return func(o *options) { o.compress = enabled }
}

// NewRecordStore creates a store writing to bucket.
func NewRecordStore[T Keyed](backend Backend, bucket string, c codec.Codec[T], opts ...Option) (*RecordStore[T], error) {
	if backend == nil || c == nil || bucket == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: backend, bucket and codec are required", errors.ErrMissingConfig),
			"RecordStore", "NewRecordStore", "validate arguments")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &RecordStore[T]{backend: backend, bucket: bucket, codec: c, compress: o.compress}, nil
}

// Bucket returns the bucket name.
func (s *RecordStore[T]) Bucket() string { return s.bucket }

// Persist writes records as one transaction. It matches
// consumer.PersistFunc.
func (s *RecordStore[T]) Persist(ctx context.Context, records []T) error {
	if len(records) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entry, err := s.entry(r)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	if err := s.backend.Write(ctx, s.bucket, entries); err != nil {
		return errors.Wrap(err, "RecordStore", "Persist", fmt.Sprintf("write %d records to %s", len(entries), s.bucket))
	}
	return nil
}

func (s *RecordStore[T]) entry(r T) (Entry, error) {
	data, err := s.codec.Encode(r)
	if err != nil {
		return Entry{}, errors.Wrap(err, "RecordStore", "Persist", "encode record")
	}
	key := r.RecordKey()
	if key == "" {
		key = ContentKey(data)
	}
	return Entry{Key: key, Value: s.pack(data)}, nil
}

// Get reads and decodes the record stored under key.
func (s *RecordStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	value, ok, err := s.backend.Get(ctx, s.bucket, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	data, err := unpack(value)
	if err != nil {
		return zero, false, errors.Wrap(err, "RecordStore", "Get", "unpack "+key)
	}
	r, err := s.codec.Decode(data)
	if err != nil {
		return zero, false, err
	}
	return r, true, nil
}

// Count returns the number of stored records.
func (s *RecordStore[T]) Count(ctx context.Context) (int, error) {
	return s.backend.Count(ctx, s.bucket)
}

// ContentKey derives a key from encoded record bytes.
func ContentKey(data []byte) string {
	sum := blake3.Sum256(data)
	return contentKeyPrefix + hex.EncodeToString(sum[:])
}

func (s *RecordStore[T]) pack(data []byte) []byte {
	if s.compress {
		compressed := zstdEncoder.EncodeAll(data, []byte{headerZstd})
		if len(compressed) < len(data)+1 {
			return compressed
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, headerRaw)
	return append(out, data...)
}

func unpack(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, errors.ErrInvalidData
	}
	switch value[0] {
	case headerRaw:
		return value[1:], nil
	case headerZstd:
		data, err := zstdDecoder.DecodeAll(value[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", errors.ErrInvalidData, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: unknown value header %d", errors.ErrInvalidData, value[0])
	}
}
