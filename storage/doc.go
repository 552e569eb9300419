// Package storage persists decoded records into a local key/value backend.
//
// # Overview
//
// A Backend is a bucketed byte store with an atomic multi-entry Write. Two
// implementations ship with the module:
//   - storage/boltstore: a single bbolt file, one bolt bucket per record kind
//   - storage/pebblestore: a Pebble directory, buckets as key prefixes
//
// RecordStore[T] sits on top of a Backend and turns records into entries:
// the record's own key (or a content hash when it has none) names the entry,
// and the value is the encoded record behind a one-byte header.
//
// # Durability and Redelivery
//
// Persist writes a whole batch in one backend transaction and returns only
// after the backend has synced it. The storage consumer acknowledges a batch
// after Persist returns, so a crash between the two leads to redelivery, not
// loss. Redelivered records overwrite themselves under the same key, which
// makes the second write harmless.
//
// # Value Format
//
//	+--------+---------------------------+
//	| header | payload                   |
//	+--------+---------------------------+
//	  0x00     encoded record (JSON or CBOR)
//	  0x01     zstd frame of the encoded record
//
// Content keys are "b3:" followed by the hex BLAKE3-256 digest of the
// encoded record.
//
// # Error Handling
//
// Backend failures are wrapped with errors.WrapTransient around
// errors.ErrStorageUnavailable: the caller retries them. Encoding failures
// are classified invalid.
package storage
