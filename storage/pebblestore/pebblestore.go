// Package pebblestore implements storage.Backend on pebble. A Write is one
// synced batch commit. Buckets are key prefixes.
package pebblestore

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/storage"
)

// separator ends the bucket prefix of every key.
const separator = 0x00

// Store is a pebble-backed storage.Backend.
type Store struct {
	db  *pebble.DB
	dir string
}

var _ storage.Backend = (*Store)(nil)

// Open opens or creates a database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "pebblestore", "Open", "create data directory")
	}
	db, err := pebble.Open(dir, &pebble.Options{
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 2,
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "pebblestore", "Open", "open "+dir)
	}
	return &Store{db: db, dir: dir}, nil
}

// Dir returns the database directory.
func (s *Store) Dir() string { return s.dir }

func prefix(bucket string) []byte {
	return append([]byte(bucket), separator)
}

func key(bucket, k string) []byte {
	return append(prefix(bucket), k...)
}

// Write commits entries as one synced batch.
func (s *Store) Write(ctx context.Context, bucket string, entries []storage.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()

	for _, e := range entries {
		if e.Key == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: empty key in %s", errors.ErrInvalidData, bucket),
				"pebblestore", "Write", "stage entry")
		}
		if err := b.Set(key(bucket, e.Key), e.Value, nil); err != nil {
			return errors.WrapTransient(err, "pebblestore", "Write", "stage "+e.Key)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.WrapTransient(errors.Join(errors.ErrStorageUnavailable, err), "pebblestore", "Write", "commit "+bucket)
	}
	return nil
}

// Get returns a copy of the value stored under k.
func (s *Store) Get(_ context.Context, bucket, k string) ([]byte, bool, error) {
	value, closer, err := s.db.Get(key(bucket, k))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapTransient(err, "pebblestore", "Get", "get "+k)
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

// Count returns the number of keys in bucket.
func (s *Store) Count(_ context.Context, bucket string) (int, error) {
	lower := prefix(bucket)
	upper := append([]byte(bucket), separator+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, errors.WrapTransient(err, "pebblestore", "Count", "iterate "+bucket)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
