// Package boltstore implements storage.Backend on bbolt. Each Write is one
// read-write transaction, so a batch is either fully stored or not at all.
package boltstore

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/storage"
)

// Store is a bbolt-backed storage.Backend.
type Store struct {
	db   *bbolt.DB
	path string
}

var _ storage.Backend = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WrapFatal(err, "boltstore", "Open", "create data directory")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WrapFatal(err, "boltstore", "Open", "open "+path)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Write stores entries in bucket within one transaction.
func (s *Store) Write(ctx context.Context, bucket string, entries []storage.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := b.Put([]byte(e.Key), e.Value); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bbolt.ErrKeyRequired), errors.Is(err, bbolt.ErrKeyTooLarge), errors.Is(err, bbolt.ErrValueTooLarge):
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidData, err), "boltstore", "Write", "update "+bucket)
	default:
		return errors.WrapTransient(errors.Join(errors.ErrStorageUnavailable, err), "boltstore", "Write", "update "+bucket)
	}
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.WrapTransient(err, "boltstore", "Get", "view "+bucket)
	}
	return value, value != nil, nil
}

// Count returns the number of keys in bucket.
func (s *Store) Count(_ context.Context, bucket string) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket([]byte(bucket)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "boltstore", "Count", "view "+bucket)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
