package sysconfig

import (
	"context"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/natsclient"
)

// KVGetter is the read side of a NATS KV store.
type KVGetter interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
}

// KVRepository serves values from a NATS KV bucket, one key per setting.
// Values are read on every lookup so operators can change them live.
type KVRepository struct {
	kv KVGetter
}

// NewKVRepository wraps a KV store.
func NewKVRepository(kv KVGetter) *KVRepository {
	return &KVRepository{kv: kv}
}

// Lookup implements Repository.
func (r *KVRepository) Lookup(ctx context.Context, key string) (string, bool, error) {
	entry, err := r.kv.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(entry.Value), true, nil
}
