package station

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/natsclient"
)

// KVWriter is the subset of natsclient.KVStore an Editor needs.
type KVWriter interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Delete(ctx context.Context, key string) error
}

// Editor maintains the bucket a KVSource reads. Every value it writes passes
// the same schema and range checks as a load.
type Editor struct {
	Bucket KVWriter
}

func encodeEntry(p Parameters) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Editor", "encode", "validate "+p.StationName)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Editor", "encode", "marshal "+p.StationName)
	}
	if _, err := ParseEntry(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Put writes p, replacing any existing entry.
func (e *Editor) Put(ctx context.Context, p Parameters) error {
	data, err := encodeEntry(p)
	if err != nil {
		return err
	}
	if _, err := e.Bucket.Put(ctx, p.StationName, data); err != nil {
		return errors.Wrap(err, "Editor", "Put", "put "+p.StationName)
	}
	return nil
}

// Create writes p only if the station has no entry yet.
func (e *Editor) Create(ctx context.Context, p Parameters) error {
	data, err := encodeEntry(p)
	if err != nil {
		return err
	}
	if _, err := e.Bucket.Create(ctx, p.StationName, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: station %s already exists", errors.ErrInvalidConfig, p.StationName),
				"Editor", "Create", "create "+p.StationName)
		}
		return errors.Wrap(err, "Editor", "Create", "create "+p.StationName)
	}
	return nil
}

// Update applies fn to the stored entry of name with compare-and-set. A
// station without an entry is ErrUnknownStation; fn may not rename it.
func (e *Editor) Update(ctx context.Context, name string, fn func(p *Parameters) error) (Parameters, error) {
	var updated Parameters
	err := e.Bucket.UpdateWithRetry(ctx, name, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", errors.ErrUnknownStation, name)
		}
		p, err := ParseEntry(current)
		if err != nil {
			return nil, err
		}
		if err := fn(&p); err != nil {
			return nil, err
		}
		if p.StationName != name {
			return nil, fmt.Errorf("%w: cannot rename %s to %s", errors.ErrInvalidConfig, name, p.StationName)
		}
		updated = p
		return encodeEntry(p)
	})
	if err != nil {
		return Parameters{}, errors.Wrap(err, "Editor", "Update", "update "+name)
	}
	return updated, nil
}

// Delete removes the entry of name.
func (e *Editor) Delete(ctx context.Context, name string) error {
	if err := e.Bucket.Delete(ctx, name); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownStation, name),
				"Editor", "Delete", "delete "+name)
		}
		return errors.Wrap(err, "Editor", "Delete", "delete "+name)
	}
	return nil
}
