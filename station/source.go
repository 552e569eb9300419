package station

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/natsclient"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/filewatch"
)

// Source loads the complete set of station parameters.
type Source interface {
	Load(ctx context.Context) ([]Parameters, error)
}

// Watcher is implemented by sources that can signal changes.
// The returned channel is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// StaticSource serves a fixed list.
type StaticSource []Parameters

// Load implements Source.
func (s StaticSource) Load(context.Context) ([]Parameters, error) {
	return slices.Clone(s), nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Parameters, error)

// Load implements Source.
func (f SourceFunc) Load(ctx context.Context) ([]Parameters, error) {
	return f(ctx)
}

// FileSource reads a YAML or JSON station document from disk.
type FileSource struct {
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger
}

// Load implements Source.
func (s *FileSource) Load(context.Context) ([]Parameters, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errors.WrapTransient(err, "FileSource", "Load", "read "+s.Path)
	}
	return ParseDocument(data)
}

// Watch implements Watcher using filesystem notifications.
func (s *FileSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	return filewatch.Watch(ctx, s.Path, s.Debounce, s.Logger)
}

// KVBucket is the subset of natsclient.KVStore a KVSource needs.
type KVBucket interface {
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error)
}

// KVSource reads one JSON Parameters value per key from a NATS KV bucket.
// The key must equal the station name.
type KVSource struct {
	Bucket KVBucket
}

// Load implements Source.
func (s *KVSource) Load(ctx context.Context) ([]Parameters, error) {
	keys, err := s.Bucket.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVSource", "Load", "list keys")
	}
	slices.Sort(keys)

	params := make([]Parameters, 0, len(keys))
	for _, key := range keys {
		entry, err := s.Bucket.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				// deleted between list and get
				continue
			}
			return nil, errors.WrapTransient(err, "KVSource", "Load", "get "+key)
		}
		p, err := ParseEntry(entry.Value)
		if err != nil {
			return nil, errors.Wrap(err, "KVSource", "Load", "parse "+key)
		}
		if p.StationName != key {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "KVSource", "Load",
				"match key "+key+" with station "+p.StationName)
		}
		params = append(params, p)
	}
	return params, nil
}

// Watch implements Watcher. Every KV update after the initial snapshot
// produces a trigger.
func (s *KVSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := s.Bucket.Watch(ctx, ">")
	if err != nil {
		return nil, errors.WrapTransient(err, "KVSource", "Watch", "watch bucket")
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Stop()

		initialDone := false
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				// nil marks the end of the initial values
				if entry == nil {
					initialDone = true
					continue
				}
				if !initialDone {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
