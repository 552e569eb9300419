package sysconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/filewatch"
)

// FileRepository serves values from a YAML document. Nested mappings are
// flattened with "." so a component section becomes its scoped keys:
//
//	data-manager-ip-address: 10.0.0.5
//	connman:
//	  connection-manager-well-known-port: 8041
type FileRepository struct {
	path   string
	values atomic.Pointer[map[string]string]
}

// NewFileRepository reads path. A missing or malformed file is an error.
func NewFileRepository(path string) (*FileRepository, error) {
	r := &FileRepository{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the backing file.
func (r *FileRepository) Path() string {
	return r.path
}

// Lookup implements Repository.
func (r *FileRepository) Lookup(_ context.Context, key string) (string, bool, error) {
	values := r.values.Load()
	if values == nil {
		return "", false, fmt.Errorf("file repository %s not loaded", r.path)
	}
	v, ok := (*values)[key]
	return v, ok, nil
}

// Keys returns every flattened key in sorted order.
func (r *FileRepository) Keys() []string {
	values := r.values.Load()
	if values == nil {
		return nil
	}
	keys := make([]string, 0, len(*values))
	for k := range *values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reload re-reads the file and swaps the value table. On failure the
// previous table is kept.
func (r *FileRepository) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return errors.WrapTransient(err, "FileRepository", "Reload", "read "+r.path)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.WrapInvalid(err, "FileRepository", "Reload", "parse "+r.path)
	}

	values := make(map[string]string)
	flatten("", doc, values)
	r.values.Store(&values)
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. Each
// successful reload is forwarded on the returned channel.
func (r *FileRepository) Watch(ctx context.Context, debounce time.Duration, logger *slog.Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = slog.Default()
	}
	triggers, err := filewatch.Watch(ctx, r.path, debounce, logger)
	if err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range triggers {
			if err := r.Reload(); err != nil {
				logger.Warn("Configuration reload failed, keeping previous values", "path", r.path, "error", err)
				continue
			}
			logger.Info("Configuration reloaded", "path", r.path)
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

func flatten(prefix string, node any, out map[string]string) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			flatten(join(prefix, k), child, out)
		}
	case map[any]any:
		for k, child := range v {
			flatten(join(prefix, fmt.Sprint(k)), child, out)
		}
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
