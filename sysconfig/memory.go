package sysconfig

import (
	"context"
	"maps"
	"sync"
)

// MapRepository is an in-memory Repository, used for tests and for values
// supplied on the command line.
type MapRepository struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapRepository copies values into a new repository.
func NewMapRepository(values map[string]string) *MapRepository {
	return &MapRepository{values: maps.Clone(values)}
}

// Lookup implements Repository.
func (r *MapRepository) Lookup(_ context.Context, key string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok, nil
}

// Set stores value under key.
func (r *MapRepository) Set(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values == nil {
		r.values = make(map[string]string)
	}
	r.values[key] = value
}

// Delete removes key.
func (r *MapRepository) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, key)
}

// Layered consults each repository in order and returns the first hit.
// An error from any layer stops the lookup.
type Layered []Repository

// Lookup implements Repository.
func (l Layered) Lookup(ctx context.Context, key string) (string, bool, error) {
	for _, r := range l {
		v, ok, err := r.Lookup(ctx, key)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return "", false, nil
}
