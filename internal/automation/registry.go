package automation

import (
	"slices"
	"sync"
)

// Registry holds one value per host context id. It makes bootstrapping
// idempotent: the first Ensure for an id creates the value and later calls
// return it.
type Registry[T any] struct {
	mu    sync.Mutex
	items map[string]T
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: map[string]T{}}
}

// Ensure returns the value for id, calling create if there is none yet.
// created reports whether create ran. A failed create stores nothing.
func (r *Registry[T]) Ensure(id string, create func() (T, error)) (v T, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.items[id]; ok {
		return v, false, nil
	}
	v, err = create()
	if err != nil {
		var zero T
		return zero, false, err
	}
	r.items[id] = v
	return v, true, nil
}

// Get returns the value for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	return v, ok
}

// Delete removes and returns the value for id.
func (r *Registry[T]) Delete(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	delete(r.items, id)
	return v, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry[T]) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
