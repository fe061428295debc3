// Package registry deduplicates long-lived resources by configuration identity.
package registry

import "sync"

// Registry is a mutex-guarded get-or-create map. Construction runs while the
// lock is held, so two callers racing on the same key never both create a value.
// The zero Registry is ready to use.
type Registry[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]V
}

// GetOrCreate returns the value registered under key, calling create and
// registering its result when there is none. created reports which path ran.
// A create error leaves the registry untouched.
func (r *Registry[K, V]) GetOrCreate(key K, create func() (V, error)) (v V, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.items[key]; ok {
		return existing, false, nil
	}
	v, err = create()
	if err != nil {
		var zero V
		return zero, false, err
	}
	if r.items == nil {
		r.items = make(map[K]V)
	}
	r.items[key] = v
	return v, true, nil
}

// Lookup returns the value registered under key.
func (r *Registry[K, V]) Lookup(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[key]
	return v, ok
}

// Remove drops key and returns the value it held.
func (r *Registry[K, V]) Remove(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[key]
	if ok {
		delete(r.items, key)
	}
	return v, ok
}

// RemoveFunc drops every entry for which match returns true and reports how
// many were removed.
func (r *Registry[K, V]) RemoveFunc(match func(K, V) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, v := range r.items {
		if match(k, v) {
			delete(r.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of registered entries.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
