// Package registry is an explicit service registry keyed by type. Binaries provide
// their singletons once during wiring and look them up by type afterwards.
package registry

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry holds at most one value per type.
type Registry struct {
	mu     sync.RWMutex
	values map[reflect.Type]any
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{values: make(map[reflect.Type]any)}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Provide registers v as the T singleton. Providing the same type twice is an error.
func Provide[T any](r *Registry, v T) error {
	t := typeOf[T]()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[t]; ok {
		return fmt.Errorf("registry: %s already provided", t)
	}
	r.values[t] = v
	return nil
}

// Get returns the T singleton.
func Get[T any](r *Registry) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[typeOf[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Must returns the T singleton and panics when it was never provided.
func Must[T any](r *Registry) T {
	v, ok := Get[T](r)
	if !ok {
		panic(fmt.Sprintf("registry: %s not provided", typeOf[T]()))
	}
	return v
}
