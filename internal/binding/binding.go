// Package binding implements the resource store of the lifecycle protocol:
// a keyed binder that holds the live resource holder for one logical request.
//
// The store travels inside the request object rather than in any
// thread-local mechanism, so a continuation resumed on a different goroutine
// reaches the same bindings.
package binding

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotBound is returned by Unbind when nothing is bound under the key.
// Callers treat it as a nesting violation: an unbind must always be preceded
// by a matching bind.
var ErrNotBound = errors.New("binding: key not bound")

// Store binds opaque values under string keys for the duration of one
// logical request. Implementations must be safe for concurrent use: a
// resumed continuation may touch the store from a different goroutine than
// the one that bound the value.
type Store interface {
	// Bind associates value with key, replacing any previous binding.
	Bind(key string, value any)

	// Lookup returns the value bound under key, if any.
	Lookup(key string) (any, bool)

	// Unbind removes and returns the value bound under key.
	// It returns an error wrapping ErrNotBound if nothing is bound.
	Unbind(key string) (any, error)
}

// Map is the default Store implementation: a mutex-guarded map scoped to a
// single request. The zero value is ready to use.
type Map struct {
	mu     sync.Mutex
	values map[string]any
}

var _ Store = (*Map)(nil)

// NewMap returns an empty request-scoped store.
func NewMap() *Map {
	return &Map{values: make(map[string]any)}
}

// Bind associates value with key, replacing any previous binding.
func (m *Map) Bind(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]any)
	}
	m.values[key] = value
}

// Lookup returns the value bound under key, if any.
func (m *Map) Lookup(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Unbind removes and returns the value bound under key.
func (m *Map) Unbind(key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotBound, key)
	}
	delete(m.values, key)
	return v, nil
}

// Len returns the number of current bindings.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}
