package scope

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mkmn/reqscope/internal/binding"
)

// Request models one logical unit of work. It carries the request-scoped
// attribute store (which holds the participation counter), the resource
// store, and the per-request async state.
//
// A request is normally processed by a single flow of control, but the async
// hand-off may touch it from another goroutine, so all state is guarded.
type Request struct {
	id       uuid.UUID
	bindings binding.Store
	async    *AsyncState

	mu    sync.Mutex
	attrs map[Key]any
}

// RequestOption configures a Request at construction time.
type RequestOption func(*Request)

// WithID sets the request identifier instead of generating one.
func WithID(id uuid.UUID) RequestOption {
	return func(r *Request) {
		r.id = id
	}
}

// WithStore replaces the default in-memory resource store.
func WithStore(s binding.Store) RequestOption {
	return func(r *Request) {
		r.bindings = s
	}
}

// NewRequest creates a request with a fresh identity, an empty attribute
// store, an empty resource store, and idle async state.
func NewRequest(opts ...RequestOption) *Request {
	r := &Request{
		id:    uuid.New(),
		attrs: make(map[Key]any),
		async: &AsyncState{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bindings == nil {
		r.bindings = binding.NewMap()
	}
	return r
}

// ID returns the request's unique identifier.
func (r *Request) ID() uuid.UUID {
	return r.id
}

// Bindings returns the resource store of this request.
func (r *Request) Bindings() binding.Store {
	return r.bindings
}

// Async returns the async state of this request.
func (r *Request) Async() *AsyncState {
	return r.async
}

// Attribute returns the request-scoped attribute stored under key.
func (r *Request) Attribute(key Key) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.attrs[key]
	return v, ok
}

// SetAttribute stores a request-scoped attribute under key.
func (r *Request) SetAttribute(key Key, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attrs == nil {
		r.attrs = make(map[Key]any)
	}
	r.attrs[key] = value
}

// RemoveAttribute deletes the request-scoped attribute stored under key.
func (r *Request) RemoveAttribute(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attrs, key)
}
