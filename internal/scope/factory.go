package scope

import (
	"context"
	"sync"
)

// Factory opens and closes the underlying engine resource. The protocol is
// engine-agnostic: the resource may be a database session, a GPU context, or
// any other heavyweight per-request handle.
type Factory interface {
	// Open creates a new engine resource.
	Open(ctx context.Context) (any, error)

	// Close releases a resource returned by Open. The protocol guarantees it
	// is called exactly once per successfully opened resource.
	Close(ctx context.Context, resource any) error
}

// DeferredWriter is implemented by resources whose write policy can be
// switched to manual. The interceptor applies it after every open, so
// protected code can rely on writes staying buffered until an explicit
// flush.
type DeferredWriter interface {
	DeferWrites()
}

// Holder wraps one open resource. While bound in a store, the store is the
// sole owner; the holder only guards close-exactly-once.
type Holder struct {
	resource  any
	closeOnce sync.Once
	closeErr  error
}

// NewHolder wraps resource for binding into a store.
func NewHolder(resource any) *Holder {
	return &Holder{resource: resource}
}

// Resource returns the wrapped engine resource.
func (h *Holder) Resource() any {
	return h.resource
}

// Close closes the wrapped resource through factory.
// It is safe to call from both the owning exit path and the abandonment
// path; only the first call reaches the factory.
func (h *Holder) Close(ctx context.Context, factory Factory) error {
	h.closeOnce.Do(func() {
		h.closeErr = factory.Close(ctx, h.resource)
	})
	return h.closeErr
}
