package reqscope

import (
	"github.com/google/uuid"

	"github.com/mkmn/reqscope/internal/binding"
	"github.com/mkmn/reqscope/internal/scope"
)

// Interceptor coordinates the scoped resource lifecycle.
// This is a wrapper around the internal implementation.
type Interceptor = scope.Interceptor

// Config holds the configuration for creating an Interceptor.
type Config = scope.Config

// Request models one logical unit of work.
type Request = scope.Request

// RequestOption configures a Request at construction time.
type RequestOption = scope.RequestOption

// Factory opens and closes the underlying engine resource.
type Factory = scope.Factory

// DeferredWriter is implemented by resources that support a manual write
// policy; the interceptor applies it on every open.
type DeferredWriter = scope.DeferredWriter

// Holder wraps one open resource and guards close-exactly-once.
type Holder = scope.Holder

// Key identifies one protected scope.
type Key = scope.Key

// KeyRegistry assigns each factory instance a stable Key.
type KeyRegistry = scope.KeyRegistry

// AsyncState is the per-request face of the async machinery.
type AsyncState = scope.AsyncState

// Continuation re-establishes a binding captured at suspend time.
type Continuation = scope.Continuation

// Kind selects a continuation registration slot.
type Kind = scope.Kind

const (
	KindCallable = scope.KindCallable
	KindDeferred = scope.KindDeferred
)

// Store binds opaque values under string keys for the duration of one
// logical request.
type Store = binding.Store

// AcquisitionError reports that the factory failed to open the resource.
type AcquisitionError = scope.AcquisitionError

var (
	// ErrMissingFactory reports an interceptor configured without a factory.
	ErrMissingFactory = scope.ErrMissingFactory

	// ErrNotBound reports an unbind with no matching bind, which indicates a
	// nesting violation.
	ErrNotBound = binding.ErrNotBound
)

// New creates an Interceptor from conf.
func New(conf Config) (*Interceptor, error) {
	return scope.New(conf)
}

// NewRequest creates a request with a fresh identity, an empty attribute
// store, an empty resource store, and idle async state.
func NewRequest(opts ...RequestOption) *Request {
	return scope.NewRequest(opts...)
}

// WithID sets the request identifier instead of generating one.
func WithID(id uuid.UUID) RequestOption {
	return scope.WithID(id)
}

// WithStore replaces the default in-memory resource store.
func WithStore(s Store) RequestOption {
	return scope.WithStore(s)
}
