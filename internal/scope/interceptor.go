// Package scope implements the resource-per-request lifecycle protocol: an
// interceptor opens an expensive resource on the first entry into a request,
// lets nested entries participate in the existing binding through a
// reference count, and hands the binding across asynchronous suspension and
// resumption. The resource is closed exactly once, by the exit matching the
// opening entry or by abandonment cleanup.
package scope

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Config holds the configuration for creating an Interceptor.
type Config struct {
	// Factory opens and closes the protected resource. Required.
	Factory Factory

	// Key overrides the derived scope key. Optional.
	Key Key

	// Keys derives the scope key from the factory when Key is empty.
	// Optional; the package-wide default registry is used when nil.
	Keys *KeyRegistry

	// Logger receives debug-level lifecycle transitions. Optional.
	Logger *zap.Logger
}

// Validate checks that the configuration can produce a working interceptor.
func (c Config) Validate() error {
	if c.Factory == nil {
		return ErrMissingFactory
	}
	return nil
}

// Interceptor coordinates the lifecycle of one scoped resource across the
// entry, exit, and async-suspend hooks of a hosting dispatcher.
type Interceptor struct {
	factory Factory
	key     Key
	logger  *zap.Logger
}

// New creates an Interceptor from conf.
func New(conf Config) (*Interceptor, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	key := conf.Key
	if key == "" {
		keys := conf.Keys
		if keys == nil {
			keys = defaultKeys
		}
		key = keys.KeyFor(conf.Factory)
	}
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		factory: conf.Factory,
		key:     key,
		logger:  logger,
	}, nil
}

// Key returns the scope key this interceptor binds and counts under.
func (i *Interceptor) Key() Key {
	return i.key
}

// OnScopeEnter is called once before the protected logic runs, including for
// nested protected regions of the same request.
//
// If the request is resuming with a concurrent result available, the
// continuation registered at open time re-binds the captured resource and
// entry is complete. If an outer scope already bound a resource, the entry
// only bumps the participation counter. Otherwise a resource is opened,
// switched to deferred writes, bound, and a continuation adapter is
// registered for both continuation kinds.
func (i *Interceptor) OnScopeEnter(ctx context.Context, req *Request) error {
	if req == nil {
		return errors.New("scope: nil request")
	}

	async := req.Async()
	if c, ok := async.Consume(i.key); ok {
		c.Reestablish()
		return nil
	}

	if _, ok := req.Bindings().Lookup(string(i.key)); ok {
		// An outer scope opened the resource. Do not touch it, just mark
		// the request as participating.
		count := 1
		if v, ok := req.Attribute(i.key); ok {
			count = v.(int) + 1
		}
		req.SetAttribute(i.key, count)
		i.logger.Debug("participating in bound resource",
			zap.String("key", string(i.key)),
			zap.Int("count", count),
			zap.String("request", req.ID().String()))
		return nil
	}

	i.logger.Debug("opening resource",
		zap.String("key", string(i.key)),
		zap.String("request", req.ID().String()))
	resource, err := i.factory.Open(ctx)
	if err != nil {
		return &AcquisitionError{Key: i.key, Err: err}
	}
	if dw, ok := resource.(DeferredWriter); ok {
		dw.DeferWrites()
	}

	holder := NewHolder(resource)
	req.Bindings().Bind(string(i.key), holder)

	adapter := newSessionAdapter(i, req, holder)
	async.Register(KindCallable, i.key, adapter)
	async.Register(KindDeferred, i.key, adapter)
	return nil
}

// OnScopeExit is called once after the protected logic completes
// synchronously. Outcome is the result of the protected logic; it is
// recorded but does not change the release decision.
//
// A participating exit only decrements the counter. The owning exit unbinds
// the holder and closes the resource; exit without a matching entry surfaces
// the store's unbind error instead of being swallowed.
func (i *Interceptor) OnScopeExit(ctx context.Context, req *Request, outcome error) error {
	if req == nil {
		return errors.New("scope: nil request")
	}
	if i.decrementParticipation(req) {
		return nil
	}

	v, err := req.Bindings().Unbind(string(i.key))
	if err != nil {
		return fmt.Errorf("scope: exit without matching enter: %w", err)
	}
	holder := v.(*Holder)
	i.logger.Debug("closing resource",
		zap.String("key", string(i.key)),
		zap.String("request", req.ID().String()),
		zap.Error(outcome))
	return holder.Close(ctx, i.factory)
}

// OnAsyncSuspendStarted is called once when the request hands control back
// to the dispatcher to await a background computation, instead of
// completing. It mirrors OnScopeExit but skips the destructive close when
// owning: the adapter registered at open time has captured the holder and
// either re-binds it on resumption or closes it on abandonment.
func (i *Interceptor) OnAsyncSuspendStarted(req *Request) error {
	if req == nil {
		return errors.New("scope: nil request")
	}
	if i.decrementParticipation(req) {
		return nil
	}

	if _, err := req.Bindings().Unbind(string(i.key)); err != nil {
		return fmt.Errorf("scope: suspend without matching enter: %w", err)
	}
	i.logger.Debug("suspended with resource unbound",
		zap.String("key", string(i.key)),
		zap.String("request", req.ID().String()))
	return nil
}

// decrementParticipation decrements the participation counter of req and
// reports whether one existed. The counter is removed when it reaches zero.
func (i *Interceptor) decrementParticipation(req *Request) bool {
	v, ok := req.Attribute(i.key)
	if !ok {
		return false
	}
	count := v.(int)
	if count > 1 {
		req.SetAttribute(i.key, count-1)
	} else {
		req.RemoveAttribute(i.key)
	}
	return true
}
