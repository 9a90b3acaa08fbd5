package scope

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Kind selects which continuation registration slot an adapter occupies.
// The async machinery tracks callable-style and deferred-result-style
// continuations separately; the interceptor registers its adapter under
// both.
type Kind uint8

const (
	KindCallable Kind = iota
	KindDeferred
)

// Continuation is the single capability an entry call may invoke when a
// concurrent result is already available: re-establish the binding captured
// at suspend time.
type Continuation interface {
	Reestablish()
}

// releaser is implemented by continuations that hold a live resource and
// must free it when the suspension is abandoned.
type releaser interface {
	Release(ctx context.Context) error
}

// AsyncState is the per-request face of the async machinery. It records
// whether a background computation has produced a result and holds the
// continuations registered at open time.
type AsyncState struct {
	mu             sync.Mutex
	hasResult      bool
	resultConsumed bool
	result         any
	continuations  map[Kind]map[Key]Continuation
}

// HasConcurrentResult reports whether a background computation has completed
// and the request is resuming.
func (s *AsyncState) HasConcurrentResult() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasResult
}

// SetConcurrentResult records the outcome of the background computation and
// marks the request resumable. A request may suspend again after resuming;
// each new result arms exactly one more resumption.
func (s *AsyncState) SetConcurrentResult(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasResult = true
	s.resultConsumed = false
	s.result = v
}

// ConcurrentResult returns the recorded outcome, if any.
func (s *AsyncState) ConcurrentResult() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.hasResult
}

// Register stores a continuation under (kind, key), replacing any previous
// registration in that slot.
func (s *AsyncState) Register(kind Kind, key Key, c Continuation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.continuations == nil {
		s.continuations = make(map[Kind]map[Key]Continuation)
	}
	byKey := s.continuations[kind]
	if byKey == nil {
		byKey = make(map[Key]Continuation)
		s.continuations[kind] = byKey
	}
	byKey[key] = c
}

// Continuation returns the continuation registered under (kind, key).
func (s *AsyncState) Continuation(kind Kind, key Key) (Continuation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.continuations[kind][key]
	return c, ok
}

// Consume returns the continuation registered under key if an unconsumed
// concurrent result is available, marking the result consumed. Exactly one
// entry per resumption takes this path; further entries of the resumed leg
// find the store bound and participate normally. The registration itself
// stays, so the request may suspend and resume again.
func (s *AsyncState) Consume(key Key) (Continuation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasResult || s.resultConsumed {
		return nil, false
	}
	c, ok := s.continuations[KindCallable][key]
	if !ok {
		return nil, false
	}
	s.resultConsumed = true
	return c, true
}

// Abandon releases every registered continuation that holds a resource and
// clears all registrations. It is the cleanup hook for suspensions that
// never resume: the host calls it when the background computation errors out
// or times out. Continuations registered under several kinds are released
// once.
func (s *AsyncState) Abandon(ctx context.Context) error {
	s.mu.Lock()
	seen := make(map[Continuation]struct{})
	var toRelease []releaser
	for _, byKey := range s.continuations {
		for _, c := range byKey {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			if r, ok := c.(releaser); ok {
				toRelease = append(toRelease, r)
			}
		}
	}
	s.continuations = nil
	s.mu.Unlock()

	var err error
	for _, r := range toRelease {
		err = errors.Join(err, r.Release(ctx))
	}
	return err
}

// SessionAdapter captures the live binding of one scope so the request can
// be suspended and resumed on a different goroutine. On resumption it
// re-binds the captured holder; if the request never resumes, Release closes
// the holder instead.
type SessionAdapter struct {
	key     Key
	factory Factory
	holder  *Holder
	request *Request
	logger  *zap.Logger
}

var (
	_ Continuation = (*SessionAdapter)(nil)
	_ releaser     = (*SessionAdapter)(nil)
)

func newSessionAdapter(i *Interceptor, req *Request, holder *Holder) *SessionAdapter {
	return &SessionAdapter{
		key:     i.key,
		factory: i.factory,
		holder:  holder,
		request: req,
		logger:  i.logger,
	}
}

// Reestablish re-binds the captured holder for the resuming execution
// context.
func (a *SessionAdapter) Reestablish() {
	a.request.Bindings().Bind(string(a.key), a.holder)
	a.logger.Debug("reestablished resource binding",
		zap.String("key", string(a.key)),
		zap.String("request", a.request.ID().String()))
}

// Release unbinds the captured holder if it is still bound and closes it.
// Calling Release after a normal completion is harmless: the holder's close
// guard makes the engine close happen at most once.
func (a *SessionAdapter) Release(ctx context.Context) error {
	_, _ = a.request.Bindings().Unbind(string(a.key))
	a.logger.Debug("releasing abandoned resource",
		zap.String("key", string(a.key)),
		zap.String("request", a.request.ID().String()))
	return a.holder.Close(ctx, a.factory)
}
