package scope

import (
	"fmt"
	"sync"
)

// participateSuffix marks keys of this protocol. The same key names both the
// resource binding in the store and the participation counter attribute on
// the request.
const participateSuffix = ".participate"

// defaultKeys assigns keys for interceptors configured without an explicit
// registry. Sharing one registry process-wide keeps the invariant that
// distinct factory instances never derive colliding keys.
var defaultKeys = &KeyRegistry{}

// Key identifies one protected scope.
type Key string

// KeyRegistry assigns each factory instance a stable Key. It is an explicit
// dependency of the interceptor configuration: two interceptors sharing a
// registry derive identical keys for the same factory instance, and distinct
// factories never collide.
//
// Factory implementations must be comparable (pointer receivers are).
type KeyRegistry struct {
	mu   sync.Mutex
	keys map[Factory]Key
	seq  int
}

// KeyFor returns the key assigned to factory, assigning a fresh one on first
// use.
func (r *KeyRegistry) KeyFor(factory Factory) Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = make(map[Factory]Key)
	}
	if k, ok := r.keys[factory]; ok {
		return k
	}
	r.seq++
	k := Key(fmt.Sprintf("%T#%d%s", factory, r.seq, participateSuffix))
	r.keys[factory] = k
	return k
}

// Len returns the number of factories the registry has assigned keys to.
func (r *KeyRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
