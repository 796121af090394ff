// Package registry implements the allocation_registry collaborator named
// in the core's external interfaces: admission of new sessions against a
// per-(user, realm) quota, and deregistration on session termination.
package registry

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Owner is the opaque handle the registry stores per admitted session.
// The core never dereferences it through the registry; it exists so a
// future operator surface (metrics, admin kill) can look sessions back
// up without the registry owning a dependency on the session package.
type Owner interface {
	// SessionID returns the stable identifier assigned at session
	// creation.
	SessionID() string
}

type key struct {
	user  string
	realm string
}

// Registry tracks live allocations per (user, realm) pair and enforces
// max_allocs. It is safe for concurrent use: unlike the per-allocation
// state machine, the registry is shared ambient infrastructure touched
// by every session's goroutine, so it is guarded by a mutex rather than
// folded into any one session's single-threaded event loop.
type Registry struct {
	mu     sync.Mutex
	byUser map[key][]Owner
	byAddr map[string]Owner
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[key][]Owner),
		byAddr: make(map[string]Owner),
	}
}

// NewSessionID generates a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Add implements allocation_registry.add(addr, user, realm, max_allocs,
// self): it admits owner for (user, realm) if doing so would not exceed
// maxAllocs, recording it under both the per-user bucket and the
// five-tuple addr for fast lookup/removal.
func (r *Registry) Add(addr net.Addr, user, realm string, maxAllocs int, owner Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{user: user, realm: realm}
	if maxAllocs > 0 && len(r.byUser[k]) >= maxAllocs {
		return fmt.Errorf("registry: user %s/%s already has %d allocations (max %d)", user, realm, len(r.byUser[k]), maxAllocs)
	}

	r.byUser[k] = append(r.byUser[k], owner)
	r.byAddr[addr.String()] = owner
	return nil
}

// Del implements allocation_registry.del(addr, user, realm): it removes
// the owner previously admitted for (user, realm, addr). Safe to call
// even if addr was never (or no longer) registered, since session
// termination paths may race with an already-completed deregistration.
func (r *Registry) Del(addr net.Addr, user, realm string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrKey := addr.String()
	owner, ok := r.byAddr[addrKey]
	if !ok {
		return
	}
	delete(r.byAddr, addrKey)

	k := key{user: user, realm: realm}
	owners := r.byUser[k]
	for i, o := range owners {
		if o == owner {
			r.byUser[k] = append(owners[:i], owners[i+1:]...)
			break
		}
	}
	if len(r.byUser[k]) == 0 {
		delete(r.byUser, k)
	}
}

// Count reports the number of live allocations for (user, realm).
func (r *Registry) Count(user, realm string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[key{user: user, realm: realm}])
}

// Lookup returns the owner registered for addr, if any.
func (r *Registry) Lookup(addr net.Addr) (Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byAddr[addr.String()]
	return o, ok
}

// Len reports the total number of live allocations across every user.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddr)
}
