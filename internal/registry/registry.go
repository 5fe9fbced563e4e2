// Package registry tracks relay membership: at most one source connection
// and an ordered set of destination connections.
//
// The Registry is the only writer of the membership set. Everything else
// holds *Handle values and goes through the Registry's methods.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	// ErrMembership is the parent of membership errors.
	ErrMembership = errors.New("membership error")

	// ErrSourceAlreadyPresent is returned by TryRegisterSource when the
	// source slot is taken.
	ErrSourceAlreadyPresent = fmt.Errorf("%w: source already present", ErrMembership)
)

// Registry holds the canonical membership set.
type Registry struct {
	mu     sync.Mutex
	source *Handle
	dests  map[uint64]*Handle

	// snap is replaced on every destination change; readers never lock.
	snap atomic.Pointer[[]*Handle]

	nextID atomic.Uint64
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{dests: make(map[uint64]*Handle)}
	empty := []*Handle{}
	r.snap.Store(&empty)
	return r
}

// NewHandle creates a handle with the next sequence id. sender may be nil
// for sources; closeFn may be nil.
func (r *Registry) NewHandle(role Role, addr string, sender Sender, closeFn func() error) *Handle {
	return &Handle{
		id:      r.nextID.Add(1),
		role:    role,
		addr:    addr,
		sender:  sender,
		closeFn: closeFn,
	}
}

// TryRegisterSource installs h as the source. If a source is already
// registered it returns ErrSourceAlreadyPresent and the caller must close
// the connection.
func (r *Registry) TryRegisterSource(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source != nil {
		return fmt.Errorf("%w (conn %d holds the slot)", ErrSourceAlreadyPresent, r.source.id)
	}
	r.source = h
	return nil
}

// RegisterDestination adds h to the fan-out set.
func (r *Registry) RegisterDestination(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dests[h.id] = h
	r.publishLocked()
}

// Remove drops the handle with the given id, whether source or destination.
// Removing an unknown id is a no-op. It reports whether anything was removed.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source != nil && r.source.id == id {
		r.source = nil
		return true
	}
	if _, ok := r.dests[id]; !ok {
		return false
	}
	delete(r.dests, id)
	r.publishLocked()
	return true
}

// SnapshotDestinations returns the destinations registered at the time of
// the call, in registration order. The slice must not be modified.
func (r *Registry) SnapshotDestinations() []*Handle {
	return *r.snap.Load()
}

// Source returns the current source, if any.
func (r *Registry) Source() (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source, r.source != nil
}

// Len returns the number of registered destinations.
func (r *Registry) Len() int {
	return len(r.SnapshotDestinations())
}

// Handles returns the source (if any) followed by every destination.
func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.dests)+1)
	if r.source != nil {
		out = append(out, r.source)
	}
	return append(out, *r.snap.Load()...)
}

func (r *Registry) publishLocked() {
	list := make([]*Handle, 0, len(r.dests))
	for _, h := range r.dests {
		list = append(list, h)
	}
	slices.SortFunc(list, func(a, b *Handle) int { return cmp.Compare(a.id, b.id) })
	r.snap.Store(&list)
}
