package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Role is the part a connection plays in the relay.
type Role int

const (
	RoleSource Role = iota
	RoleDestination
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleDestination:
		return "destination"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Sender is a non-blocking outbound path. Send returns false if the frame
// could not be queued.
type Sender interface {
	Send(frame []byte) bool
}

// Handle identifies one live connection.
type Handle struct {
	id      uint64
	role    Role
	addr    string
	sender  Sender
	closeFn func() error

	dead      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ID returns the handle's unique sequence id.
func (h *Handle) ID() uint64 { return h.id }

// Role returns the connection role.
func (h *Handle) Role() Role { return h.role }

// Addr returns the remote address recorded at accept time.
func (h *Handle) Addr() string { return h.addr }

// Alive reports whether the handle has not been marked dead.
func (h *Handle) Alive() bool { return !h.dead.Load() }

// MarkDead flags the handle as dead. Only the first caller gets true.
func (h *Handle) MarkDead() bool { return h.dead.CompareAndSwap(false, true) }

// Send queues frame on the handle's outbound path without blocking. It
// returns false for dead handles and handles without a sender.
func (h *Handle) Send(frame []byte) bool {
	if h.sender == nil || !h.Alive() {
		return false
	}
	return h.sender.Send(frame)
}

// Close runs the close function once and marks the handle dead. Later
// calls return the first result.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.dead.Store(true)
		if h.closeFn != nil {
			h.closeErr = h.closeFn()
		}
	})
	return h.closeErr
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s#%d(%s)", h.role, h.id, h.addr)
}
