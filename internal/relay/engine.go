// Package relay fans validated source frames out to every registered
// destination.
//
// Broadcast never blocks on a destination: each destination has its own
// bounded Outbound queue and writer. A destination that cannot accept a
// frame is marked dead, closed and removed from the registry in the
// background, and never sees a second attempt for that frame.
package relay

import (
	"log/slog"

	"github.com/philsphicas/ctmprelay/internal/protocol"
	"github.com/philsphicas/ctmprelay/internal/registry"
)

// EngineConfig holds Engine options. All fields are optional.
type EngineConfig struct {
	Logger *slog.Logger
	// OnBroadcast is called after every frame with the number of
	// destinations that accepted it.
	OnBroadcast func(destinations int)
	// OnEvict is called once for each destination evicted by Broadcast.
	OnEvict func(h *registry.Handle)
}

// Engine broadcasts frames through a Registry.
type Engine struct {
	reg *registry.Registry
	cfg EngineConfig
}

// NewEngine returns an Engine using reg for membership.
func NewEngine(reg *registry.Registry, cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{reg: reg, cfg: cfg}
}

// Broadcast queues f to every live destination in a registry snapshot and
// returns how many accepted it. It must be called from a single goroutine,
// in the order frames were validated. Destinations registered after the
// snapshot is taken do not receive f.
func (e *Engine) Broadcast(f protocol.Frame) int {
	wire := f.Encode()
	delivered := 0
	for _, h := range e.reg.SnapshotDestinations() {
		if !h.Alive() {
			continue
		}
		if h.Send(wire) {
			delivered++
			continue
		}
		e.evict(h)
	}
	if e.cfg.OnBroadcast != nil {
		e.cfg.OnBroadcast(delivered)
	}
	return delivered
}

func (e *Engine) evict(h *registry.Handle) {
	if !h.MarkDead() {
		return
	}
	e.cfg.Logger.Warn("evicting destination", "conn", h.ID(), "remote", h.Addr())
	if e.cfg.OnEvict != nil {
		e.cfg.OnEvict(h)
	}
	go func() {
		e.reg.Remove(h.ID())
		_ = h.Close()
	}()
}
