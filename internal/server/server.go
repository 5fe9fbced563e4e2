// Package server accepts CTMP source and destination connections and wires
// them to the relay engine.
//
// Each endpoint has its own accept loop. Every admitted connection runs as
// one task on the worker pool for its whole lifetime. A second source is
// turned away before it ever reaches the pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/philsphicas/ctmprelay/internal/metrics"
	"github.com/philsphicas/ctmprelay/internal/pool"
	"github.com/philsphicas/ctmprelay/internal/protocol"
	"github.com/philsphicas/ctmprelay/internal/registry"
	"github.com/philsphicas/ctmprelay/internal/relay"
	"github.com/philsphicas/ctmprelay/internal/stream"
)

// Config holds server configuration. Zero values fall back to the package
// defaults of the component that owns the setting.
type Config struct {
	SourceAddr string
	DestAddr   string
	DestWSAddr string // optional; empty disables the WebSocket endpoint

	MaxPayload     int
	MaxResyncBytes int
	WriteTimeout   time.Duration
	QueueDepth     int
	PoolSize       int
	QueueWait      time.Duration
	TCPKeepAlive   time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// errPeerClosed ends a destination whose peer hung up.
var errPeerClosed = errors.New("peer closed connection")

// Server is a bound CTMP relay.
type Server struct {
	cfg    Config
	log    *slog.Logger
	reg    *registry.Registry
	engine *relay.Engine
	pool   *pool.Pool

	srcLn net.Listener
	dstLn net.Listener
	wsLn  net.Listener

	outbounds sync.Map // handle id -> *relay.Outbound
}

// New binds every configured endpoint. A bind failure closes whatever was
// already bound and is returned; nothing else in New can fail.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 30 * time.Second
	}

	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
		reg: registry.New(),
		pool: pool.New(pool.Config{
			Size:      cfg.PoolSize,
			QueueWait: cfg.QueueWait,
		}),
	}
	s.engine = relay.NewEngine(s.reg, relay.EngineConfig{
		Logger:      cfg.Logger,
		OnBroadcast: cfg.Metrics.FrameRelayed,
		OnEvict:     s.evicted,
	})

	var err error
	if s.srcLn, err = net.Listen("tcp", cfg.SourceAddr); err != nil {
		return nil, fmt.Errorf("listen source %s: %w", cfg.SourceAddr, err)
	}
	if s.dstLn, err = net.Listen("tcp", cfg.DestAddr); err != nil {
		_ = s.srcLn.Close()
		return nil, fmt.Errorf("listen destination %s: %w", cfg.DestAddr, err)
	}
	if cfg.DestWSAddr != "" {
		if s.wsLn, err = net.Listen("tcp", cfg.DestWSAddr); err != nil {
			_ = s.srcLn.Close()
			_ = s.dstLn.Close()
			return nil, fmt.Errorf("listen websocket destination %s: %w", cfg.DestWSAddr, err)
		}
	}
	return s, nil
}

// ListenAndServe binds the endpoints and serves until ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loops until ctx is cancelled. On return every
// listener and admitted connection is closed and every task has finished.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	s.log.Info("source endpoint listening", "addr", s.srcLn.Addr())
	s.log.Info("destination endpoint listening", "addr", s.dstLn.Addr())

	g.Go(func() error {
		return s.acceptLoop(ctx, s.srcLn, metrics.RoleSource, s.handleSource)
	})
	g.Go(func() error {
		return s.acceptLoop(ctx, s.dstLn, metrics.RoleDestination, s.handleDestination)
	})
	if s.wsLn != nil {
		s.log.Info("websocket destination endpoint listening", "addr", s.wsLn.Addr())
		g.Go(func() error {
			return s.serveWS(ctx, s.wsLn)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		_ = s.srcLn.Close()
		_ = s.dstLn.Close()
		s.closeAll()
		return nil
	})

	err := g.Wait()
	s.pool.Wait()
	return err
}

// closeAll closes every registered connection. Tasks notice through their
// own read or write failing and unregister themselves.
func (s *Server) closeAll() {
	for _, h := range s.reg.Handles() {
		_ = h.Close()
	}
}

// SourceAddr returns the bound source address.
func (s *Server) SourceAddr() net.Addr { return s.srcLn.Addr() }

// DestAddr returns the bound destination address.
func (s *Server) DestAddr() net.Addr { return s.dstLn.Addr() }

// DestWSAddr returns the bound WebSocket destination address, or nil if
// the endpoint is disabled.
func (s *Server) DestWSAddr() net.Addr {
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// SourceConnected reports whether a source is registered.
func (s *Server) SourceConnected() bool {
	_, ok := s.reg.Source()
	return ok
}

// DestinationCount returns the number of registered destinations.
func (s *Server) DestinationCount() int { return s.reg.Len() }

// Status summarises membership and worker usage.
func (s *Server) Status() metrics.Status {
	return metrics.Status{
		SourceConnected: s.SourceConnected(),
		Destinations:    s.DestinationCount(),
		WorkersInUse:    s.pool.InUse(),
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, role string, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%s listener closed: %w", role, err)
			}
			s.log.Warn("accept failed", "role", role, "error", err)
			s.cfg.Metrics.ConnectionError(role, metrics.ReasonAcceptFailed)
			continue
		}
		relay.SetTCPKeepAlive(conn, s.cfg.TCPKeepAlive)
		handle(ctx, conn)
	}
}

func (s *Server) handleSource(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	h := s.reg.NewHandle(registry.RoleSource, remote, nil, conn.Close)

	if err := s.reg.TryRegisterSource(h); err != nil {
		s.log.Warn("rejecting source", "conn", h.ID(), "remote", remote, "error", err)
		s.cfg.Metrics.ConnectionError(metrics.RoleSource, metrics.ReasonSourceRejected)
		_ = h.Close()
		return
	}

	err := s.pool.Go(ctx, func(ctx context.Context) {
		s.runSource(ctx, h, conn)
	})
	if err != nil {
		s.reg.Remove(h.ID())
		_ = h.Close()
		s.rejectSaturated(h, err)
	}
}

func (s *Server) runSource(ctx context.Context, h *registry.Handle, conn net.Conn) {
	log := s.log.With("conn", h.ID(), "role", h.Role().String(), "remote", h.Addr())
	log.Info("source connected")

	start := time.Now()
	tracker := s.cfg.Metrics.ConnectionOpened(metrics.RoleSource)
	s.cfg.Metrics.SetSourceConnected(true)

	stop := context.AfterFunc(ctx, func() { _ = h.Close() })
	defer stop()

	cr := &countingReader{r: conn}
	rd := stream.New(cr, stream.Config{
		MaxPayload:     s.cfg.MaxPayload,
		MaxResyncBytes: s.cfg.MaxResyncBytes,
		OnDrop: func(err error, discarded int) {
			log.Debug("dropped input", "reason", metrics.DropReason(err), "bytes", discarded)
			s.cfg.Metrics.FrameDropped(metrics.DropReason(err), discarded)
		},
	})

	var err error
	for {
		var f protocol.Frame
		if f, err = rd.Next(); err != nil {
			break
		}
		s.engine.Broadcast(f)
	}

	s.cfg.Metrics.SetSourceConnected(false)
	s.reg.Remove(h.ID())
	_ = h.Close()

	switch {
	case errors.Is(err, io.EOF) || ctx.Err() != nil:
		err = nil
		log.Info("source disconnected", "bytes", cr.n)
	case errors.Is(err, protocol.ErrProtocol) || errors.Is(err, stream.ErrResyncLimit):
		log.Warn("closing source", "reason", metrics.DropReason(err), "error", err)
		s.cfg.Metrics.ConnectionError(metrics.RoleSource, metrics.DropReason(err))
	default:
		log.Warn("source read failed", "error", err)
		s.cfg.Metrics.ConnectionError(metrics.RoleSource, metrics.ReasonReadFailed)
	}
	tracker.Done(time.Since(start).Seconds(), cr.n, 0, err)
}

func (s *Server) handleDestination(ctx context.Context, conn net.Conn) {
	relay.SetNoDelay(conn)
	drain := func() (int64, error) {
		return io.Copy(io.Discard, conn)
	}
	s.addDestination(ctx, conn.RemoteAddr().String(), relay.NewConnWriter(conn), conn.Close, drain)
}

// addDestination registers a destination and schedules its writer. drain
// blocks until the peer goes away, discarding anything it sends.
func (s *Server) addDestination(ctx context.Context, remote string, w relay.FrameWriter, closeFn func() error, drain func() (int64, error)) {
	out := relay.NewOutbound(w, s.cfg.QueueDepth, s.cfg.WriteTimeout)
	h := s.reg.NewHandle(registry.RoleDestination, remote, out, func() error {
		out.Close()
		return closeFn()
	})
	s.outbounds.Store(h.ID(), out)
	s.reg.RegisterDestination(h)

	err := s.pool.Go(ctx, func(ctx context.Context) {
		s.runDestination(ctx, h, out, drain)
	})
	if err != nil {
		s.reg.Remove(h.ID())
		s.outbounds.Delete(h.ID())
		_ = h.Close()
		s.rejectSaturated(h, err)
	}
}

func (s *Server) runDestination(ctx context.Context, h *registry.Handle, out *relay.Outbound, drain func() (int64, error)) {
	log := s.log.With("conn", h.ID(), "role", h.Role().String(), "remote", h.Addr())
	log.Info("destination connected")

	start := time.Now()
	tracker := s.cfg.Metrics.ConnectionOpened(metrics.RoleDestination)

	stop := context.AfterFunc(ctx, func() { _ = h.Close() })
	defer stop()

	var drained int64
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		n, err := drain()
		drained = n
		// Broadcast skips dead handles, so a hang-up is never mistaken for
		// an eviction while the handle is still in the snapshot.
		h.MarkDead()
		if err != nil {
			out.CloseWithError(fmt.Errorf("%w: %w", errPeerClosed, err))
			return
		}
		out.CloseWithError(errPeerClosed)
	}()

	err := out.Run(ctx)

	s.reg.Remove(h.ID())
	s.outbounds.Delete(h.ID())
	_ = h.Close()
	<-drainDone

	switch {
	case ctx.Err() != nil, errors.Is(err, errPeerClosed), errors.Is(err, relay.ErrOutboundClosed):
		err = nil
		log.Info("destination disconnected", "bytes", out.BytesWritten())
	default:
		log.Warn("destination terminated", "reason", metrics.WriteReason(err), "error", err)
		s.cfg.Metrics.ConnectionError(metrics.RoleDestination, metrics.WriteReason(err))
	}
	tracker.Done(time.Since(start).Seconds(), drained, out.BytesWritten(), err)
}

// evicted is the engine's eviction hook.
func (s *Server) evicted(h *registry.Handle) {
	reason := metrics.ReasonQueueOverflow
	if v, ok := s.outbounds.Load(h.ID()); ok {
		if err := v.(*relay.Outbound).Err(); err != nil {
			reason = metrics.WriteReason(err)
		}
	}
	s.cfg.Metrics.DestinationEvicted(reason)
}

func (s *Server) rejectSaturated(h *registry.Handle, err error) {
	role := h.Role().String()
	if errors.Is(err, pool.ErrSaturated) {
		s.log.Warn("worker pool saturated, closing connection", "conn", h.ID(), "role", role, "remote", h.Addr(), "workers", s.pool.Size())
		s.cfg.Metrics.ConnectionError(role, metrics.ReasonPoolSaturated)
		return
	}
	s.log.Debug("connection not scheduled", "conn", h.ID(), "role", role, "error", err)
}

// countingReader counts bytes read from the source. It is only used from
// the source task.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
