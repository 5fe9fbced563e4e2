package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultQueueDepth is the number of frames a destination may lag
	// behind before it is treated as overrun.
	DefaultQueueDepth = 256

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second
)

var (
	// ErrQueueFull is the termination cause of a destination whose queue
	// overflowed.
	ErrQueueFull = errors.New("relay: outbound queue full")

	// ErrOutboundClosed is returned by Run after Close.
	ErrOutboundClosed = errors.New("relay: outbound closed")
)

// Outbound is a destination's bounded FIFO of encoded frames, drained by a
// single writer so per-destination order matches enqueue order.
type Outbound struct {
	w            FrameWriter
	writeTimeout time.Duration
	queue        chan []byte

	done      chan struct{}
	closeOnce sync.Once
	cause     atomic.Pointer[error]

	written atomic.Int64
}

// NewOutbound returns an Outbound writing through w. depth <= 0 means
// DefaultQueueDepth; writeTimeout <= 0 means DefaultWriteTimeout.
func NewOutbound(w FrameWriter, depth int, writeTimeout time.Duration) *Outbound {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Outbound{
		w:            w,
		writeTimeout: writeTimeout,
		queue:        make(chan []byte, depth),
		done:         make(chan struct{}),
	}
}

// Send enqueues frame without blocking. A full queue closes the Outbound
// with ErrQueueFull and returns false.
func (o *Outbound) Send(frame []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.queue <- frame:
		return true
	default:
		o.CloseWithError(fmt.Errorf("%w (%d frames pending)", ErrQueueFull, cap(o.queue)))
		return false
	}
}

// Run writes queued frames until ctx is cancelled, the Outbound is closed,
// or a write fails. It returns the cause.
func (o *Outbound) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.CloseWithError(ctx.Err())
			return o.Err()
		case <-o.done:
			return o.Err()
		case frame := <-o.queue:
			if err := o.w.WriteFrame(ctx, frame, o.writeTimeout); err != nil {
				o.CloseWithError(fmt.Errorf("write frame: %w", err))
				return o.Err()
			}
			o.written.Add(int64(len(frame)))
		}
	}
}

// Close stops the Outbound. Pending frames are discarded.
func (o *Outbound) Close() {
	o.CloseWithError(ErrOutboundClosed)
}

// CloseWithError stops the Outbound, recording err as the cause if it is
// the first close.
func (o *Outbound) CloseWithError(err error) {
	o.closeOnce.Do(func() {
		o.cause.Store(&err)
		close(o.done)
	})
}

// Done is closed when the Outbound stops.
func (o *Outbound) Done() <-chan struct{} { return o.done }

// Err returns the close cause, or nil while running.
func (o *Outbound) Err() error {
	if p := o.cause.Load(); p != nil {
		return *p
	}
	return nil
}

// BytesWritten returns the bytes successfully written.
func (o *Outbound) BytesWritten() int64 { return o.written.Load() }
