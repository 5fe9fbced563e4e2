// Package stream turns a byte stream into validated CTMP frames.
//
// A Reader owns a growable accumulator and moves through an explicit state
// machine:
//
//	Accumulating → Parsing → Dispatch → Accumulating
//	                       ↘ Resync   ↗
//
// Closed is terminal. Bad magic bytes are skipped by scanning forward to the
// next sentinel, checksum failures drop exactly one frame, and oversized
// length fields or too much consecutive garbage close the stream.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/philsphicas/ctmprelay/internal/protocol"
)

const (
	// DefaultMaxResyncBytes bounds the consecutive bytes discarded while
	// searching for a frame start before the stream is given up on.
	DefaultMaxResyncBytes = 64 * 1024

	readChunk = 32 * 1024
)

// ErrResyncLimit is returned when more than MaxResyncBytes consecutive bytes
// had to be discarded without finding a valid frame.
var ErrResyncLimit = errors.New("stream: resync limit exceeded")

// State is a Reader state.
type State int

const (
	Accumulating State = iota
	Parsing
	Dispatch
	Resync
	Closed
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Parsing:
		return "parsing"
	case Dispatch:
		return "dispatch"
	case Resync:
		return "resync"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes a Reader.
type Config struct {
	// MaxPayload is passed to protocol.Parse. Zero means protocol.MaxPayloadLen.
	MaxPayload int
	// MaxResyncBytes is the resync budget. Zero means DefaultMaxResyncBytes.
	MaxResyncBytes int
	// OnDrop is called for every dropped frame or discarded garbage span.
	// err is protocol.ErrBadMagic or protocol.ErrChecksumMismatch (possibly
	// wrapped); discarded is the number of bytes thrown away. It runs on the
	// reading goroutine and must not block.
	OnDrop func(err error, discarded int)
}

// Reader reads CTMP frames from an io.Reader. It is not safe for
// concurrent use.
type Reader struct {
	r     io.Reader
	cfg   Config
	buf   []byte // bytes not yet consumed are buf[off:]
	off   int
	chunk []byte
	state State
	err   error

	// resynced counts consecutive bytes discarded since the last valid frame.
	resynced int
}

// New returns a Reader pulling bytes from r.
func New(r io.Reader, cfg Config) *Reader {
	if cfg.MaxPayload <= 0 || cfg.MaxPayload > protocol.MaxPayloadLen {
		cfg.MaxPayload = protocol.MaxPayloadLen
	}
	if cfg.MaxResyncBytes <= 0 {
		cfg.MaxResyncBytes = DefaultMaxResyncBytes
	}
	return &Reader{
		r:     r,
		cfg:   cfg,
		chunk: make([]byte, readChunk),
		state: Accumulating,
	}
}

// State returns the current state.
func (r *Reader) State() State { return r.state }

// Next returns the next valid frame. Once it returns an error the Reader is
// Closed and every later call returns the same error. A clean EOF between
// frames is reported as io.EOF; EOF inside a frame as io.ErrUnexpectedEOF.
func (r *Reader) Next() (protocol.Frame, error) {
	for {
		switch r.state {
		case Closed:
			return protocol.Frame{}, r.err

		case Accumulating:
			if err := r.fill(); err != nil {
				r.close(err)
				continue
			}
			r.state = Parsing

		case Parsing:
			f, n, err := protocol.Parse(r.buf[r.off:], r.cfg.MaxPayload)
			switch {
			case err == nil:
				r.consume(n)
				r.resynced = 0
				r.state = Dispatch
				return f, nil
			case errors.Is(err, protocol.ErrIncomplete):
				r.state = Accumulating
			case errors.Is(err, protocol.ErrBadMagic):
				r.state = Resync
			case errors.Is(err, protocol.ErrChecksumMismatch):
				r.consume(n)
				r.drop(err, n)
				// A well-formed frame boundary was found, so the stream is in sync.
				r.resynced = 0
			default:
				r.close(err)
			}

		case Dispatch:
			// The previous frame was handed out; keep parsing what is buffered.
			r.state = Parsing

		case Resync:
			pending := r.buf[r.off:]
			skip := bytes.IndexByte(pending[1:], protocol.Magic) + 1
			if skip == 0 {
				skip = len(pending)
			}
			r.consume(skip)
			r.drop(protocol.ErrBadMagic, skip)
			r.resynced += skip
			if r.resynced > r.cfg.MaxResyncBytes {
				r.close(fmt.Errorf("%w: %d bytes discarded", ErrResyncLimit, r.resynced))
				continue
			}
			if r.off == len(r.buf) {
				r.state = Accumulating
			} else {
				r.state = Parsing
			}
		}
	}
}

// fill blocks until at least one more byte is appended to the accumulator.
// Consumed bytes are reclaimed here, so each read moves at most one partial
// frame.
func (r *Reader) fill() error {
	if r.off > 0 {
		rest := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:rest]
		r.off = 0
	}
	for {
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(r.buf) > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

func (r *Reader) consume(n int) {
	r.off += n
	if r.off == len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
	}
}

func (r *Reader) drop(err error, n int) {
	if r.cfg.OnDrop != nil {
		r.cfg.OnDrop(err, n)
	}
}

func (r *Reader) close(err error) {
	r.state = Closed
	r.err = err
	r.buf = nil
	r.off = 0
}
