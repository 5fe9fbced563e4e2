// Package protocol defines the CTMP wire format relayed by ctmprelay.
//
// Every frame is a fixed 8-byte header followed by an opaque payload. All
// multi-byte integers are big-endian:
//
//	offset  size  field
//	0       1     magic (0xCC)
//	1       1     options (0x40 = sensitive)
//	2       2     payload length
//	4       2     checksum (validated only for sensitive frames)
//	6       2     padding (zero on write, ignored on read)
//	8       N     payload
//
// The package is pure: nothing here performs I/O or holds state.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// Magic is the sentinel value every frame starts with.
	Magic byte = 0xCC

	// HeaderLen is the size of the fixed frame header.
	HeaderLen = 8

	// FlagSensitive marks a frame whose checksum must validate before it
	// is forwarded.
	FlagSensitive byte = 0x40

	// MaxPayloadLen is the largest payload the 16-bit length field can carry.
	MaxPayloadLen = math.MaxUint16
)

var (
	// ErrProtocol is the parent of every frame-level validation error.
	ErrProtocol = errors.New("ctmp protocol error")

	ErrBadMagic         = fmt.Errorf("%w: bad magic byte", ErrProtocol)
	ErrLengthOverflow   = fmt.Errorf("%w: payload length exceeds limit", ErrProtocol)
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrProtocol)

	// ErrIncomplete signals that more bytes are needed. It is not a
	// validation failure and does not wrap ErrProtocol.
	ErrIncomplete = errors.New("ctmp: incomplete frame")

	// ErrPayloadTooLarge is returned by Serialize when the payload does not
	// fit in the length field.
	ErrPayloadTooLarge = errors.New("ctmp: payload too large")
)

// Frame is one validated CTMP message.
type Frame struct {
	Options  byte
	Checksum uint16
	Payload  []byte
}

// Sensitive reports whether the frame carries the sensitive flag.
func (f Frame) Sensitive() bool {
	return f.Options&FlagSensitive != 0
}

// Len returns the encoded size of the frame.
func (f Frame) Len() int {
	return HeaderLen + len(f.Payload)
}

// Encode returns the wire form of a parsed frame for forwarding. Options,
// length, checksum and payload are carried over unchanged; padding is
// written as zero.
func (f Frame) Encode() []byte {
	buf := make([]byte, f.Len())
	putHeader(buf, f.Options, uint16(len(f.Payload)), f.Checksum)
	copy(buf[HeaderLen:], f.Payload)
	return buf
}

// Parse decodes the frame at the head of buf. maxPayload bounds the
// declared payload length; values <= 0 or above MaxPayloadLen mean
// MaxPayloadLen.
//
// On success it returns the frame and the number of bytes consumed. On
// ErrChecksumMismatch the consumed count still covers the whole frame so the
// caller can skip it. For every other error the count is zero.
func Parse(buf []byte, maxPayload int) (Frame, int, error) {
	if maxPayload <= 0 || maxPayload > MaxPayloadLen {
		maxPayload = MaxPayloadLen
	}
	if len(buf) == 0 {
		return Frame{}, 0, ErrIncomplete
	}
	if buf[0] != Magic {
		return Frame{}, 0, ErrBadMagic
	}
	if len(buf) < HeaderLen {
		return Frame{}, 0, ErrIncomplete
	}

	options := buf[1]
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	checksum := binary.BigEndian.Uint16(buf[4:6])

	if length > maxPayload {
		return Frame{}, 0, fmt.Errorf("%w: %d > %d", ErrLengthOverflow, length, maxPayload)
	}
	total := HeaderLen + length
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}

	body := buf[HeaderLen:total]
	if options&FlagSensitive != 0 {
		if got := Checksum(buf[:HeaderLen], body); got != checksum {
			return Frame{}, total, fmt.Errorf("%w: header 0x%04x, computed 0x%04x", ErrChecksumMismatch, checksum, got)
		}
	}

	payload := make([]byte, length)
	copy(payload, body)
	return Frame{Options: options, Checksum: checksum, Payload: payload}, total, nil
}

// Serialize builds a wire frame around payload. Sensitive frames carry a
// computed checksum; other frames carry zero.
func Serialize(payload []byte, sensitive bool) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	var options byte
	if sensitive {
		options |= FlagSensitive
	}
	buf := make([]byte, HeaderLen+len(payload))
	putHeader(buf, options, uint16(len(payload)), 0)
	copy(buf[HeaderLen:], payload)
	if sensitive {
		binary.BigEndian.PutUint16(buf[4:6], Checksum(buf[:HeaderLen], payload))
	}
	return buf, nil
}

func putHeader(buf []byte, options byte, length, checksum uint16) {
	buf[0] = Magic
	buf[1] = options
	binary.BigEndian.PutUint16(buf[2:4], length)
	binary.BigEndian.PutUint16(buf[4:6], checksum)
	buf[6] = 0
	buf[7] = 0
}
