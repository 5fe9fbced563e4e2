package relay

import (
	"context"
	"net"
	"time"
)

// SetTCPKeepAlive enables TCP keepalive on the connection if it is a
// *net.TCPConn and d > 0.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}

// SetNoDelay disables Nagle's algorithm so small frames go out immediately.
func SetNoDelay(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
}

// FrameWriter writes one encoded frame to a destination. Implementations
// must give up once timeout has elapsed.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame []byte, timeout time.Duration) error
}

// ConnWriter writes frames to a net.Conn, bounding each write with a
// write deadline.
type ConnWriter struct {
	conn net.Conn
}

// NewConnWriter returns a FrameWriter for conn.
func NewConnWriter(conn net.Conn) *ConnWriter {
	return &ConnWriter{conn: conn}
}

// WriteFrame writes frame in full or returns the first error. Context
// cancellation aborts a blocked write by expiring the deadline.
func (w *ConnWriter) WriteFrame(ctx context.Context, frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetWriteDeadline(time.Now())
	})
	defer stop()
	_, err := w.conn.Write(frame)
	return err
}
