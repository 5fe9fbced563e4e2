package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/ctmprelay/internal/metrics"
)

// wsWriter sends each frame as one binary WebSocket message.
type wsWriter struct {
	ws *websocket.Conn
}

func (w *wsWriter) WriteFrame(ctx context.Context, frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return w.ws.Write(ctx, websocket.MessageBinary, frame)
}

// serveWS runs the WebSocket destination endpoint until ctx is cancelled.
func (s *Server) serveWS(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.wsHandler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}

// wsHandler upgrades each request and registers it as a destination. The
// connection outlives the handler, so it is bound to the server context
// rather than the request's.
func (s *Server) wsHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			s.cfg.Metrics.ConnectionError(metrics.RoleDestination, metrics.ReasonAcceptFailed)
			return
		}

		// Destinations never send data; CloseRead answers pings and close
		// frames and reports when the peer goes away.
		readCtx := ws.CloseRead(ctx)
		drain := func() (int64, error) {
			<-readCtx.Done()
			return 0, nil
		}
		s.addDestination(ctx, r.RemoteAddr, &wsWriter{ws: ws}, ws.CloseNow, drain)
	})
}
