package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tunneld/tunneld/internal/metrics"
	"github.com/tunneld/tunneld/internal/protocol"
)

// ControlListener accepts client connections on the control port,
// wraps each in a CBORConn, and runs a ControlSession for its
// lifetime.
//
// ControlListener implements transport.Listener.
type ControlListener struct {
	ln        net.Listener
	registrar Registrar
	metrics   *metrics.Metrics
	log       *slog.Logger

	wg sync.WaitGroup
}

// NewControlListener binds addr.
func NewControlListener(addr string, registrar Registrar, m *metrics.Metrics, log *slog.Logger) (*ControlListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control listener listen: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &ControlListener{
		ln:        ln,
		registrar: registrar,
		metrics:   m,
		log:       log.With("component", "control-listener"),
	}, nil
}

// Start accepts control connections until ctx is cancelled.
func (l *ControlListener) Start(ctx context.Context) error {
	l.log.Info("starting", "address", l.ln.Addr().String())

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("control listener accept: %w", err)
		}
		l.wg.Add(1)
		go l.serve(ctx, conn)
	}

	l.wg.Wait()
	return nil
}

// Stop closes the listener and waits for in-flight sessions to end.
func (l *ControlListener) Stop(_ context.Context) error {
	l.log.Info("shutting down")
	l.ln.Close()
	l.wg.Wait()
	return nil
}

func (l *ControlListener) serve(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	wire, err := protocol.NewCBORConn(conn)
	if err != nil {
		l.log.Warn("failed to wrap control connection", "error", err)
		conn.Close()
		return
	}
	defer wire.Close()

	session := NewControlSession(wire, l.registrar, l.metrics, l.log)
	if err := session.Run(ctx); err != nil && ctx.Err() == nil {
		l.log.Debug("control session ended", "remote", conn.RemoteAddr(), "error", err)
	}
}
