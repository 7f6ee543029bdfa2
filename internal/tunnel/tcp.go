package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tunneld/tunneld/internal/metrics"
)

// TCPWorker accepts connections on a single public TCP port and
// relays each one through a fresh bridge on session.
//
// TCPWorker implements transport.Listener.
type TCPWorker struct {
	port    uint16
	session *ControlSession
	metrics *metrics.Metrics
	log     *slog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// NewTCPWorker binds port and returns a worker ready to Start.
func NewTCPWorker(port uint16, session *ControlSession, m *metrics.Metrics, log *slog.Logger) (*TCPWorker, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("tcp worker listen: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &TCPWorker{
		port:    port,
		session: session,
		metrics: m,
		log:     log.With("component", "tcp-worker", "port", port),
		ln:      ln,
	}, nil
}

// Start accepts connections until ctx is cancelled or the listener
// fails permanently.
func (w *TCPWorker) Start(ctx context.Context) error {
	w.log.Info("starting")

	go func() {
		<-ctx.Done()
		w.ln.Close()
	}()

	for {
		conn, err := w.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("tcp worker accept: %w", err)
		}
		w.wg.Add(1)
		go w.relay(ctx, conn)
	}

	w.wg.Wait()
	return nil
}

// Stop closes the listener and waits for in-flight relays to finish.
func (w *TCPWorker) Stop(_ context.Context) error {
	w.log.Info("shutting down")
	w.ln.Close()
	w.wg.Wait()
	return nil
}

func (w *TCPWorker) relay(ctx context.Context, conn net.Conn) {
	defer w.wg.Done()
	defer conn.Close()

	bridge, err := w.session.OpenBridge(ctx)
	if err != nil {
		w.log.Debug("open bridge failed", "error", err)
		return
	}
	w.metrics.BridgeOpened("tcp")
	defer w.metrics.BridgeClosed("tcp")
	defer w.session.CloseBridge(bridge.StreamID)

	var sender chan<- []byte
	for sender == nil {
		select {
		case data := <-bridge.Downlink:
			switch f := data.(type) {
			case SenderFrame:
				sender = f.Upstream
			case CloseFrame:
				return
			}
		case <-ctx.Done():
			return
		}
	}
	readDone := make(chan struct{})
	go func() {
		// sender has exactly one writer: this goroutine. It closes
		// sender itself once done, rather than relay closing it out
		// from under a still-running Read.
		defer close(sender)
		defer close(readDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				w.metrics.Bytes("tcp", "up", n)
				select {
				case sender <- chunk:
				case <-bridge.closeCh:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-bridge.Downlink:
			if !ok {
				return
			}
			switch f := data.(type) {
			case DataFrame:
				if _, err := conn.Write(f.Payload); err != nil {
					return
				}
				w.metrics.Bytes("tcp", "down", len(f.Payload))
			case CloseFrame:
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			return
		}
	}
}
