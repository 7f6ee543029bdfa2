package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tunneld/tunneld/internal/metrics"
)

// udpDatagramTimeout bounds how long a single datagram's round trip
// (open bridge, send payload, await exactly one reply) may take before
// the worker gives up and releases the bridge.
const udpDatagramTimeout = 30 * time.Second

// UDPWorker relays datagrams on a single public UDP port. UDP has no
// connection setup and no session state across datagrams, even from
// the same peer: every inbound datagram opens its own bridge, sends
// its payload, awaits exactly one reply, writes it back to the
// sender, and closes the bridge.
//
// UDPWorker implements transport.Listener.
type UDPWorker struct {
	port    uint16
	session *ControlSession
	metrics *metrics.Metrics
	log     *slog.Logger

	pc net.PacketConn
	wg sync.WaitGroup
}

// NewUDPWorker binds port and returns a worker ready to Start.
func NewUDPWorker(port uint16, session *ControlSession, m *metrics.Metrics, log *slog.Logger) (*UDPWorker, error) {
	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("udp worker listen: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &UDPWorker{
		port:    port,
		session: session,
		metrics: m,
		log:     log.With("component", "udp-worker", "port", port),
		pc:      pc,
	}, nil
}

// Start reads datagrams until ctx is cancelled or the socket fails.
func (w *UDPWorker) Start(ctx context.Context) error {
	w.log.Info("starting")

	go func() {
		<-ctx.Done()
		w.pc.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := w.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("udp worker read: %w", err)
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		w.metrics.Bytes("udp", "up", n)

		w.wg.Add(1)
		go w.relayDatagram(ctx, addr, chunk)
	}

	w.wg.Wait()
	return nil
}

// Stop closes the socket and waits for in-flight datagram round trips
// to finish.
func (w *UDPWorker) Stop(_ context.Context) error {
	w.log.Info("shutting down")
	w.pc.Close()
	w.wg.Wait()
	return nil
}

// relayDatagram performs the one-shot exchange for a single inbound
// datagram: open bridge, await the Sender handshake, send the
// payload, await exactly one Data reply, write it back to addr, then
// close the bridge.
func (w *UDPWorker) relayDatagram(ctx context.Context, addr net.Addr, payload []byte) {
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, udpDatagramTimeout)
	defer cancel()

	bridge, err := w.session.OpenBridge(ctx)
	if err != nil {
		w.log.Debug("open bridge failed", "addr", addr.String(), "error", err)
		return
	}
	w.metrics.BridgeOpened("udp")
	defer w.metrics.BridgeClosed("udp")
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

	select {
	case sender <- payload:
	case <-ctx.Done():
		close(sender)
		return
	}
	close(sender)

	select {
	case data, ok := <-bridge.Downlink:
		if !ok {
			return
		}
		switch f := data.(type) {
		case DataFrame:
			if _, err := w.pc.WriteTo(f.Payload, addr); err != nil {
				w.log.Debug("write reply failed", "addr", addr.String(), "error", err)
				return
			}
			w.metrics.Bytes("udp", "down", len(f.Payload))
		case CloseFrame:
			return
		}
	case <-ctx.Done():
		return
	}
}
