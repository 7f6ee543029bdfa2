// Package tunnel implements the server-side tunnel data plane: the
// port allocator, the bridge/registry plumbing that couples a user
// connection to a stream on the control channel, the TCP/UDP/HTTP
// tunnel workers, the per-client control session state machine, and
// the coordinator that boots all of it.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tunneld/tunneld/internal/metrics"
	"github.com/tunneld/tunneld/internal/protocol"
	"github.com/tunneld/tunneld/internal/transport"
)

// Config is the set of boot-time parameters the coordinator needs.
type Config struct {
	ControlAddress      string
	VHTTPAddress        string
	VHTTPDefaultDomain  string
	VHTTPBehindProxyTLS bool
	PortRangeLow        uint16
	PortRangeHigh       uint16
}

// Coordinator boots the control listener and the vhttp listener,
// dispatches registrations to the right tunnel worker, and propagates
// shutdown to every component it owns. It implements Registrar for
// the control sessions it creates.
type Coordinator struct {
	cfg     Config
	ports   *PortManager
	vhttp   *VHTTPRouter
	metrics *metrics.Metrics
	log     *slog.Logger

	controlListener *ControlListener

	mu        sync.Mutex
	tcpByPort map[uint16]*runningWorker
	udpByPort map[uint16]*runningWorker
}

// ActivePorts reports the public ports currently bound by TCP and UDP
// tunnel workers, for diagnostics.
func (c *Coordinator) ActivePorts() (tcp, udp []uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.tcpByPort {
		tcp = append(tcp, p)
	}
	for p := range c.udpByPort {
		udp = append(udp, p)
	}
	return tcp, udp
}

type runningWorker struct {
	stop context.CancelFunc
	done <-chan struct{}
}

// NewCoordinator builds the coordinator, binding both its vhttp router
// and its control listener, but starts neither — call Listeners to
// obtain the full set of transport.Listener values to pass to
// transport.Serve.
func NewCoordinator(cfg Config, m *metrics.Metrics, log *slog.Logger) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	ports, err := NewPortManager(cfg.PortRangeLow, cfg.PortRangeHigh)
	if err != nil {
		return nil, err
	}
	vhttp, err := NewVHTTPRouter(cfg.VHTTPAddress, cfg.VHTTPDefaultDomain, cfg.VHTTPBehindProxyTLS, m, log)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:       cfg,
		ports:     ports,
		vhttp:     vhttp,
		metrics:   m,
		log:       log.With("component", "coordinator"),
		tcpByPort: make(map[uint16]*runningWorker),
		udpByPort: make(map[uint16]*runningWorker),
	}
	cl, err := NewControlListener(cfg.ControlAddress, c, m, log)
	if err != nil {
		return nil, err
	}
	c.controlListener = cl
	return c, nil
}

// Listeners returns every transport.Listener the coordinator owns, in
// the order they should be started: control listener first so
// clients can connect while the vhttp listener comes up.
func (c *Coordinator) Listeners() []transport.Listener {
	return []transport.Listener{c.controlListener, c.vhttp}
}

// Register implements Registrar. It is called by a ControlSession
// whenever its client issues a RegisterRequest.
func (c *Coordinator) Register(ctx context.Context, session *ControlSession, req protocol.RegisterRequest) (protocol.RegisterReply, error) {
	switch req.Kind {
	case protocol.KindTCP:
		return c.registerTCP(ctx, session, req)
	case protocol.KindUDP:
		return c.registerUDP(ctx, session, req)
	case protocol.KindHTTP:
		return c.registerHTTP(ctx, session, req)
	default:
		return protocol.RegisterReply{}, &ErrInvalidRegistration{Reason: fmt.Sprintf("unknown kind %v", req.Kind)}
	}
}

func (c *Coordinator) registerTCP(ctx context.Context, session *ControlSession, req protocol.RegisterRequest) (protocol.RegisterReply, error) {
	port, err := c.allocatePortWorker(ctx, session, req.Port, c.tcpByPort, func(port uint16) (portWorker, error) {
		return NewTCPWorker(port, session, c.metrics, c.log)
	})
	if err != nil {
		return protocol.RegisterReply{}, err
	}
	return protocol.RegisterReply{Port: port, Status: protocol.StatusOK}, nil
}

func (c *Coordinator) registerUDP(ctx context.Context, session *ControlSession, req protocol.RegisterRequest) (protocol.RegisterReply, error) {
	port, err := c.allocatePortWorker(ctx, session, req.Port, c.udpByPort, func(port uint16) (portWorker, error) {
		return NewUDPWorker(port, session, c.metrics, c.log)
	})
	if err != nil {
		return protocol.RegisterReply{}, err
	}
	return protocol.RegisterReply{Port: port, Status: protocol.StatusOK}, nil
}

// registerHTTP routes by domain or subdomain through the shared vhttp
// listener when the client asked for host-based dispatch. Otherwise
// it falls back to a uniquely allocated port, served directly the
// same way a TCP tunnel is: there is no vhost to dispatch on, so the
// public connection is bridged byte-for-byte like any other TCP
// stream.
func (c *Coordinator) registerHTTP(ctx context.Context, session *ControlSession, req protocol.RegisterRequest) (protocol.RegisterReply, error) {
	if req.Domain != "" || req.Subdomain != "" {
		host, err := httpHost(req, c.vhttp.DefaultDomain())
		if err != nil {
			return protocol.RegisterReply{}, err
		}
		if err := c.vhttp.Register(host, session); err != nil {
			return protocol.RegisterReply{}, err
		}
		go func() {
			<-session.Done()
			c.vhttp.Unregister(host)
		}()
		return protocol.RegisterReply{HostKey: host, Status: protocol.StatusOK}, nil
	}

	port, err := c.allocatePortWorker(ctx, session, req.Port, c.tcpByPort, func(port uint16) (portWorker, error) {
		return NewTCPWorker(port, session, c.metrics, c.log)
	})
	if err != nil {
		return protocol.RegisterReply{}, err
	}
	return protocol.RegisterReply{Port: port, Status: protocol.StatusOK}, nil
}

// httpHost resolves the effective Host key for a RegisterRequest that
// already carries a domain or subdomain, preferring the explicit
// domain over a subdomain of the server's default domain. Callers
// with neither fall back to direct port binding instead of calling
// this.
func httpHost(req protocol.RegisterRequest, defaultDomain string) (string, error) {
	if req.Domain != "" {
		return req.Domain, nil
	}
	if defaultDomain == "" {
		return "", &ErrInvalidRegistration{Reason: "subdomain registration requires a configured default domain"}
	}
	return fmt.Sprintf("%s.%s", req.Subdomain, defaultDomain), nil
}

// portWorker is the common surface of TCPWorker and UDPWorker that
// runWorker needs to drive.
type portWorker interface {
	Start(context.Context) error
}

// allocatePortWorker allocates a port for req's preference, builds a
// worker on it via newWorker, and starts it under runWorker. A bind
// failure removes the port permanently (PortManager.Remove, not
// Release, since the port is known unbindable) and, for a dynamic
// request (preferred == 0), retries with a fresh port; a bind failure
// on an explicitly requested port is surfaced immediately as
// ErrPortInUse.
func (c *Coordinator) allocatePortWorker(ctx context.Context, session *ControlSession, preferred uint16, table map[uint16]*runningWorker, newWorker func(port uint16) (portWorker, error)) (uint16, error) {
	for {
		port, err := c.ports.Allocate(preferred)
		if err != nil {
			return 0, err
		}
		c.metrics.SetPortsInUse(len(c.ports.InUse()))

		worker, err := newWorker(port)
		if err != nil {
			c.ports.Remove(port)
			c.metrics.SetPortsInUse(len(c.ports.InUse()))
			if preferred != 0 {
				return 0, &ErrPortInUse{Port: port}
			}
			c.log.Debug("bind failed, retrying with a fresh port", "port", port, "error", err)
			continue
		}
		c.runWorker(ctx, port, worker, table, session)
		return port, nil
	}
}

// runWorker starts worker under its own cancellable context, tracks
// it by port, and releases the port back to the pool once the worker
// exits for any reason.
func (c *Coordinator) runWorker(ctx context.Context, port uint16, worker portWorker, table map[uint16]*runningWorker, session *ControlSession) {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	table[port] = &runningWorker{stop: cancel, done: done}
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := worker.Start(workerCtx); err != nil {
			c.log.Warn("tunnel worker stopped", "port", port, "error", err)
		}
		cancel()
		c.ports.Release(port)
		c.metrics.SetPortsInUse(len(c.ports.InUse()))
		c.mu.Lock()
		delete(table, port)
		c.mu.Unlock()
	}()

	// Stop this worker the moment its owning session ends, so a
	// disconnected client's ports are released promptly rather than
	// waiting for server shutdown.
	go func() {
		select {
		case <-session.Done():
			cancel()
		case <-done:
		}
	}()
}
