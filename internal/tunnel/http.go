package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/tunneld/tunneld/internal/metrics"
)

// VHTTPRouter is the single shared virtual-host HTTP listener used by
// every HTTP tunnel registered by any client: it resolves the Host
// header of each inbound request to the session that owns it, opens
// a bridge on that session, and relays the request and response as
// raw bytes either way.
//
// VHTTPRouter implements transport.Listener.
type VHTTPRouter struct {
	ln             net.Listener
	defaultDomain  string
	behindProxyTLS bool
	metrics        *metrics.Metrics
	log            *slog.Logger

	mu     sync.Mutex
	routes map[string]*ControlSession
	wg     sync.WaitGroup
}

// NewVHTTPRouter binds addr. defaultDomain is appended to bare
// subdomain registrations to build the routable host.
func NewVHTTPRouter(addr, defaultDomain string, behindProxyTLS bool, m *metrics.Metrics, log *slog.Logger) (*VHTTPRouter, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("vhttp listen: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &VHTTPRouter{
		ln:             ln,
		defaultDomain:  defaultDomain,
		behindProxyTLS: behindProxyTLS,
		metrics:        m,
		log:            log.With("component", "vhttp-router"),
		routes:         make(map[string]*ControlSession),
	}, nil
}

// DefaultDomain returns the domain bare subdomain registrations route
// under.
func (r *VHTTPRouter) DefaultDomain() string { return r.defaultDomain }

// Register claims host exclusively for session, failing with
// ErrHostInUse if another tunnel already owns it.
func (r *VHTTPRouter) Register(host string, session *ControlSession) error {
	host = strings.ToLower(host)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[host]; exists {
		return &ErrHostInUse{Host: host}
	}
	r.routes[host] = session
	return nil
}

// Unregister releases host, e.g. when its owning session ends.
func (r *VHTTPRouter) Unregister(host string) {
	host = strings.ToLower(host)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, host)
}

func (r *VHTTPRouter) resolve(host string) (*ControlSession, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.routes[host]
	return s, ok
}

// Start accepts HTTP connections until ctx is cancelled or the
// listener fails permanently.
func (r *VHTTPRouter) Start(ctx context.Context) error {
	r.log.Info("starting")

	go func() {
		<-ctx.Done()
		r.ln.Close()
	}()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("vhttp accept: %w", err)
		}
		r.wg.Add(1)
		go r.handle(ctx, conn)
	}

	r.wg.Wait()
	return nil
}

// Stop closes the listener and waits for in-flight requests to
// finish.
func (r *VHTTPRouter) Stop(_ context.Context) error {
	r.log.Info("shutting down")
	r.ln.Close()
	r.wg.Wait()
	return nil
}

func (r *VHTTPRouter) handle(ctx context.Context, conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	session, ok := r.resolve(req.Host)
	if !ok {
		notFound(conn)
		return
	}

	if r.behindProxyTLS {
		req.Header.Set("X-Forwarded-Proto", "https")
	}

	bridge, err := session.OpenBridge(ctx)
	if err != nil {
		return
	}
	r.metrics.BridgeOpened("http")
	defer r.metrics.BridgeClosed("http")
	defer session.CloseBridge(bridge.StreamID)

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

	reqDone := make(chan struct{})
	go r.pumpRequest(req, sender, bridge.closeCh, reqDone)

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
				r.metrics.Bytes("http", "down", len(f.Payload))
			case CloseFrame:
				return
			}
		case <-reqDone:
			// The request is fully sent; keep relaying the response
			// until the client closes the stream.
			reqDone = nil
		case <-ctx.Done():
			return
		}
	}
}

// pumpRequest re-serializes req (request line, headers, and body) and
// streams it to sender in chunks, closing sender when done since it
// is the sole writer.
func (r *VHTTPRouter) pumpRequest(req *http.Request, sender chan<- []byte, closeCh <-chan struct{}, done chan<- struct{}) {
	defer close(sender)
	defer close(done)

	pr, pw := io.Pipe()
	go func() {
		err := req.Write(pw)
		pw.CloseWithError(err)
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.metrics.Bytes("http", "up", n)
			select {
			case sender <- chunk:
			case <-closeCh:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func notFound(w io.Writer) {
	resp := &http.Response{
		StatusCode: http.StatusNotFound,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Length": {"0"}, "Connection": {"close"}},
	}
	resp.Write(w)
}
