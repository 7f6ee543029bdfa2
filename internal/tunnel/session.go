package tunnel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tunneld/tunneld/internal/metrics"
	"github.com/tunneld/tunneld/internal/protocol"
)

// ErrSessionClosed is returned by ControlSession operations once the
// session's connection has terminated.
var ErrSessionClosed = errors.New("tunnel: control session closed")

// Registrar opens the public-facing side of a registration (a TCP
// listener, a UDP socket, or a vhttp route) and spawns the worker
// that will relay traffic for it. It is implemented by Coordinator;
// ControlSession only needs to call it and relay the outcome back to
// the client.
type Registrar interface {
	Register(ctx context.Context, session *ControlSession, req protocol.RegisterRequest) (protocol.RegisterReply, error)
}

// ControlSession is the protocol state machine for one connected
// tunneld-client. It owns the registry of active stream bridges and
// is the only goroutine that ever mutates it: Run is the actor loop,
// and OpenBridge/CloseBridge hand their registry work to it over ops
// so callers never need their own locking.
type ControlSession struct {
	conn      protocol.Conn
	registrar Registrar
	metrics   *metrics.Metrics
	log       *slog.Logger

	reg *registry
	ops chan func()

	done chan struct{}
}

// NewControlSession builds a session around conn. registrar handles
// inbound RegisterRequests; m may be nil.
func NewControlSession(conn protocol.Conn, registrar Registrar, m *metrics.Metrics, log *slog.Logger) *ControlSession {
	if log == nil {
		log = slog.Default()
	}
	return &ControlSession{
		conn:      conn,
		registrar: registrar,
		metrics:   m,
		log:       log.With("component", "control-session"),
		reg:       newRegistry(),
		ops:       make(chan func()),
		done:      make(chan struct{}),
	}
}

// Run drives the session until ctx is cancelled or the connection
// terminates. It is the session's actor goroutine: every mutation of
// reg happens here, either directly (frame handling) or via a func
// submitted through ops (OpenBridge/CloseBridge, called from worker
// goroutines).
func (s *ControlSession) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.conn.Done():
			return nil
		case op := <-s.ops:
			op()
		case reg, ok := <-s.conn.Registrations():
			if !ok {
				return nil
			}
			go s.handleRegistration(ctx, reg)
		case frame, ok := <-s.conn.Frames():
			if !ok {
				return nil
			}
			s.handleFrame(frame)
		}
	}
}

func (s *ControlSession) handleRegistration(ctx context.Context, req protocol.RegistrationRequest) {
	reply, err := s.registrar.Register(ctx, s, req.Payload)
	if err != nil {
		s.log.Warn("registration failed", "kind", req.Payload.Kind, "error", err)
		reply = protocol.RegisterReply{Status: statusFor(err), Message: err.Error()}
	}
	req.Reply <- reply
}

func (s *ControlSession) handleFrame(f protocol.ToServerFrame) {
	switch f.Action {
	case protocol.ActionStart:
		s.onStart(f.StreamID)
	case protocol.ActionSending:
		s.onSending(f.StreamID, f.Payload)
	case protocol.ActionClose:
		s.onClose(f.StreamID)
	}
}

// onStart, onSending and onClose run on the actor goroutine. onStart
// and onSending block until the bridge's Downlink accepts the frame or
// the stream closes, so a worker that stops draining its Downlink
// stalls the actor loop and with it every other stream on this
// session; this keeps per-stream delivery strictly in order.
func (s *ControlSession) onStart(id protocol.StreamID) {
	b, ok := s.reg.get(id)
	if !ok || b.upstream != nil {
		return
	}
	upstream := make(chan []byte, 32)
	b.upstream = upstream
	go s.pumpUpstream(id, upstream, b.closeCh)
	select {
	case b.Downlink <- SenderFrame{Upstream: upstream}:
	case <-b.closeCh:
	}
}

func (s *ControlSession) onSending(id protocol.StreamID, payload []byte) {
	b, ok := s.reg.get(id)
	if !ok {
		return
	}
	select {
	case b.Downlink <- DataFrame{Payload: payload}:
	case <-b.closeCh:
	}
}

func (s *ControlSession) onClose(id protocol.StreamID) {
	b, ok := s.reg.get(id)
	if !ok {
		return
	}
	s.reg.remove(id)
	close(b.closeCh)
	select {
	case b.Downlink <- CloseFrame{}:
	default:
	}
}

// pumpUpstream forwards every chunk a worker writes to upstream out
// over the control channel as a ToClientFrame, until upstream is
// closed by the worker, the stream closes, or the session ends.
func (s *ControlSession) pumpUpstream(id protocol.StreamID, upstream <-chan []byte, closeCh <-chan struct{}) {
	for {
		select {
		case payload, ok := <-upstream:
			if !ok {
				return
			}
			if err := s.conn.SendFrame(context.Background(), protocol.ToClientFrame{StreamID: id, Payload: payload}); err != nil {
				return
			}
		case <-closeCh:
			return
		case <-s.done:
			return
		}
	}
}

// OpenBridge mints a new stream, registers it, and announces it to
// the client. Tunnel workers call this once per accepted external
// connection (or, for UDP, per inbound datagram).
func (s *ControlSession) OpenBridge(ctx context.Context) (*Bridge, error) {
	b := newBridge(protocol.NewStreamID())

	added := make(chan struct{})
	select {
	case s.ops <- func() { s.reg.add(b); close(added) }:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
	<-added

	if err := s.conn.SendFrame(ctx, protocol.ToClientFrame{StreamID: b.StreamID}); err != nil {
		s.CloseBridge(b.StreamID)
		return nil, err
	}
	return b, nil
}

// CloseBridge tears down a stream from the worker side: it removes
// the bridge from the registry, releases anything blocked on its
// closeCh, and best-effort notifies the client. Safe to call more
// than once or after the session has already ended.
func (s *ControlSession) CloseBridge(id protocol.StreamID) {
	result := make(chan struct{})
	op := func() {
		if b, ok := s.reg.get(id); ok {
			s.reg.remove(id)
			close(b.closeCh)
		}
		close(result)
	}
	select {
	case s.ops <- op:
		<-result
	case <-s.done:
		return
	}
	_ = s.conn.SendFrame(context.Background(), protocol.ToClientFrame{StreamID: id, Close: true})
}

// Done returns a channel closed once Run has returned.
func (s *ControlSession) Done() <-chan struct{} { return s.done }
