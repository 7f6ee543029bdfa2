package protocol

import (
	"context"
	"errors"
	"sync"
)

// ErrConnClosed is returned by ChannelConn/Harness operations once
// Close has been called.
var ErrConnClosed = errors.New("protocol: connection closed")

// ChannelConn is an in-memory Conn backed by Go channels. It has no
// network presence; the only way to feed it inbound data is through
// its paired Harness, which plays the role of the tunnel client in
// tests and of any other in-process caller (e.g. a future
// client-side implementation running in the same binary).
type ChannelConn struct {
	registrations chan RegistrationRequest
	frames        chan ToServerFrame
	outbound      chan ToClientFrame

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewChannelConn returns a server-side Conn and the Harness used to
// drive it from the "client" side.
func NewChannelConn() (*ChannelConn, *Harness) {
	c := &ChannelConn{
		registrations: make(chan RegistrationRequest),
		frames:        make(chan ToServerFrame, 64),
		outbound:      make(chan ToClientFrame, 64),
		done:          make(chan struct{}),
	}
	return c, &Harness{conn: c}
}

func (c *ChannelConn) Registrations() <-chan RegistrationRequest { return c.registrations }

func (c *ChannelConn) Frames() <-chan ToServerFrame { return c.frames }

func (c *ChannelConn) Done() <-chan struct{} { return c.done }

// SendFrame delivers f to whoever is reading Harness.Outbound.
func (c *ChannelConn) SendFrame(ctx context.Context, f ToClientFrame) error {
	select {
	case c.outbound <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the connection, unblocking any pending Harness or
// Conn operation. Idempotent.
func (c *ChannelConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// Harness is the test/in-process counterpart to a ChannelConn: it
// plays the role of the client side of the control channel.
type Harness struct {
	conn *ChannelConn
}

// Register sends a registration request and blocks for its reply or
// ctx cancellation.
func (h *Harness) Register(ctx context.Context, req RegisterRequest) (RegisterReply, error) {
	reply := make(chan RegisterReply, 1)
	select {
	case h.conn.registrations <- RegistrationRequest{Payload: req, Reply: reply}:
	case <-h.conn.done:
		return RegisterReply{}, ErrConnClosed
	case <-ctx.Done():
		return RegisterReply{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r, nil
	case <-h.conn.done:
		return RegisterReply{}, ErrConnClosed
	case <-ctx.Done():
		return RegisterReply{}, ctx.Err()
	}
}

// SendFrame delivers a ToServerFrame as if the client had sent it.
func (h *Harness) SendFrame(ctx context.Context, f ToServerFrame) error {
	select {
	case h.conn.frames <- f:
		return nil
	case <-h.conn.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound exposes the stream of frames the server sent to the
// client.
func (h *Harness) Outbound() <-chan ToClientFrame { return h.conn.outbound }

// Close closes the underlying connection from the client side.
func (h *Harness) Close() error { return h.conn.Close() }
