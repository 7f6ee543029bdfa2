package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// maxFrameSize bounds a single CBOR-encoded envelope, guarding
// against a misbehaving peer claiming an enormous length prefix.
const maxFrameSize = 1 << 20 // 1 MiB

// envelopeKind tags which field of envelope is populated, standing
// in for the sum type a wire-framing library would normally give us.
type envelopeKind uint8

const (
	envRegisterRequest envelopeKind = iota
	envRegisterReply
	envToServerFrame
	envToClientFrame
)

// envelope is the single CBOR-serializable struct carried over the
// wire; exactly one of its payload fields is populated, selected by
// Kind. This is the concrete realization of a bidirectional stream of
// typed frames for callers that want a real net.Conn transport rather
// than the in-process ChannelConn.
type envelope struct {
	Kind     envelopeKind
	ReqID    uint64 // correlates RegisterRequest <-> RegisterReply
	Register RegisterRequest  `cbor:",omitempty"`
	Reply    RegisterReply    `cbor:",omitempty"`
	ToServer ToServerFrame    `cbor:",omitempty"`
	ToClient ToClientFrame    `cbor:",omitempty"`
}

// CBORConn implements Conn over a net.Conn using length-prefixed CBOR
// envelopes: a 4-byte big-endian length prefix followed by that many
// bytes of CBOR. It implements the server side of the wire; on the
// client side it can only issue registrations via SendRegisterRequest:
// inbound ToClientFrame envelopes are discarded and there is no method
// for sending a ToServerFrame.
type CBORConn struct {
	nc   net.Conn
	wmu  sync.Mutex
	mode cbor.EncMode

	registrations chan RegistrationRequest
	frames        chan ToServerFrame
	done          chan struct{}
	closeOnce     sync.Once

	pendingMu sync.Mutex
	pending   map[uint64]chan<- RegisterReply
	nextReqID uint64
}

// NewCBORConn wraps nc and starts its background read loop. The
// caller must call Close when done.
func NewCBORConn(nc net.Conn) (*CBORConn, error) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor conn: build encoder: %w", err)
	}
	c := &CBORConn{
		nc:            nc,
		mode:          mode,
		registrations: make(chan RegistrationRequest),
		frames:        make(chan ToServerFrame, 64),
		done:          make(chan struct{}),
		pending:       make(map[uint64]chan<- RegisterReply),
	}
	go c.readLoop()
	return c, nil
}

func (c *CBORConn) Registrations() <-chan RegistrationRequest { return c.registrations }
func (c *CBORConn) Frames() <-chan ToServerFrame              { return c.frames }
func (c *CBORConn) Done() <-chan struct{}                     { return c.done }

func (c *CBORConn) SendFrame(ctx context.Context, f ToClientFrame) error {
	return c.write(ctx, envelope{Kind: envToClientFrame, ToClient: f})
}

// SendRegisterRequest is used by a client-side caller (out of scope
// for the server, but kept symmetric so CBORConn is independently
// useful/testable as a codec) to issue a registration and await its
// reply.
func (c *CBORConn) SendRegisterRequest(ctx context.Context, req RegisterRequest) (RegisterReply, error) {
	replyCh := make(chan RegisterReply, 1)

	c.pendingMu.Lock()
	id := c.nextReqID
	c.nextReqID++
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	if err := c.write(ctx, envelope{Kind: envRegisterRequest, ReqID: id, Register: req}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return RegisterReply{}, err
	}

	select {
	case r := <-replyCh:
		return r, nil
	case <-c.done:
		return RegisterReply{}, ErrConnClosed
	case <-ctx.Done():
		return RegisterReply{}, ctx.Err()
	}
}

func (c *CBORConn) write(ctx context.Context, env envelope) error {
	body, err := c.mode.Marshal(env)
	if err != nil {
		return fmt.Errorf("cbor conn: marshal: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("cbor conn: frame too large (%d bytes)", len(body))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := c.nc.Write(prefix[:]); err != nil {
		return fmt.Errorf("cbor conn: write length prefix: %w", err)
	}
	if _, err := c.nc.Write(body); err != nil {
		return fmt.Errorf("cbor conn: write body: %w", err)
	}
	return nil
}

// readLoop decodes envelopes until the connection fails or Close is
// called, dispatching each to the appropriate channel/pending reply.
func (c *CBORConn) readLoop() {
	defer c.Close()

	var prefix [4]byte
	for {
		if _, err := io.ReadFull(c.nc, prefix[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(prefix[:])
		if n > maxFrameSize {
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(c.nc, body); err != nil {
			return
		}

		var env envelope
		if err := cbor.Unmarshal(body, &env); err != nil {
			return
		}

		switch env.Kind {
		case envRegisterRequest:
			reply := make(chan RegisterReply, 1)
			select {
			case c.registrations <- RegistrationRequest{Payload: env.Register, Reply: reply}:
			case <-c.done:
				return
			}
			// Forward the eventual reply back over the wire,
			// tagged with the originating request id.
			go func(id uint64) {
				select {
				case r := <-reply:
					_ = c.write(context.Background(), envelope{Kind: envRegisterReply, ReqID: id, Reply: r})
				case <-c.done:
				}
			}(env.ReqID)
		case envRegisterReply:
			c.pendingMu.Lock()
			ch, ok := c.pending[env.ReqID]
			if ok {
				delete(c.pending, env.ReqID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- env.Reply
			}
		case envToServerFrame:
			select {
			case c.frames <- env.ToServer:
			case <-c.done:
				return
			}
		case envToClientFrame:
			// Only meaningful to a client-side reader; servers
			// never expect these. Ignored here since
			// internal/tunnel only runs the server side.
		}
	}
}

func (c *CBORConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()
	})
	return nil
}
