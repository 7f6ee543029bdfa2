// Package protocol defines the wire-level vocabulary of the tunnel
// control channel: stream identifiers, the frame types exchanged
// between server and client, and the Conn abstraction that carries
// them. It intentionally knows nothing about ports, listeners, or
// bridges — those belong to internal/tunnel.
package protocol

import "github.com/google/uuid"

// StreamID is an opaque, per-client unique identifier minted by the
// server when a new user connection arrives. It is the routing key
// for that connection's traffic on the control channel for the
// lifetime of the connection.
type StreamID string

// NewStreamID mints a fresh StreamID.
func NewStreamID() StreamID {
	return StreamID(uuid.NewString())
}

func (id StreamID) String() string { return string(id) }
