package tunnel

import "github.com/tunneld/tunneld/internal/protocol"

// BridgeData is the sum type delivered to a worker over a Bridge's
// Downlink: exactly one of SenderFrame, DataFrame, or CloseFrame.
type BridgeData interface {
	isBridgeData()
}

// SenderFrame is delivered once, after the client acknowledges a
// stream with ActionStart. Upstream is the channel the worker must
// write external-connection bytes to; the session drains it and
// forwards each chunk to the client as a ToClientFrame.
type SenderFrame struct {
	Upstream chan<- []byte
}

func (SenderFrame) isBridgeData() {}

// DataFrame carries a chunk of bytes that originated on the client's
// local service, to be written by the worker to the external
// connection.
type DataFrame struct {
	Payload []byte
}

func (DataFrame) isBridgeData() {}

// CloseFrame signals that the stream is finished; the worker should
// close its external connection if it has not already.
type CloseFrame struct{}

func (CloseFrame) isBridgeData() {}

// Bridge is the private channel between a ControlSession and the
// tunnel worker that opened one stream. Only the session mutates its
// fields, and only from inside its actor goroutine (run or a func
// submitted through ops); workers only ever read Downlink and write
// to the Upstream channel they are handed in a SenderFrame.
type Bridge struct {
	StreamID protocol.StreamID
	Downlink chan BridgeData

	upstream chan []byte
	closeCh  chan struct{}
}

func newBridge(id protocol.StreamID) *Bridge {
	return &Bridge{
		StreamID: id,
		Downlink: make(chan BridgeData, 16),
		closeCh:  make(chan struct{}),
	}
}
