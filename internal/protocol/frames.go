package protocol

import "fmt"

// Action tags the kind of a ToServerFrame.
type Action int

const (
	// ActionStart arms a stream: the server must follow with a
	// Sender handshake delivered to the owning bridge.
	ActionStart Action = iota
	// ActionSending carries a chunk of client-side bytes destined
	// for the user.
	ActionSending
	// ActionClose closes the client's half of the stream.
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionSending:
		return "sending"
	case ActionClose:
		return "close"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ToServerFrame is a message sent by the client on the control
// channel, addressed to one stream.
type ToServerFrame struct {
	StreamID StreamID
	Action   Action
	Payload  []byte // only meaningful when Action == ActionSending
}

// ToClientFrame is a message sent by the server on the control
// channel, carrying a chunk of user-side bytes for one stream. An
// empty, non-closing ToClientFrame (zero-length Payload, Close false)
// for a StreamID the client has not seen before is how the server
// announces a new stream; the client is expected to dial its local
// service and answer with a ToServerFrame{Action: ActionStart}.
type ToClientFrame struct {
	StreamID StreamID
	Payload  []byte
	Close    bool
}

// Kind identifies the protocol a tunnel registration exposes.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindHTTP:
		return "http"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RegisterRequest asks the server to expose a protocol on a chosen
// public port or hostname. Port 0 means "allocate any free port".
// For Kind == KindHTTP, exactly one of Port, Subdomain, Domain is
// typically non-empty/non-zero.
type RegisterRequest struct {
	Kind      Kind
	Port      uint16
	Subdomain string
	Domain    string
}

// StatusCode enumerates the registration-reply error taxonomy.
// StatusOK is the zero value.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusAlreadyExists
	StatusResourceExhausted
	StatusPermissionDenied
	StatusInvalidArgument
	StatusInternal
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAlreadyExists:
		return "already_exists"
	case StatusResourceExhausted:
		return "resource_exhausted"
	case StatusPermissionDenied:
		return "permission_denied"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusInternal:
		return "internal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RegisterReply answers a RegisterRequest. On success Status is
// StatusOK and Port/HostKey describe the effective routing key: the
// allocated port for TCP/UDP/fallback-HTTP, or the resolved
// "subdomain.domain" / "domain" host for vhttp-routed HTTP.
type RegisterReply struct {
	Port    uint16
	HostKey string
	Status  StatusCode
	Message string
}

// Err converts a non-OK reply into an error, or returns nil for
// StatusOK.
func (r RegisterReply) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Message != "" {
		return fmt.Errorf("%s: %s", r.Status, r.Message)
	}
	return fmt.Errorf("%s", r.Status)
}
