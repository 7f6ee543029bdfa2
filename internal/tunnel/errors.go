package tunnel

import (
	"fmt"

	"github.com/tunneld/tunneld/internal/protocol"
)

// ErrPortInUse indicates the exact port a client asked for is already
// allocated to another tunnel, was removed after an earlier failed
// bind, or could not be bound.
type ErrPortInUse struct {
	Port uint16
}

func (e *ErrPortInUse) Error() string {
	return fmt.Sprintf("port %d already in use", e.Port)
}

// ErrPortOutOfRange indicates a requested port falls outside the
// server's configured [Low, High] range.
type ErrPortOutOfRange struct {
	Port, Low, High uint16
}

func (e *ErrPortOutOfRange) Error() string {
	return fmt.Sprintf("port %d outside allowed range [%d, %d]", e.Port, e.Low, e.High)
}

// ErrResourceExhausted indicates every port in range is currently
// allocated.
type ErrResourceExhausted struct {
	Low, High uint16
}

func (e *ErrResourceExhausted) Error() string {
	return fmt.Sprintf("no free ports in range [%d, %d]", e.Low, e.High)
}

// ErrHostInUse indicates the requested vhttp subdomain/domain
// combination is already routed to another bridge.
type ErrHostInUse struct {
	Host string
}

func (e *ErrHostInUse) Error() string {
	return fmt.Sprintf("host %q already in use", e.Host)
}

// ErrInvalidRegistration indicates a RegisterRequest is malformed for
// its Kind (e.g. an unknown Kind, or an HTTP subdomain registration
// when the server has no default domain configured).
type ErrInvalidRegistration struct {
	Reason string
}

func (e *ErrInvalidRegistration) Error() string {
	return fmt.Sprintf("invalid registration: %s", e.Reason)
}

// statusFor maps a tunnel-package error to the wire-level StatusCode
// reported back to the client in a RegisterReply.
func statusFor(err error) protocol.StatusCode {
	switch err.(type) {
	case *ErrPortInUse, *ErrHostInUse:
		return protocol.StatusAlreadyExists
	case *ErrResourceExhausted:
		return protocol.StatusResourceExhausted
	case *ErrPortOutOfRange, *ErrInvalidRegistration:
		return protocol.StatusInvalidArgument
	default:
		return protocol.StatusInternal
	}
}
