package a2a

import (
	"errors"
	"fmt"

	"github.com/tapestry-ai/tapestry/pkg/transport"
)

// ErrorKind classifies an A2A call failure so callers can route on it
// without string matching.
type ErrorKind int

const (
	// ErrKindTransport covers network unreachable, connection refused,
	// TLS failures.
	ErrKindTransport ErrorKind = iota

	// ErrKindTimeout is a deadline expiry, kept distinct from other
	// transport failures.
	ErrKindTimeout

	// ErrKindProtocol covers malformed JSON-RPC, unexpected schemas and
	// SSE framing violations.
	ErrKindProtocol

	// ErrKindRemote means the agent itself reported a failure.
	ErrKindRemote
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransport:
		return "transport"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// A2AError is the failure contract of every client operation. Breaker
// rejections are not wrapped: transport.ErrCircuitOpen surfaces verbatim.
type A2AError struct {
	Kind      ErrorKind
	Endpoint  string
	Operation string
	Code      int // JSON-RPC error code when the failure came off the wire
	Message   string
	Err       error
}

func (e *A2AError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("a2a %s %s [%s]: %s: %v", e.Operation, e.Endpoint, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("a2a %s %s [%s]: %s", e.Operation, e.Endpoint, e.Kind, e.Message)
}

func (e *A2AError) Unwrap() error {
	return e.Err
}

// newCallError classifies err against the transport taxonomy.
func newCallError(operation, endpoint string, err error) *A2AError {
	kind := ErrKindTransport
	if transport.IsTimeout(err) {
		kind = ErrKindTimeout
	}
	return &A2AError{
		Kind:      kind,
		Endpoint:  endpoint,
		Operation: operation,
		Message:   "call failed",
		Err:       err,
	}
}

// IsProtocolViolation reports whether err is an A2A protocol-level failure.
func IsProtocolViolation(err error) bool {
	var ae *A2AError
	return errors.As(err, &ae) && ae.Kind == ErrKindProtocol
}

// IsTimeout reports whether err is an A2A deadline failure.
func IsTimeout(err error) bool {
	var ae *A2AError
	if errors.As(err, &ae) {
		return ae.Kind == ErrKindTimeout
	}
	return transport.IsTimeout(err)
}
