package protocol

import (
	"errors"
	"fmt"
)

// Failure kinds of a command exchange. Match them with errors.Is.
var (
	// ErrTimeout means no response byte arrived before the timeout elapsed.
	ErrTimeout = errors.New("response timeout")

	// ErrShortResponse means fewer than MinResponseSize bytes arrived.
	ErrShortResponse = errors.New("short response")

	// ErrRejected means the echoed opcode or the status byte did not match.
	ErrRejected = errors.New("command rejected")
)

// ProtocolError describes a failed command exchange.
type ProtocolError struct {
	// Operation is the name of the command that failed
	Operation string

	// Opcode is the opcode that was sent
	Opcode byte

	// Kind is ErrTimeout, ErrShortResponse or ErrRejected
	Kind error

	// Received holds the bytes read back, if any
	Received []byte
}

func (e *ProtocolError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrRejected) && len(e.Received) >= MinResponseSize:
		return fmt.Sprintf("%s failed: %v (echo 0x%02X, status 0x%02X)",
			e.Operation, e.Kind, e.Received[0], e.Received[1])
	case len(e.Received) > 0:
		return fmt.Sprintf("%s failed: %v (% X)", e.Operation, e.Kind, e.Received)
	default:
		return fmt.Sprintf("%s failed: %v", e.Operation, e.Kind)
	}
}

// Unwrap returns the failure kind.
func (e *ProtocolError) Unwrap() error {
	return e.Kind
}

// IsProtocolError returns true if err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
