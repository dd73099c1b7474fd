package serialcomm

import (
	"fmt"
	"strings"
)

// BackpressurePolicy decides what the receive loop does when the consumer
// falls behind and the handoff queue is full.
type BackpressurePolicy int

const (
	// DropOldest evicts the oldest queued frame to make room. The receive
	// loop never blocks, so the serial input buffer keeps draining.
	DropOldest BackpressurePolicy = iota

	// Block waits for the consumer. Serial input accumulates in the driver
	// while waiting and may overflow there instead.
	Block
)

func (p BackpressurePolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("BackpressurePolicy(%d)", int(p))
	}
}

// ParseBackpressurePolicy parses "drop-oldest" or "block".
func ParseBackpressurePolicy(s string) (BackpressurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return 0, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// ReceiverStats holds running totals for a Receiver.
type ReceiverStats struct {
	BytesRead     uint64 `json:"bytesRead"`
	Frames        uint64 `json:"frames"`
	Desyncs       uint64 `json:"desyncs"`
	SkippedBytes  uint64 `json:"skippedBytes"`
	Dropped       uint64 `json:"dropped"`
	LastPackageID uint32 `json:"lastPackageId"`
}

// TransportError is a fatal failure of the underlying port.
type TransportError struct {
	// Op is "open", "read", "write", "flush" or "close"
	Op string

	// Port is the device name
	Port string

	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("serial %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
