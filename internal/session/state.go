package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/clint456/powermon/pkg/protocol"
)

// State is the lifecycle state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Streaming
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrSessionUsed is returned by Connect on a session that already connected once.
	ErrSessionUsed = errors.New("session already used")

	// ErrNotStreaming is returned by Submit when the session is not streaming.
	ErrNotStreaming = errors.New("session is not streaming")
)

// Observer receives session events. metrics.Metrics implements it.
type Observer interface {
	SessionStarted()
	StateChanged(state string)
	StreamRead(bytes uint64)
	FramesConsumed(n int)
	Desync(d protocol.Desync)
	FrameDropped()
	CommandExecuted(command string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) SessionStarted()                              {}
func (nopObserver) StateChanged(string)                          {}
func (nopObserver) StreamRead(uint64)                            {}
func (nopObserver) FramesConsumed(int)                           {}
func (nopObserver) Desync(protocol.Desync)                       {}
func (nopObserver) FrameDropped()                                {}
func (nopObserver) CommandExecuted(string, time.Duration, error) {}
