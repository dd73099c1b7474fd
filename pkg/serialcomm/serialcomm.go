// Package serialcomm connects the power-monitor protocol to serial ports: it
// opens ports, runs the telemetry receive loop and executes control commands.
package serialcomm

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/pkg/protocol"
)

// Port is a byte-oriented serial connection.
//
// Read blocks for at most the configured read timeout and returns 0, nil when
// it elapses without data.
type Port interface {
	io.ReadWriteCloser

	// Flush discards unread input and unsent output.
	Flush() error

	// Name returns the device name, e.g. "/dev/ttyACM0" or "COM13".
	Name() string
}

// DesyncHandler is called from the receive goroutine for every desync run.
type DesyncHandler func(d protocol.Desync)

// DropHandler is called from the receive goroutine when a frame is dropped
// because the handoff queue is full.
type DropHandler func(f protocol.Frame)

// ErrorHandler is called once when the receive loop stops on a fatal error.
type ErrorHandler func(err error)

// SerialConfig describes a port to open.
type SerialConfig struct {
	PortName string
	BaudRate int

	// ReadTimeout bounds every Read. It must be positive so that a stop
	// request is observed within one timeout.
	ReadTimeout time.Duration
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// SampleCount is the number of samples per channel (63 or 256)
	SampleCount int

	// QueueSize is the capacity of the frame handoff channel
	QueueSize int

	// Backpressure selects what happens when the handoff channel is full
	Backpressure BackpressurePolicy

	// ReadBufferSize is the size of a single Read
	ReadBufferSize int

	OnDesync DesyncHandler
	OnDrop   DropHandler
	OnError  ErrorHandler

	// Logger is optional
	Logger logrus.FieldLogger
}

// FrameReceiver streams decoded frames from a data port.
type FrameReceiver interface {
	Start(ctx context.Context) error
	Frames() <-chan protocol.Frame
	Stop() error
	Err() error
}

// CommandSender executes request/response exchanges on a command port.
type CommandSender interface {
	Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error)
}

var (
	_ FrameReceiver = (*Receiver)(nil)
	_ CommandSender = (*CommandChannel)(nil)
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
