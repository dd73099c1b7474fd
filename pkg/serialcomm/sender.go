package serialcomm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/pkg/protocol"
)

// DefaultCommandTimeout bounds the wait for a command response.
const DefaultCommandTimeout = time.Second

// CommandChannel runs half-duplex command exchanges on a command port.
// Exchanges are serialised; no two commands are ever in flight.
type CommandChannel struct {
	port    Port
	timeout time.Duration
	log     logrus.FieldLogger

	mu sync.Mutex
}

// CommandOption configures a CommandChannel.
type CommandOption func(*CommandChannel)

// WithCommandTimeout sets the response timeout.
func WithCommandTimeout(d time.Duration) CommandOption {
	return func(c *CommandChannel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCommandLogger sets the logger used for exchange traces.
func WithCommandLogger(l logrus.FieldLogger) CommandOption {
	return func(c *CommandChannel) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCommandChannel creates a CommandChannel on port. When port is a
// *SharedPort every exchange holds its gate.
func NewCommandChannel(port Port, opts ...CommandOption) *CommandChannel {
	c := &CommandChannel{
		port:    port,
		timeout: DefaultCommandTimeout,
		log:     discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("port", port.Name())
	return c
}

// Execute writes cmd and reads its response.
//
// Protocol failures are returned as *protocol.ProtocolError and transport
// failures as *TransportError. Nothing is retried.
func (c *CommandChannel) Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	raw, err := c.exchange(ctx, cmd.Bytes(), protocol.AckSize)
	if err != nil {
		return nil, err
	}

	resp, err := protocol.ParseResponse(cmd, raw)
	fields := logrus.Fields{
		"opcode":   cmd.Opcode,
		"command":  cmd.Name(),
		"response": raw,
	}
	if err != nil {
		c.log.WithFields(fields).Debug("command failed")
		return nil, err
	}
	c.log.WithFields(fields).Debug("command acknowledged")
	return resp, nil
}

// ExecuteRaw writes data as is and returns whatever arrives before the
// timeout, up to protocol.MaxResponseSize bytes. The reply is not validated.
func (c *CommandChannel) ExecuteRaw(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty raw command")
	}
	return c.exchange(ctx, data, protocol.MaxResponseSize)
}

// Timeout returns the response timeout.
func (c *CommandChannel) Timeout() time.Duration {
	return c.timeout
}

func (c *CommandChannel) exchange(ctx context.Context, out []byte, want int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	run := func(p Port) error {
		var err error
		raw, err = c.writeAndRead(ctx, p, out, want)
		return err
	}

	if ex, ok := c.port.(exchanger); ok {
		return raw, ex.Exchange(run)
	}
	return raw, run(c.port)
}

// writeAndRead sends out and collects up to want bytes. Collection stops at
// the deadline or at the first empty read after data has started to arrive.
func (c *CommandChannel) writeAndRead(ctx context.Context, p Port, out []byte, want int) ([]byte, error) {
	if _, err := p.Write(out); err != nil {
		return nil, &TransportError{Op: "write", Port: p.Name(), Err: err}
	}

	deadline := time.Now().Add(c.timeout)
	buf := make([]byte, protocol.MaxResponseSize)
	got := 0
	for got < want && time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := p.Read(buf[got:want])
		if err != nil {
			return nil, &TransportError{Op: "read", Port: p.Name(), Err: err}
		}
		if n == 0 && got > 0 {
			break
		}
		got += n
	}
	return buf[:got], nil
}
