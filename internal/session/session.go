// Package session owns one connection to the instrument: its ports, the
// telemetry receiver and the command channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/serialcomm"
)

// Opener opens a port. serialcomm.OpenPort is the production opener.
type Opener func(cfg *serialcomm.SerialConfig) (serialcomm.Port, error)

// Config describes one connection.
type Config struct {
	CommandPort string
	DataPort    string
	BaudRate    int
	ReadTimeout time.Duration

	// SharedPort runs telemetry and commands over DataPort behind one gate.
	SharedPort bool

	// FlushOnDisconnect discards pending port buffers on Close.
	FlushOnDisconnect bool

	SampleCount    int
	QueueSize      int
	ReadBufferSize int
	Backpressure   serialcomm.BackpressurePolicy
	CommandTimeout time.Duration
}

// Options carries the collaborators of a Session. All fields are optional.
type Options struct {
	Opener   Opener
	Logger   logrus.FieldLogger
	Observer Observer

	// OnDesync is called from the receive goroutine for every resync.
	OnDesync func(d protocol.Desync)

	// OnFatal is called once, from the goroutine that hit the error, when the
	// session moves to the error state.
	OnFatal func(err error)
}

// Status is a point-in-time view of a Session.
type Status struct {
	ID          string                   `json:"id"`
	State       State                    `json:"state"`
	Error       string                   `json:"error,omitempty"`
	CommandPort string                   `json:"commandPort"`
	DataPort    string                   `json:"dataPort"`
	SharedPort  bool                     `json:"sharedPort"`
	SampleCount int                      `json:"sampleCount"`
	ConnectedAt *time.Time               `json:"connectedAt,omitempty"`
	Stream      serialcomm.ReceiverStats `json:"stream"`
}

// Session is a single connection attempt. It is never reused: after Close or
// a fatal error, create a new Session to reconnect.
type Session struct {
	id   string
	cfg  Config
	opts Options
	log  logrus.FieldLogger

	mu          sync.Mutex
	state       State
	err         error
	used        bool
	connectedAt time.Time
	cmdPort     serialcomm.Port
	dataPort    serialcomm.Port
	receiver    *serialcomm.Receiver
	commands    *serialcomm.CommandChannel
}

// New creates a disconnected Session.
func New(cfg Config, opts Options) *Session {
	if opts.Opener == nil {
		opts.Opener = serialcomm.OpenPort
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = serialcomm.DefaultCommandTimeout
	}

	id := uuid.NewString()
	return &Session{
		id:   id,
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger.WithField("session", id),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to the error state.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect opens the ports and starts the receiver. The receiver runs until
// Close or a fatal error; ctx only bounds the connect itself.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.used = true
	s.setStateLocked(Connecting, nil)
	s.mu.Unlock()

	s.opts.Observer.SessionStarted()
	s.log.WithFields(logrus.Fields{
		"cmd_port":  s.cfg.CommandPort,
		"data_port": s.cfg.DataPort,
		"baud":      s.cfg.BaudRate,
		"shared":    s.cfg.SharedPort,
	}).Info("connecting")

	if err := ctx.Err(); err != nil {
		s.fail(err)
		return err
	}

	cmdPort, dataPort, err := s.openPorts()
	if err != nil {
		s.fail(err)
		return err
	}

	receiver, err := serialcomm.NewReceiver(dataPort, serialcomm.ReceiverConfig{
		SampleCount:    s.cfg.SampleCount,
		QueueSize:      s.cfg.QueueSize,
		Backpressure:   s.cfg.Backpressure,
		ReadBufferSize: s.cfg.ReadBufferSize,
		OnDesync:       s.handleDesync,
		OnDrop:         func(protocol.Frame) { s.opts.Observer.FrameDropped() },
		OnError:        s.fail,
		Logger:         s.log,
	})
	if err != nil {
		closePorts(cmdPort, dataPort)
		s.fail(err)
		return err
	}
	commands := serialcomm.NewCommandChannel(cmdPort,
		serialcomm.WithCommandTimeout(s.cfg.CommandTimeout),
		serialcomm.WithCommandLogger(s.log),
	)

	s.mu.Lock()
	s.cmdPort, s.dataPort = cmdPort, dataPort
	s.receiver, s.commands = receiver, commands
	s.connectedAt = time.Now()
	s.setStateLocked(Streaming, nil)
	s.mu.Unlock()

	if err := receiver.Start(context.Background()); err != nil {
		s.fail(err)
		return err
	}
	s.log.Info("streaming")
	return nil
}

func (s *Session) openPorts() (cmdPort, dataPort serialcomm.Port, err error) {
	open := func(name string) (serialcomm.Port, error) {
		return s.opts.Opener(&serialcomm.SerialConfig{
			PortName:    name,
			BaudRate:    s.cfg.BaudRate,
			ReadTimeout: s.cfg.ReadTimeout,
		})
	}

	dataPort, err = open(s.cfg.DataPort)
	if err != nil {
		return nil, nil, err
	}
	if s.cfg.SharedPort {
		shared := serialcomm.NewSharedPort(dataPort)
		return shared, shared, nil
	}

	cmdPort, err = open(s.cfg.CommandPort)
	if err != nil {
		dataPort.Close()
		return nil, nil, err
	}
	return cmdPort, dataPort, nil
}

// Frames returns the decoded frame channel, or nil before Connect succeeded.
// The channel is closed when the receiver stops.
func (s *Session) Frames() <-chan protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiver == nil {
		return nil
	}
	return s.receiver.Frames()
}

// Stats returns the receiver counters.
func (s *Session) Stats() serialcomm.ReceiverStats {
	s.mu.Lock()
	r := s.receiver
	s.mu.Unlock()
	if r == nil {
		return serialcomm.ReceiverStats{}
	}
	return r.Stats()
}

// Submit executes cmd on the command channel. A transport failure moves the
// session to the error state.
func (s *Session) Submit(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	commands, err := s.commandChannel()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := commands.Execute(ctx, cmd)
	s.opts.Observer.CommandExecuted(cmd.Name(), time.Since(start), err)
	s.checkTransport(err)
	return resp, err
}

// SubmitRaw writes data unchanged and returns the unvalidated reply.
func (s *Session) SubmitRaw(ctx context.Context, data []byte) ([]byte, error) {
	commands, err := s.commandChannel()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	reply, err := commands.ExecuteRaw(ctx, data)
	s.opts.Observer.CommandExecuted("raw", time.Since(start), err)
	s.checkTransport(err)
	return reply, err
}

func (s *Session) commandChannel() (*serialcomm.CommandChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Streaming {
		return nil, fmt.Errorf("%w (state %s)", ErrNotStreaming, s.state)
	}
	return s.commands, nil
}

func (s *Session) checkTransport(err error) {
	var te *serialcomm.TransportError
	if errors.As(err, &te) {
		s.fail(err)
	}
}

// Close stops the receiver and releases both ports. It is safe to call in
// any state and more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.used = true
	receiver := s.receiver
	cmdPort, dataPort := s.cmdPort, s.dataPort
	s.receiver, s.commands, s.cmdPort, s.dataPort = nil, nil, nil, nil
	wasOpen := receiver != nil
	s.mu.Unlock()

	var errs []error
	if wasOpen {
		if s.cfg.FlushOnDisconnect {
			for _, p := range uniquePorts(cmdPort, dataPort) {
				if err := p.Flush(); err != nil {
					s.log.WithError(err).WithField("port", p.Name()).Warn("flush failed")
				}
			}
		}
		if err := receiver.Stop(); err != nil {
			errs = append(errs, err)
		}
		if cmdPort != dataPort {
			if err := cmdPort.Close(); err != nil {
				errs = append(errs, &serialcomm.TransportError{Op: "close", Port: cmdPort.Name(), Err: err})
			}
		}
	}

	s.mu.Lock()
	if s.state != Disconnected {
		s.setStateLocked(Disconnected, s.err)
	}
	s.mu.Unlock()

	if wasOpen {
		s.log.Info("disconnected")
	}
	return errors.Join(errs...)
}

// Status returns a snapshot for reporting.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:          s.id,
		State:       s.state,
		CommandPort: s.cfg.CommandPort,
		DataPort:    s.cfg.DataPort,
		SharedPort:  s.cfg.SharedPort,
		SampleCount: s.cfg.SampleCount,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	if !s.connectedAt.IsZero() {
		at := s.connectedAt
		st.ConnectedAt = &at
	}
	r := s.receiver
	s.mu.Unlock()

	if r != nil {
		st.Stream = r.Stats()
	}
	return st
}

func (s *Session) handleDesync(d protocol.Desync) {
	s.opts.Observer.Desync(d)
	if s.opts.OnDesync != nil {
		s.opts.OnDesync(d)
	}
}

// fail moves the session to the error state. Only the first failure of a
// connecting or streaming session is reported.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != Connecting && s.state != Streaming {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Failed, err)
	s.mu.Unlock()

	s.log.WithError(err).Error("session failed")
	if s.opts.OnFatal != nil {
		s.opts.OnFatal(err)
	}
}

func (s *Session) setStateLocked(state State, err error) {
	s.state = state
	s.err = err
	s.opts.Observer.StateChanged(state.String())
}

func uniquePorts(a, b serialcomm.Port) []serialcomm.Port {
	if a == b {
		return []serialcomm.Port{a}
	}
	return []serialcomm.Port{a, b}
}

func closePorts(cmdPort, dataPort serialcomm.Port) {
	for _, p := range uniquePorts(cmdPort, dataPort) {
		p.Close()
	}
}
