// Package monitor runs the headless instrument monitor: it creates a session
// per connect request, drains telemetry into the retained series and the
// configured sinks, and executes the control operations.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/internal/capture"
	"github.com/clint456/powermon/internal/config"
	"github.com/clint456/powermon/internal/session"
	"github.com/clint456/powermon/internal/settings"
	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/series"
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Channel names accepted by SeriesStats.
const (
	ChannelVoltage = "voltage"
	ChannelCurrent = "current"
)

// Publisher is a frame sink that tags frames with the session id.
type Publisher interface {
	session.FrameSink
	SetSession(id string)
}

// Deps are the collaborators of a Monitor. Opener, Observer and Publisher
// are optional.
type Deps struct {
	Config    *config.Config
	Settings  *settings.Store
	Logger    logrus.FieldLogger
	Observer  session.Observer
	Opener    session.Opener
	Publisher Publisher

	// OnCapture is called for every record written to a capture file.
	OnCapture func(n int)
}

// ConnectRequest overrides the stored port settings. Empty fields keep the
// stored values; non-empty ones are persisted.
type ConnectRequest struct {
	CommandPort string `json:"commandPort"`
	DataPort    string `json:"dataPort"`
	BaudRate    int    `json:"baudRate"`
}

// ADCRequest names an ADC configuration. Empty fields keep the stored values.
type ADCRequest struct {
	ConversionTime string `json:"conversionTime"`
	AverageCount   string `json:"averageCount"`
	ADCRange       string `json:"adcRange"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	deps    Deps
	log     logrus.FieldLogger
	voltage *series.Series
	current *series.Series

	mu          sync.Mutex
	sess        *session.Session
	stopConsume context.CancelFunc
	consumeDone chan struct{}
	recorder    *capture.Recorder
	capturePath string
}

// New creates a disconnected Monitor.
func New(deps Deps) *Monitor {
	if deps.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		deps.Logger = l
	}
	return &Monitor{
		deps:    deps,
		log:     deps.Logger,
		voltage: series.New(deps.Config.Stream.MaxDataSize),
		current: series.New(deps.Config.Stream.MaxDataSize),
	}
}

// Connect opens a new session with the stored settings merged with req.
func (m *Monitor) Connect(ctx context.Context, req ConnectRequest) (session.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil && m.sess.State() == session.Streaming {
		return m.sess.Status(), ErrAlreadyConnected
	}
	if err := m.releaseLocked(); err != nil {
		m.log.WithError(err).Warn("failed to release previous session")
	}

	st, err := m.updateSettings(func(s *settings.Settings) {
		if req.CommandPort != "" {
			s.CommandPort = req.CommandPort
		}
		if req.DataPort != "" {
			s.DataPort = req.DataPort
		}
		if req.BaudRate > 0 {
			s.BaudRate = req.BaudRate
		}
	})
	if err != nil {
		return session.Status{State: session.Disconnected}, err
	}

	cfg := m.deps.Config
	sess := session.New(session.Config{
		CommandPort:       st.CommandPort,
		DataPort:          st.DataPort,
		BaudRate:          st.BaudRate,
		ReadTimeout:       cfg.Serial.ReadTimeout,
		SharedPort:        cfg.Serial.SharedPort,
		FlushOnDisconnect: cfg.Serial.FlushOnDisconnect,
		SampleCount:       cfg.Stream.SampleCount,
		QueueSize:         cfg.Stream.QueueSize,
		ReadBufferSize:    cfg.Stream.ReadBufferSize,
		Backpressure:      cfg.BackpressurePolicy(),
		CommandTimeout:    cfg.Command.Timeout,
	}, session.Options{
		Opener:   m.deps.Opener,
		Logger:   m.log,
		Observer: m.deps.Observer,
		OnFatal: func(err error) {
			m.log.WithError(err).Warn("session lost, reconnect required")
		},
	})
	m.sess = sess

	if err := sess.Connect(ctx); err != nil {
		return sess.Status(), err
	}

	sinks, err := m.sinksLocked(sess.ID())
	if err != nil {
		sess.Close()
		return sess.Status(), err
	}

	m.voltage.Reset()
	m.current.Reset()

	consumer := session.NewConsumer(session.ConsumerConfig{
		Frames:   sess.Frames(),
		Interval: cfg.Stream.DrainInterval,
		Voltage:  m.voltage,
		Current:  m.current,
		Sinks:    sinks,
		Stats:    sess.Stats,
		Observer: m.deps.Observer,
		Logger:   m.log.WithField("session", sess.ID()),
	})

	consumeCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(consumeCtx)
	}()
	m.stopConsume, m.consumeDone = cancel, done

	return sess.Status(), nil
}

func (m *Monitor) sinksLocked(sessionID string) ([]session.FrameSink, error) {
	var sinks []session.FrameSink

	if m.deps.Publisher != nil {
		m.deps.Publisher.SetSession(sessionID)
		sinks = append(sinks, m.deps.Publisher)
	}

	if m.deps.Config.Capture.Enabled {
		rec, path, err := capture.Create(m.deps.Config.Capture.Dir, sessionID)
		if err != nil {
			return nil, err
		}
		m.recorder, m.capturePath = rec, path
		sinks = append(sinks, captureSink{rec: rec, onWrite: m.deps.OnCapture})
		m.log.WithField("file", path).Info("capturing frames")
	}
	return sinks, nil
}

// Disconnect closes the current session.
func (m *Monitor) Disconnect() (session.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return session.Status{State: session.Disconnected}, nil
	}
	err := m.releaseLocked()
	return m.sess.Status(), err
}

// releaseLocked closes the session, waits for the consumer to finish and
// closes the capture file.
func (m *Monitor) releaseLocked() error {
	if m.sess == nil {
		return nil
	}

	err := m.sess.Close()
	if m.stopConsume != nil {
		<-m.consumeDone
		m.stopConsume()
		m.stopConsume, m.consumeDone = nil, nil
	}
	if m.recorder != nil {
		if cerr := m.recorder.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close capture %s: %w", m.capturePath, cerr))
		}
		m.recorder, m.capturePath = nil, ""
	}
	return err
}

// Status reports the current session, or a disconnected status.
func (m *Monitor) Status() session.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return session.Status{State: session.Disconnected}
	}
	return m.sess.Status()
}

// Settings returns the stored instrument settings.
func (m *Monitor) Settings() settings.Settings {
	return m.deps.Settings.Get()
}

func (m *Monitor) activeSession() (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil, session.ErrNotStreaming
	}
	return m.sess, nil
}

func (m *Monitor) submit(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	sess, err := m.activeSession()
	if err != nil {
		return nil, err
	}
	resp, err := sess.Submit(ctx, cmd)
	fields := logrus.Fields{"session": sess.ID(), "command": cmd.Name()}
	if err != nil {
		m.log.WithFields(fields).WithError(err).Warn("command failed")
		return nil, err
	}
	m.log.WithFields(fields).Debug("command acknowledged")
	return resp, nil
}

// ConfigureADC writes the ADC configuration and applies it.
func (m *Monitor) ConfigureADC(ctx context.Context, req ADCRequest) (settings.Settings, error) {
	st := m.deps.Settings.Get()
	if req.ConversionTime != "" {
		st.ConversionTime = req.ConversionTime
	}
	if req.AverageCount != "" {
		st.AverageCount = req.AverageCount
	}
	if req.ADCRange != "" {
		st.ADCRange = req.ADCRange
	}

	adc, err := st.ADCConfig()
	if err != nil {
		return st, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	cmd, err := protocol.BuildADCConfigCmd(adc)
	if err != nil {
		return st, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if _, err := m.submit(ctx, cmd); err != nil {
		return st, err
	}
	if _, err := m.submit(ctx, protocol.BuildApplyConfigCmd()); err != nil {
		return st, err
	}

	return m.updateSettings(func(s *settings.Settings) {
		s.ConversionTime, s.AverageCount, s.ADCRange = st.ConversionTime, st.AverageCount, st.ADCRange
	})
}

// SetBatteryVoltage sets the battery simulator DAC code.
func (m *Monitor) SetBatteryVoltage(ctx context.Context, code uint16) (settings.Settings, error) {
	cmd, err := protocol.BuildBatteryVoltageCmd(code)
	if err != nil {
		return m.deps.Settings.Get(), fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if _, err := m.submit(ctx, cmd); err != nil {
		return m.deps.Settings.Get(), err
	}
	return m.updateSettings(func(s *settings.Settings) { s.BatteryCode = code })
}

// SetBatteryOutput switches the battery simulator output.
func (m *Monitor) SetBatteryOutput(ctx context.Context, enabled bool) (settings.Settings, error) {
	if _, err := m.submit(ctx, protocol.BuildBatteryOutputCmd(enabled)); err != nil {
		return m.deps.Settings.Get(), err
	}
	return m.updateSettings(func(s *settings.Settings) { s.BatteryEnabled = enabled })
}

// updateSettings persists fn. Only validation failures count as an invalid
// request; write errors are returned unchanged.
func (m *Monitor) updateSettings(fn func(*settings.Settings)) (settings.Settings, error) {
	st, err := m.deps.Settings.Update(fn)
	if errors.Is(err, settings.ErrInvalid) {
		return st, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return st, err
}

// StartMeasuring asks the device to start streaming.
func (m *Monitor) StartMeasuring(ctx context.Context) (*protocol.Response, error) {
	return m.submit(ctx, protocol.BuildStartMeasureCmd())
}

// StopMeasuring asks the device to stop streaming. The reply is not validated.
func (m *Monitor) StopMeasuring(ctx context.Context) (*protocol.Response, error) {
	return m.submit(ctx, protocol.BuildStopMeasureCmd())
}

// SendRaw writes data to the command port and returns the raw reply.
func (m *Monitor) SendRaw(ctx context.Context, data []byte) ([]byte, error) {
	sess, err := m.activeSession()
	if err != nil {
		return nil, err
	}
	return sess.SubmitRaw(ctx, data)
}

// SeriesStats summarises samples [from, to) of a channel.
func (m *Monitor) SeriesStats(channel string, from, to int) (series.Stats, int, error) {
	s, err := m.series(channel)
	if err != nil {
		return series.Stats{}, 0, err
	}
	return s.Stats(from, to), s.Len(), nil
}

// SeriesSnapshot returns the retained samples of a channel.
func (m *Monitor) SeriesSnapshot(channel string) ([]int32, error) {
	s, err := m.series(channel)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

func (m *Monitor) series(channel string) (*series.Series, error) {
	switch strings.ToLower(channel) {
	case ChannelVoltage:
		return m.voltage, nil
	case "", ChannelCurrent:
		return m.current, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownChannel, channel)
	}
}

// Close disconnects. The Monitor may be connected again afterwards.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked()
}

type captureSink struct {
	rec     *capture.Recorder
	onWrite func(n int)
}

func (c captureSink) WriteFrames(ctx context.Context, frames []protocol.Frame) error {
	if err := c.rec.WriteFrames(ctx, frames); err != nil {
		return err
	}
	if c.onWrite != nil {
		c.onWrite(len(frames))
	}
	return nil
}
