package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/serialcomm"
)

// memPort is an in-memory serialcomm.Port.
type memPort struct {
	name string

	mu      sync.Mutex
	reads   [][]byte
	readErr error
	written []byte
	flushes int
	closed  bool
	ack     bool
}

func (p *memPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("closed")
	}
	if len(p.reads) == 0 {
		err := p.readErr
		p.mu.Unlock()
		if err != nil {
			return 0, err
		}
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.reads[0])
	if n < len(p.reads[0]) {
		p.reads[0] = p.reads[0][n:]
	} else {
		p.reads = p.reads[1:]
	}
	p.mu.Unlock()
	return n, nil
}

func (p *memPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	if p.ack {
		p.reads = append(p.reads, []byte{b[0], protocol.StatusSuccess, 0, 0})
	}
	return len(b), nil
}

func (p *memPort) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *memPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *memPort) Name() string { return p.name }

func (p *memPort) push(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, data)
}

func (p *memPort) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

func (p *memPort) snapshot() (flushes int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes, p.closed
}

type portSet struct {
	mu     sync.Mutex
	ports  map[string]*memPort
	opened []string
	fail   map[string]error
}

func newPortSet() *portSet {
	return &portSet{
		ports: map[string]*memPort{
			"CMD":  {name: "CMD", ack: true},
			"DATA": {name: "DATA"},
		},
		fail: map[string]error{},
	}
}

func (ps *portSet) open(cfg *serialcomm.SerialConfig) (serialcomm.Port, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := ps.fail[cfg.PortName]; err != nil {
		return nil, &serialcomm.TransportError{Op: "open", Port: cfg.PortName, Err: err}
	}
	ps.opened = append(ps.opened, cfg.PortName)
	return ps.ports[cfg.PortName], nil
}

func testConfig() Config {
	return Config{
		CommandPort:       "CMD",
		DataPort:          "DATA",
		BaudRate:          10000000,
		ReadTimeout:       10 * time.Millisecond,
		FlushOnDisconnect: true,
		SampleCount:       protocol.SampleCount63,
		QueueSize:         16,
		CommandTimeout:    50 * time.Millisecond,
	}
}

func testFrame(id uint32) protocol.Frame {
	n := protocol.SampleCount63
	f := protocol.Frame{PackageID: id, Voltage: make([]int32, n), Current: make([]int32, n)}
	for i := 0; i < n; i++ {
		f.Voltage[i] = int32(i)
		f.Current[i] = int32(id)
	}
	return f
}

func wire(frames ...protocol.Frame) []byte {
	var out []byte
	for i := range frames {
		out = protocol.AppendFrame(out, &frames[i])
	}
	return out
}

type recordingObserver struct {
	nopObserver
	mu       sync.Mutex
	states   []string
	commands []string
}

func (o *recordingObserver) StateChanged(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) CommandExecuted(name string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, name)
}

func TestSessionLifecycle(t *testing.T) {
	ports := newPortSet()
	obs := &recordingObserver{}
	s := New(testConfig(), Options{Opener: ports.open, Observer: obs})

	assert.Equal(t, Disconnected, s.State())
	assert.Nil(t, s.Frames())
	assert.NotEmpty(t, s.ID())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Streaming, s.State())
	assert.Equal(t, []string{"DATA", "CMD"}, ports.opened)

	ports.ports["DATA"].push(wire(testFrame(1), testFrame(2)))
	var got []uint32
	for len(got) < 2 {
		select {
		case f := <-s.Frames():
			got = append(got, f.PackageID)
		case <-time.After(time.Second):
			t.Fatal("no frames")
		}
	}
	assert.Equal(t, []uint32{1, 2}, got)

	resp, err := s.Submit(context.Background(), protocol.BuildStartMeasureCmd())
	require.NoError(t, err)
	assert.True(t, resp.OK())

	status := s.Status()
	assert.Equal(t, Streaming, status.State)
	assert.Equal(t, uint64(2), status.Stream.Frames)
	assert.NotNil(t, status.ConnectedAt)

	require.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())

	for _, name := range []string{"CMD", "DATA"} {
		flushes, closed := ports.ports[name].snapshot()
		assert.Equal(t, 1, flushes, name)
		assert.True(t, closed, name)
	}

	assert.ErrorIs(t, s.Connect(context.Background()), ErrSessionUsed)
	_, err = s.Submit(context.Background(), protocol.BuildStopMeasureCmd())
	assert.ErrorIs(t, err, ErrNotStreaming)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"connecting", "streaming", "disconnected"}, obs.states)
	assert.Equal(t, []string{"start measuring"}, obs.commands)
}

func TestSessionOpenFailure(t *testing.T) {
	ports := newPortSet()
	ports.fail["CMD"] = errors.New("no such device")

	var fatal error
	s := New(testConfig(), Options{Opener: ports.open, OnFatal: func(err error) { fatal = err }})

	err := s.Connect(context.Background())
	var te *serialcomm.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "CMD", te.Port)
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, err, fatal)

	_, closed := ports.ports["DATA"].snapshot()
	assert.True(t, closed, "data port must be released when the command port fails")

	require.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())
}

func TestSessionFatalReadError(t *testing.T) {
	ports := newPortSet()
	fatal := make(chan error, 1)
	s := New(testConfig(), Options{Opener: ports.open, OnFatal: func(err error) { fatal <- err }})
	require.NoError(t, s.Connect(context.Background()))

	unplugged := errors.New("device unplugged")
	ports.ports["DATA"].fail(unplugged)

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, unplugged)
	case <-time.After(time.Second):
		t.Fatal("fatal error not reported")
	}
	assert.Equal(t, Failed, s.State())
	assert.ErrorIs(t, s.Err(), unplugged)
	assert.Contains(t, s.Status().Error, "device unplugged")

	_, err := s.Submit(context.Background(), protocol.BuildStartMeasureCmd())
	assert.ErrorIs(t, err, ErrNotStreaming)

	require.NoError(t, s.Close())
	_, closed := ports.ports["CMD"].snapshot()
	assert.True(t, closed)
}

func TestSessionSharedPort(t *testing.T) {
	ports := newPortSet()
	ports.ports["DATA"].ack = true

	cfg := testConfig()
	cfg.SharedPort = true
	s := New(cfg, Options{Opener: ports.open})
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, []string{"DATA"}, ports.opened)

	_, err := s.Submit(context.Background(), protocol.BuildApplyConfigCmd())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	flushes, closed := ports.ports["DATA"].snapshot()
	assert.Equal(t, 1, flushes)
	assert.True(t, closed)
}

func TestSessionProtocolErrorKeepsStreaming(t *testing.T) {
	ports := newPortSet()
	ports.ports["CMD"].ack = false

	s := New(testConfig(), Options{Opener: ports.open})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	_, err := s.Submit(context.Background(), protocol.BuildStartMeasureCmd())
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, Streaming, s.State())

	reply, err := s.SubmitRaw(context.Background(), []byte{0x07, 0, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestSessionConnectCancelled(t *testing.T) {
	ports := newPortSet()
	s := New(testConfig(), Options{Opener: ports.open})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Connect(ctx), context.Canceled)
	assert.Equal(t, Failed, s.State())
	assert.Empty(t, ports.opened)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "error", Failed.String())
	assert.Equal(t, "State(7)", State(7).String())
	text, err := Streaming.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "streaming", string(text))
}
