package serialcomm

import "sync"

// SharedPort gates every access to a port shared by the receive loop and the
// command channel. Single reads and writes take the gate briefly; Exchange
// holds it for a whole command write+read so the receive loop cannot consume
// the response.
//
// Telemetry bytes that arrive during an exchange may still be read as part of
// the response. Use separate ports when the device streams while commands are
// issued.
type SharedPort struct {
	mu   sync.Mutex
	port Port
}

// NewSharedPort wraps p.
func NewSharedPort(p Port) *SharedPort {
	return &SharedPort{port: p}
}

func (s *SharedPort) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Read(p)
}

func (s *SharedPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Write(p)
}

func (s *SharedPort) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Flush()
}

// Close closes the underlying port without taking the gate, so that a
// blocked Read is released.
func (s *SharedPort) Close() error {
	return s.port.Close()
}

func (s *SharedPort) Name() string {
	return s.port.Name()
}

// Exchange runs fn with exclusive access to the underlying port.
func (s *SharedPort) Exchange(fn func(p Port) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.port)
}

type exchanger interface {
	Exchange(fn func(p Port) error) error
}
