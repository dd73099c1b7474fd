package serialcomm

import (
	"errors"
	"fmt"
	"io"

	"github.com/tarm/serial"
)

type serialPort struct {
	port *serial.Port
	name string
}

// OpenPort opens a serial port in 8N1 mode.
func OpenPort(cfg *SerialConfig) (Port, error) {
	if cfg.PortName == "" {
		return nil, &TransportError{Op: "open", Err: errors.New("empty port name")}
	}
	if cfg.ReadTimeout <= 0 {
		return nil, &TransportError{Op: "open", Port: cfg.PortName, Err: fmt.Errorf("read timeout must be positive, got %v", cfg.ReadTimeout)}
	}

	portCfg := &serial.Config{
		Name:        cfg.PortName,
		Baud:        cfg.BaudRate,
		Parity:      serial.ParityNone,
		ReadTimeout: cfg.ReadTimeout,
	}
	port, err := serial.OpenPort(portCfg)
	if err != nil {
		return nil, &TransportError{Op: "open", Port: cfg.PortName, Err: err}
	}
	return &serialPort{port: port, name: cfg.PortName}, nil
}

// Read returns 0, nil when the read timeout elapses. On POSIX systems the
// driver reports an expired timeout as io.EOF with no data.
func (s *serialPort) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (s *serialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialPort) Flush() error {
	return s.port.Flush()
}

func (s *serialPort) Close() error {
	return s.port.Close()
}

func (s *serialPort) Name() string {
	return s.name
}
