package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/clint456/powermon/pkg/serialcomm"
)

var _ serialcomm.Port = (*ReplayPort)(nil)

// maxReplayWait bounds how long one Read waits for the next recorded frame.
const maxReplayWait = 100 * time.Millisecond

// ReplayOptions controls a ReplayPort.
type ReplayOptions struct {
	// Speed scales the recorded inter-frame delays. Zero replays as fast as
	// the reader consumes.
	Speed float64

	// Loop restarts from the first record at the end of the capture.
	// The source must be an io.Seeker.
	Loop bool

	// Name is reported by Name(). Defaults to "replay".
	Name string
}

// ReplayPort serves a capture as a serial port. Each Read returns the wire
// bytes of recorded frames; at the end of the capture Read returns io.EOF.
// Writes are accepted and discarded.
//
// When paced, a Read waits at most maxReplayWait and returns 0, nil if the
// next frame is not due yet, like a serial read timeout.
type ReplayPort struct {
	src     io.Reader
	opts    ReplayOptions
	closing chan struct{}

	mu         sync.Mutex
	rd         *Reader
	pending    []byte
	staged     []byte
	due        time.Time
	lastOrigin int64
	closed     bool
}

// NewReplayPort replays the capture in src.
func NewReplayPort(src io.Reader, opts ReplayOptions) (*ReplayPort, error) {
	if opts.Loop {
		if _, ok := src.(io.Seeker); !ok {
			return nil, errors.New("looped replay needs a seekable source")
		}
	}
	if opts.Name == "" {
		opts.Name = "replay"
	}
	return &ReplayPort{src: src, opts: opts, rd: NewReader(src), closing: make(chan struct{})}, nil
}

// OpenReplay opens the capture file at path.
func OpenReplay(path string, opts ReplayOptions) (*ReplayPort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	if opts.Name == "" {
		opts.Name = path
	}
	p, err := NewReplayPort(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *ReplayPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	if len(p.pending) == 0 {
		if p.staged == nil {
			if err := p.next(); err != nil {
				p.mu.Unlock()
				return 0, err
			}
		}
		if wait := time.Until(p.due); wait > 0 {
			p.mu.Unlock()
			p.sleep(min(wait, maxReplayWait))
			return 0, nil
		}
		p.pending, p.staged = p.staged, nil
	}

	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *ReplayPort) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.closing:
	}
}

// next stages the following record and sets when it is due.
func (p *ReplayPort) next() error {
	rec, err := p.rd.Next()
	if errors.Is(err, io.EOF) && p.opts.Loop {
		if _, err := p.src.(io.Seeker).Seek(0, io.SeekStart); err != nil {
			return err
		}
		p.rd = NewReader(p.src)
		p.lastOrigin = 0
		rec, err = p.rd.Next()
	}
	if err != nil {
		return err
	}

	wire, err := rec.Wire()
	if err != nil {
		return err
	}

	p.due = time.Time{}
	if p.opts.Speed > 0 && p.lastOrigin != 0 {
		if gap := rec.Origin - p.lastOrigin; gap > 0 {
			p.due = time.Now().Add(time.Duration(float64(gap) / p.opts.Speed))
		}
	}
	p.lastOrigin = rec.Origin
	p.staged = wire
	return nil
}

func (p *ReplayPort) Write(b []byte) (int, error) {
	return len(b), nil
}

// Flush drops the unread part of the current frame.
func (p *ReplayPort) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	return nil
}

func (p *ReplayPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closing)
	if c, ok := p.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *ReplayPort) Name() string {
	return p.opts.Name
}
