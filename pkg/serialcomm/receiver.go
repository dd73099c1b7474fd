package serialcomm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/pkg/protocol"
)

const (
	defaultQueueSize      = 256
	defaultReadBufferSize = 4096
)

// ErrAlreadyStarted is returned by Start on a Receiver that already ran.
var ErrAlreadyStarted = errors.New("receiver already started")

// Receiver reads the data port on its own goroutine, decodes telemetry frames
// and hands them to the consumer through a bounded channel.
//
// A Receiver runs once. After Stop or a fatal error, build a new one.
type Receiver struct {
	port    Port
	cfg     ReceiverConfig
	log     logrus.FieldLogger
	decoder *protocol.FrameDecoder
	frames  chan protocol.Frame
	done    chan struct{}

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	err      error
	stopOnce sync.Once
	stopErr  error

	bytesRead    atomic.Uint64
	frameCount   atomic.Uint64
	desyncs      atomic.Uint64
	skippedBytes atomic.Uint64
	dropped      atomic.Uint64
	lastID       atomic.Uint32
}

// NewReceiver creates a Receiver for port. The port is owned by the Receiver
// from now on and is closed by Stop.
func NewReceiver(port Port, cfg ReceiverConfig) (*Receiver, error) {
	if port == nil {
		return nil, errors.New("port cannot be nil")
	}
	decoder, err := protocol.NewFrameDecoder(cfg.SampleCount)
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}

	log := cfg.Logger
	if log == nil {
		log = discardLogger()
	}

	return &Receiver{
		port:    port,
		cfg:     cfg,
		log:     log.WithField("port", port.Name()),
		decoder: decoder,
		frames:  make(chan protocol.Frame, cfg.QueueSize),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the receive goroutine. The loop ends when ctx is cancelled,
// Stop is called or the port fails.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
	return nil
}

// Frames returns the handoff channel. It is closed when the loop exits.
func (r *Receiver) Frames() <-chan protocol.Frame {
	return r.frames
}

// Done is closed when the receive loop has exited.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Err returns the fatal error that ended the loop, or nil.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop cancels the loop, waits for the current read to return and closes the
// port. The wait is bounded by the port's read timeout. Stop is idempotent.
func (r *Receiver) Stop() error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.started
		r.started = true
		cancel := r.cancel
		r.mu.Unlock()

		if started {
			cancel()
			<-r.done
		} else {
			close(r.frames)
			close(r.done)
		}

		if err := r.port.Close(); err != nil {
			r.stopErr = &TransportError{Op: "close", Port: r.port.Name(), Err: err}
		}
		r.log.Info("serial listener stopped")
	})
	return r.stopErr
}

// Stats returns running totals. Safe for concurrent use.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		BytesRead:     r.bytesRead.Load(),
		Frames:        r.frameCount.Load(),
		Desyncs:       r.desyncs.Load(),
		SkippedBytes:  r.skippedBytes.Load(),
		Dropped:       r.dropped.Load(),
		LastPackageID: r.lastID.Load(),
	}
}

func (r *Receiver) run(ctx context.Context) {
	defer close(r.done)
	defer close(r.frames)
	defer func() {
		if d, ok := r.decoder.Flush(); ok {
			r.reportDesync(d)
		}
	}()

	r.log.WithFields(logrus.Fields{
		"sample_count": r.cfg.SampleCount,
		"frame_size":   r.decoder.FrameSize(),
		"queue":        r.cfg.QueueSize,
		"backpressure": r.cfg.Backpressure.String(),
	}).Info("serial listener started")

	buf := make([]byte, r.cfg.ReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := r.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.fail(&TransportError{Op: "read", Port: r.port.Name(), Err: err})
			return
		}
		if n == 0 {
			continue
		}
		r.bytesRead.Add(uint64(n))

		frames, desyncs := r.decoder.Feed(buf[:n])
		for _, d := range desyncs {
			r.reportDesync(d)
		}
		for _, f := range frames {
			r.frameCount.Add(1)
			r.lastID.Store(f.PackageID)
			if !r.deliver(ctx, f) {
				return
			}
		}
	}
}

func (r *Receiver) reportDesync(d protocol.Desync) {
	r.desyncs.Add(1)
	r.skippedBytes.Add(uint64(d.Skipped))
	r.log.WithFields(logrus.Fields{
		"skipped": d.Skipped,
		"offset":  d.Offset,
	}).Debug("signature mismatch, resynchronised")
	if r.cfg.OnDesync != nil {
		r.cfg.OnDesync(d)
	}
}

// deliver hands f to the consumer according to the backpressure policy.
// It returns false when ctx was cancelled while blocked.
func (r *Receiver) deliver(ctx context.Context, f protocol.Frame) bool {
	if r.cfg.Backpressure == Block {
		select {
		case r.frames <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case r.frames <- f:
			return true
		default:
		}

		select {
		case old := <-r.frames:
			r.dropped.Add(1)
			if r.cfg.OnDrop != nil {
				r.cfg.OnDrop(old)
			}
		default:
		}
	}
}

func (r *Receiver) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()

	r.log.WithError(err).Error("serial listener failed")
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}

func (r *Receiver) String() string {
	return fmt.Sprintf("receiver(%s, n=%d)", r.port.Name(), r.cfg.SampleCount)
}
