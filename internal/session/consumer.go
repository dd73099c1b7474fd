package session

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/serialcomm"
	"github.com/clint456/powermon/pkg/series"
)

// FrameSink receives every consumed batch, in order.
type FrameSink interface {
	WriteFrames(ctx context.Context, frames []protocol.Frame) error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Frames   <-chan protocol.Frame
	Interval time.Duration
	Voltage  *series.Series
	Current  *series.Series
	Sinks    []FrameSink

	// Stats, when set, is polled every tick to report bytes read.
	Stats func() serialcomm.ReceiverStats

	Observer Observer
	Logger   logrus.FieldLogger
}

// Consumer drains the frame channel on a fixed tick and appends the samples
// to the voltage and current series in arrival order.
type Consumer struct {
	cfg       ConsumerConfig
	log       logrus.FieldLogger
	lastBytes uint64
}

// NewConsumer creates a Consumer. Interval defaults to 50ms.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Consumer{cfg: cfg, log: log}
}

// Run drains until ctx is done or the frame channel is closed and empty.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Drain(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			if _, open := c.Drain(ctx); !open {
				return
			}
		}
	}
}

// Drain consumes every frame currently queued. It reports the number of
// frames consumed and whether the channel is still open.
func (c *Consumer) Drain(ctx context.Context) (int, bool) {
	var batch []protocol.Frame
	open := true

loop:
	for {
		select {
		case f, ok := <-c.cfg.Frames:
			if !ok {
				open = false
				break loop
			}
			batch = append(batch, f)
		default:
			break loop
		}
	}

	c.reportBytes()
	if len(batch) == 0 {
		return 0, open
	}

	for i := range batch {
		if c.cfg.Voltage != nil {
			c.cfg.Voltage.Append(batch[i].Voltage...)
		}
		if c.cfg.Current != nil {
			c.cfg.Current.Append(batch[i].Current...)
		}
	}

	for _, sink := range c.cfg.Sinks {
		if err := sink.WriteFrames(ctx, batch); err != nil {
			c.log.WithError(err).WithField("frames", len(batch)).Warn("frame sink failed")
		}
	}

	c.cfg.Observer.FramesConsumed(len(batch))
	return len(batch), open
}

func (c *Consumer) reportBytes() {
	if c.cfg.Stats == nil {
		return
	}
	total := c.cfg.Stats().BytesRead
	if total > c.lastBytes {
		c.cfg.Observer.StreamRead(total - c.lastBytes)
		c.lastBytes = total
	}
}
