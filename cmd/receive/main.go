// Command receive decodes telemetry from a data port, or from a capture file,
// and prints one line per frame.
//
//	receive -port COM14
//	receive -port COM14 -record captures -count 1000
//	receive -replay captures/<session>.pmcap -speed 1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/internal/capture"
	"github.com/clint456/powermon/internal/config"
	"github.com/clint456/powermon/internal/logger"
	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/serialcomm"
	"github.com/clint456/powermon/pkg/series"
)

func main() {
	var (
		configPath = flag.String("config", "", "configuration file")
		portName   = flag.String("port", "", "data port (defaults to serial.dataPort)")
		baud       = flag.Int("baud", 0, "baud rate (defaults to serial.baudRate)")
		replay     = flag.String("replay", "", "capture file to replay instead of a port")
		speed      = flag.Float64("speed", 0, "replay speed factor, 0 for as fast as possible")
		loop       = flag.Bool("loop", false, "loop the replay")
		record     = flag.String("record", "", "directory to write a capture to")
		count      = flag.Int("count", 0, "stop after this many frames, 0 for no limit")
		quiet      = flag.Bool("quiet", false, "print only the summary")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}

	port, policy, err := openSource(cfg, *portName, *baud, *replay, capture.ReplayOptions{Speed: *speed, Loop: *loop})
	if err != nil {
		log.WithError(err).Fatal("failed to open source")
	}

	rx, err := serialcomm.NewReceiver(port, serialcomm.ReceiverConfig{
		SampleCount:    cfg.Stream.SampleCount,
		QueueSize:      cfg.Stream.QueueSize,
		Backpressure:   policy,
		ReadBufferSize: cfg.Stream.ReadBufferSize,
		Logger:         log,
		OnDesync: func(d protocol.Desync) {
			log.WithFields(logrus.Fields{"skipped": d.Skipped, "offset": d.Offset}).Warn("resynchronised")
		},
	})
	if err != nil {
		port.Close()
		log.WithError(err).Fatal("failed to create receiver")
	}

	var rec *capture.Recorder
	if *record != "" {
		var path string
		rec, path, err = capture.Create(*record, uuid.NewString())
		if err != nil {
			port.Close()
			log.WithError(err).Fatal("failed to create capture")
		}
		log.WithField("file", path).Info("recording")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rx.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start receiver")
	}

	voltage, current := series.New(cfg.Stream.MaxDataSize), series.New(cfg.Stream.MaxDataSize)
	frames := consume(ctx, rx.Frames(), *count, rec, voltage, current, *quiet, log)

	if err := rx.Stop(); err != nil {
		log.WithError(err).Warn("failed to close source")
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.WithError(err).Error("failed to close capture")
		}
	}
	if err := rx.Err(); err != nil && !errors.Is(err, io.EOF) {
		log.WithError(err).Error("receive stopped")
	}

	stats := rx.Stats()
	totals := summarise(voltage, current)
	log.WithFields(logrus.Fields{
		"frames":       frames,
		"bytes":        stats.BytesRead,
		"desyncs":      stats.Desyncs,
		"skippedBytes": stats.SkippedBytes,
		"dropped":      stats.Dropped,
		"voltageMean":  totals.voltage.Mean,
		"currentMean":  totals.current.Mean,
	}).Info("done")
}

// openSource opens the replay file when one is given, else the data port.
// Replays block instead of dropping frames.
func openSource(cfg *config.Config, portName string, baud int, replay string, opts capture.ReplayOptions) (serialcomm.Port, serialcomm.BackpressurePolicy, error) {
	if replay != "" {
		p, err := capture.OpenReplay(replay, opts)
		return p, serialcomm.Block, err
	}
	if portName == "" {
		portName = cfg.Serial.DataPort
	}
	if baud == 0 {
		baud = cfg.Serial.BaudRate
	}
	p, err := serialcomm.OpenPort(&serialcomm.SerialConfig{
		PortName:    portName,
		BaudRate:    baud,
		ReadTimeout: cfg.Serial.ReadTimeout,
	})
	return p, cfg.BackpressurePolicy(), err
}

// consume prints and records frames until the channel closes, ctx is done or
// limit frames have been seen.
func consume(ctx context.Context, frames <-chan protocol.Frame, limit int, rec *capture.Recorder,
	voltage, current *series.Series, quiet bool, log logrus.FieldLogger) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case f, ok := <-frames:
			if !ok {
				return n
			}
			n++
			voltage.Append(f.Voltage...)
			current.Append(f.Current...)

			if rec != nil {
				if err := rec.WriteFrames(ctx, []protocol.Frame{f}); err != nil {
					log.WithError(err).Error("capture write failed")
				}
			}
			if !quiet {
				fmt.Println(formatFrame(&f))
			}
			if limit > 0 && n >= limit {
				return n
			}
		}
	}
}

type summary struct {
	voltage series.Stats
	current series.Stats
}

func summarise(voltage, current *series.Series) summary {
	return summary{
		voltage: voltage.Stats(0, voltage.Len()),
		current: current.Stats(0, current.Len()),
	}
}

func formatFrame(f *protocol.Frame) string {
	vs, cs := frameStats(f.Voltage), frameStats(f.Current)
	return fmt.Sprintf("package %d: voltage mean %.1f [%d, %d] current mean %.1f [%d, %d]",
		f.PackageID, vs.Mean, vs.Min, vs.Max, cs.Mean, cs.Min, cs.Max)
}

func frameStats(samples []int32) series.Stats {
	if len(samples) == 0 {
		return series.Stats{}
	}
	st := series.Stats{Count: len(samples), Min: samples[0], Max: samples[0]}
	var sum int64
	for _, v := range samples {
		sum += int64(v)
		st.Min = min(st.Min, v)
		st.Max = max(st.Max, v)
	}
	st.Mean = float64(sum) / float64(len(samples))
	return st
}
