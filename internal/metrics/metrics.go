package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clint456/powermon/pkg/protocol"
)

const namespace = "powermon"

// Command results used as label values.
const (
	ResultOK        = "ok"
	ResultTimeout   = "timeout"
	ResultShort     = "short"
	ResultRejected  = "rejected"
	ResultTransport = "transport"
)

// Metrics holds the process collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	BytesRead       prometheus.Counter
	Frames          prometheus.Counter
	Desyncs         prometheus.Counter
	SkippedBytes    prometheus.Counter
	DroppedFrames   prometheus.Counter
	Sessions        prometheus.Counter
	SessionState    *prometheus.GaugeVec
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	PublishErrors   prometheus.Counter
	CaptureRecords  prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_read_total",
			Help:      "Bytes read from the data port.",
		}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Telemetry frames decoded and consumed.",
		}),
		Desyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_desyncs_total",
			Help:      "Signature mismatches that forced a resync.",
		}),
		SkippedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_skipped_bytes_total",
			Help:      "Bytes discarded while resynchronising.",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_frames_total",
			Help:      "Frames evicted from a full handoff queue.",
		}),
		Sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Connection attempts.",
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state.",
		}, []string{"state"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command exchanges by command and result.",
		}, []string{"command", "result"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command exchange latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"command"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed frame publications.",
		}),
		CaptureRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_records_total",
			Help:      "Frames written to capture files.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BytesRead,
		m.Frames,
		m.Desyncs,
		m.SkippedBytes,
		m.DroppedFrames,
		m.Sessions,
		m.SessionState,
		m.Commands,
		m.CommandDuration,
		m.PublishErrors,
		m.CaptureRecords,
	)
	return m
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted counts a connection attempt.
func (m *Metrics) SessionStarted() {
	m.Sessions.Inc()
}

// StateChanged marks state as the only active session state.
func (m *Metrics) StateChanged(state string) {
	m.SessionState.Reset()
	m.SessionState.WithLabelValues(state).Set(1)
}

func (m *Metrics) StreamRead(bytes uint64) {
	m.BytesRead.Add(float64(bytes))
}

func (m *Metrics) FramesConsumed(n int) {
	m.Frames.Add(float64(n))
}

func (m *Metrics) Desync(d protocol.Desync) {
	m.Desyncs.Inc()
	m.SkippedBytes.Add(float64(d.Skipped))
}

func (m *Metrics) FrameDropped() {
	m.DroppedFrames.Inc()
}

// CommandExecuted records one exchange.
func (m *Metrics) CommandExecuted(command string, d time.Duration, err error) {
	m.Commands.WithLabelValues(command, Result(err)).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// Result maps a command error to a result label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, protocol.ErrTimeout):
		return ResultTimeout
	case errors.Is(err, protocol.ErrShortResponse):
		return ResultShort
	case errors.Is(err, protocol.ErrRejected):
		return ResultRejected
	default:
		return ResultTransport
	}
}
