// Package metrics provides Prometheus metrics for the recording pipeline
package metrics

import (
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petems/plant-recorder/internal/audio"
)

// Session outcomes used as the "outcome" label.
const (
	OutcomePersisted = "persisted"
	OutcomeFailed    = "failed"
	OutcomeEmpty     = "empty"
)

// CaptureQueue is the consumer label used for blocks lost between the
// device and the distributor.
const CaptureQueue = "capture"

// Metrics contains the recorder's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	blocksCaptured   prometheus.Counter
	overflows        prometheus.Counter
	samplesCaptured  prometheus.Counter
	queueDrops       *prometheus.CounterVec
	consumerBytes    *prometheus.CounterVec
	sessions         *prometheus.CounterVec
	sessionActive    prometheus.Gauge
	lastRecordingLen prometheus.Gauge
}

// New creates the collectors and registers them on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.blocksCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plantrec_capture_blocks_total",
		Help: "Total number of blocks read from the input device",
	})
	m.samplesCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plantrec_capture_samples_total",
		Help: "Total number of samples read from the input device, all channels",
	})
	m.overflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plantrec_capture_overflows_total",
		Help: "Total number of reads where the device reported dropped input",
	})
	m.queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantrec_queue_drops_total",
			Help: "Total number of blocks a queue rejected or evicted, by consumer",
		},
		[]string{"consumer"},
	)
	m.consumerBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantrec_consumer_bytes_total",
			Help: "Total number of PCM bytes handled by each consumer",
		},
		[]string{"consumer"},
	)
	m.sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plantrec_sessions_total",
			Help: "Total number of finished recording sessions",
		},
		[]string{"outcome"}, // outcome: persisted, failed, empty
	)
	m.sessionActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plantrec_session_active",
		Help: "1 while a recording session is capturing",
	})
	m.lastRecordingLen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plantrec_last_recording_bytes",
		Help: "PCM payload size of the last persisted recording",
	})
}

// BlockCaptured implements audio.Observer.
func (m *Metrics) BlockCaptured(b audio.Block) {
	if m == nil {
		return
	}
	m.blocksCaptured.Inc()
	m.samplesCaptured.Add(float64(len(b.Samples)))
}

// Overflow implements audio.Observer.
func (m *Metrics) Overflow(uint64) {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

// CaptureDropped implements audio.Observer. Losses at the capture queue
// share the drop counter under consumer="capture".
func (m *Metrics) CaptureDropped(uint64) {
	m.BlockDropped(CaptureQueue)
}

// BlockDropped records a block a consumer queue did not take as-is.
func (m *Metrics) BlockDropped(consumer string) {
	if m == nil {
		return
	}
	m.queueDrops.WithLabelValues(consumer).Inc()
}

// BlockWritten records bytes handled by a consumer.
func (m *Metrics) BlockWritten(consumer string, bytes int) {
	if m == nil {
		return
	}
	m.consumerBytes.WithLabelValues(consumer).Add(float64(bytes))
}

// SessionStarted marks a session as capturing.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionActive.Set(1)
}

// SessionEnded records the outcome of a session and, when persisted, its
// payload size.
func (m *Metrics) SessionEnded(outcome string, payloadBytes int64) {
	if m == nil {
		return
	}
	m.sessionActive.Set(0)
	m.sessions.WithLabelValues(outcome).Inc()
	if outcome == OutcomePersisted {
		m.lastRecordingLen.Set(float64(payloadBytes))
	}
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.blocksCaptured.Describe(ch)
	m.samplesCaptured.Describe(ch)
	m.overflows.Describe(ch)
	m.queueDrops.Describe(ch)
	m.consumerBytes.Describe(ch)
	m.sessions.Describe(ch)
	m.sessionActive.Describe(ch)
	m.lastRecordingLen.Describe(ch)
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.blocksCaptured.Collect(ch)
	m.samplesCaptured.Collect(ch)
	m.overflows.Collect(ch)
	m.queueDrops.Collect(ch)
	m.consumerBytes.Collect(ch)
	m.sessions.Collect(ch)
	m.sessionActive.Collect(ch)
	m.lastRecordingLen.Collect(ch)
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
}
