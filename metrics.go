package cfenc

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for one run. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FramesSubmitted    prometheus.Counter
	SamplesWritten     prometheus.Counter
	EncodedBytes       prometheus.Counter
	PassthroughPackets prometheus.Counter
	SubmitStalls       prometheus.Counter
	IdlePolls          prometheus.Counter
	OutOfOrderSamples  prometheus.Counter
	FramesInFlight     prometheus.Gauge
	EncodeLatency      prometheus.Histogram
	RunDuration        prometheus.Gauge
	QueueCapacity      prometheus.Gauge
	EncoderThreads     prometheus.Gauge
}

// NewMetrics registers the run collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FramesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cfenc_frames_submitted_total",
			Help: "Frames submitted to the CineForm encoder pool",
		}),
		SamplesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "cfenc_samples_written_total",
			Help: "Encoded samples retrieved from the pool and written to the output",
		}),
		EncodedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "cfenc_encoded_bytes_total",
			Help: "Bytes of CineForm samples written",
		}),
		PassthroughPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "cfenc_passthrough_packets_total",
			Help: "Non-video packets remuxed unchanged",
		}),
		SubmitStalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "cfenc_submit_stalls_total",
			Help: "Polls forced by a full in-flight queue or busy slot",
		}),
		IdlePolls: factory.NewCounter(prometheus.CounterOpts{
			Name: "cfenc_idle_polls_total",
			Help: "Polls that found no completed sample and slept",
		}),
		OutOfOrderSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "cfenc_out_of_order_samples_total",
			Help: "Samples returned with a frame number lower than one already written",
		}),
		FramesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cfenc_frames_in_flight",
			Help: "Frames submitted but not yet retrieved",
		}),
		EncodeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cfenc_encode_latency_seconds",
			Help:    "Time from frame submission to sample retrieval",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		RunDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cfenc_run_duration_seconds",
			Help: "Wall time of the transcode run",
		}),
		QueueCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cfenc_queue_capacity",
			Help: "In-flight frame bound (ring size)",
		}),
		EncoderThreads: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cfenc_encoder_threads",
			Help: "CineForm encoder pool worker threads",
		}),
	}
}

// Registry returns the registry holding the run collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the metrics in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}

func (m *Metrics) configure(cfg EncodeConfig) {
	if m == nil {
		return
	}
	m.QueueCapacity.Set(float64(cfg.Capacity))
	m.EncoderThreads.Set(float64(cfg.Threads))
}

func (m *Metrics) frameSubmitted(inFlight int) {
	if m == nil {
		return
	}
	m.FramesSubmitted.Inc()
	m.FramesInFlight.Set(float64(inFlight))
}

func (m *Metrics) sampleEmitted(size int, latency time.Duration, inFlight int) {
	if m == nil {
		return
	}
	m.SamplesWritten.Inc()
	m.EncodedBytes.Add(float64(size))
	m.EncodeLatency.Observe(latency.Seconds())
	m.FramesInFlight.Set(float64(inFlight))
}

func (m *Metrics) passthrough() {
	if m == nil {
		return
	}
	m.PassthroughPackets.Inc()
}

func (m *Metrics) submitStall() {
	if m == nil {
		return
	}
	m.SubmitStalls.Inc()
}

func (m *Metrics) idlePoll() {
	if m == nil {
		return
	}
	m.IdlePolls.Inc()
}

func (m *Metrics) outOfOrder() {
	if m == nil {
		return
	}
	m.OutOfOrderSamples.Inc()
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.FramesInFlight.Set(float64(n))
}

func (m *Metrics) runFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Set(d.Seconds())
}
