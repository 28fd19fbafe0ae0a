// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conversational_ivr"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	ChunksAssembled     prometheus.Counter

	// Transcription metrics
	STTLatency   *prometheus.HistogramVec
	STTErrors    *prometheus.CounterVec
	GateRejected prometheus.Counter
	GateAccepted prometheus.Counter

	// Dialog brain metrics
	BrainLatency      prometheus.Histogram
	BrainErrors       *prometheus.CounterVec
	ReplyDecodeErrors prometheus.Counter

	// Call control metrics
	ActionsTotal     *prometheus.CounterVec
	TransfersTotal   *prometheus.CounterVec
	HangupsObserved  prometheus.Counter
	WatcherReconnect prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC admin metrics
	GRPCRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Session metrics
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of call sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active call sessions",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of call sessions ended",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of call sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		// Audio metrics
		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),
		ChunksAssembled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_assembled_total",
			Help:      "Total number of fixed-size audio chunks produced",
		}),

		// Transcription metrics
		STTLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Speech-to-text latency per chunk in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"provider"}),
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		GateRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejected_total",
			Help:      "Chunks whose transcription carried no meaningful speech",
		}),
		GateAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_accepted_total",
			Help:      "Chunks forwarded to the dialog brain",
		}),

		// Dialog brain metrics
		BrainLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "brain_latency_seconds",
			Help:      "Dialog-brain round-trip latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		BrainErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "brain_errors_total",
			Help:      "Total number of failed dialog-brain round-trips",
		}, []string{"error_type"}),
		ReplyDecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_decode_errors_total",
			Help:      "Total number of malformed multipart replies",
		}),

		// Call control metrics
		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Decisions applied to calls",
		}, []string{"action"}),
		TransfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfer attempts by result",
		}, []string{"result"}),
		HangupsObserved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hangups_observed_total",
			Help:      "Hangup notifications matched to an active session",
		}),
		WatcherReconnect: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hangup_watcher_reconnects_total",
			Help:      "Reconnect attempts of the hangup watcher",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		GRPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC admin requests by method and code",
		}, []string{"method", "code"}),
	}
}

// RecordSessionStart records a new call session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a call session ending.
func (m *Metrics) RecordSessionEnd(reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordChunk records a chunk handed to transcription.
func (m *Metrics) RecordChunk() {
	m.ChunksAssembled.Inc()
}

// RecordSTT records a transcription attempt.
func (m *Metrics) RecordSTT(provider string, err error, latencySeconds float64) {
	m.STTLatency.WithLabelValues(provider).Observe(latencySeconds)
	if err != nil {
		m.STTErrors.WithLabelValues(provider, errorType(err)).Inc()
	}
}

// RecordGate records the speech gate outcome for a chunk.
func (m *Metrics) RecordGate(accepted bool) {
	if accepted {
		m.GateAccepted.Inc()
	} else {
		m.GateRejected.Inc()
	}
}

// RecordBrain records a dialog-brain round-trip.
func (m *Metrics) RecordBrain(err error, latencySeconds float64) {
	m.BrainLatency.Observe(latencySeconds)
	if err != nil {
		m.BrainErrors.WithLabelValues(errorType(err)).Inc()
	}
}

// RecordDecodeError records a malformed reply envelope.
func (m *Metrics) RecordDecodeError() {
	m.ReplyDecodeErrors.Inc()
}

// RecordAction records a decision applied to a call.
func (m *Metrics) RecordAction(action string) {
	m.ActionsTotal.WithLabelValues(action).Inc()
}

// RecordTransfer records a transfer attempt result.
func (m *Metrics) RecordTransfer(result string) {
	m.TransfersTotal.WithLabelValues(result).Inc()
}

// RecordHangup records a hangup matched to an active session.
func (m *Metrics) RecordHangup() {
	m.HangupsObserved.Inc()
}

// RecordWatcherReconnect records a hangup watcher reconnect attempt.
func (m *Metrics) RecordWatcherReconnect() {
	m.WatcherReconnect.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCRequest records a gRPC admin call.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
}

func errorType(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return "timeout"
	}
	return "error"
}
