// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcript_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Ingestion metrics
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	CallDuration      prometheus.Histogram
	FramesDropped     *prometheus.CounterVec
	AudioBytes        prometheus.Counter
	AudioFrames       prometheus.Counter

	// ASR session metrics
	ASRResults   *prometheus.CounterVec
	ASREmpty     prometheus.Counter
	ASRTimeouts  prometheus.Counter
	ASRRecycles  prometheus.Counter
	ASRErrors    *prometheus.CounterVec
	ASRUtterance prometheus.Counter

	// Log publish metrics
	PublishTotal   *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	PublishLatency prometheus.Histogram

	// Consumer metrics
	ConsumerDeliveries    *prometheus.CounterVec
	ConsumerRetries       prometheus.Counter
	ConsumerDeadLetters   *prometheus.CounterVec
	ConsumerDLFailures    *prometheus.CounterVec
	ConsumerCommitLatency prometheus.Histogram
	ConsumerTopics        prometheus.Gauge

	// Enrichment metrics
	EnrichmentLatency   *prometheus.HistogramVec
	EnrichmentFallbacks *prometheus.CounterVec
	EnrichmentIntents   *prometheus.CounterVec

	// Broadcast metrics
	BroadcastEvents     *prometheus.CounterVec
	BroadcastDuplicates prometheus.Counter
	BroadcastOverflow   *prometheus.CounterVec
	Subscribers         prometheus.Gauge

	// Health
	FatalErrors *prometheus.CounterVec
	GRPCCalls   *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_connections_total",
			Help:      "Total number of ingestion WebSocket connections",
		}, []string{"dialect"}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_connections_active",
			Help:      "Number of currently open ingestion connections",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of streamed calls in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound frames dropped",
		}, []string{"reason"}),
		AudioBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),

		ASRResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_results_total",
			Help:      "Total number of transcript results from the ASR provider",
		}, []string{"provider", "type"}),
		ASREmpty: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_empty_results_total",
			Help:      "Total number of blank transcripts filtered before publishing",
		}),
		ASRTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_first_result_timeouts_total",
			Help:      "Total number of first-result timeouts",
		}),
		ASRRecycles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_session_recycles_total",
			Help:      "Total number of upstream ASR session recycles",
		}),
		ASRErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_errors_total",
			Help:      "Total number of ASR errors",
		}, []string{"provider", "error_type"}),
		ASRUtterance: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_utterances_total",
			Help:      "Total number of utterance boundaries detected",
		}),

		PublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of segments appended to the log",
		}, []string{"kind"}),
		PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of failed log appends",
		}, []string{"kind"}),
		PublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Log append latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		ConsumerDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_deliveries_total",
			Help:      "Total number of log entries handled by the consumer",
		}, []string{"result"}),
		ConsumerRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_retries_total",
			Help:      "Total number of delivery retries",
		}),
		ConsumerDeadLetters: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_dead_letters_total",
			Help:      "Total number of dead-lettered entries",
		}, []string{"reason"}),
		ConsumerDLFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_dead_letter_failures_total",
			Help:      "Total number of entries the dead-letter sink refused",
		}, []string{"reason"}),
		ConsumerCommitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consumer_commit_latency_seconds",
			Help:      "Cursor commit latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ConsumerTopics: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_topics",
			Help:      "Number of call topics currently read by the consumer",
		}),

		EnrichmentLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enrichment_latency_seconds",
			Help:      "Enrichment stage latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"stage"}),
		EnrichmentFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_fallbacks_total",
			Help:      "Total number of degraded enrichment results",
		}, []string{"stage"}),
		EnrichmentIntents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_intents_total",
			Help:      "Total number of classified intents",
		}, []string{"intent"}),

		BroadcastEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_total",
			Help:      "Total number of events broadcast to subscribers",
		}, []string{"type"}),
		BroadcastDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_duplicates_total",
			Help:      "Total number of duplicate (callId, seq) events suppressed",
		}),
		BroadcastOverflow: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_overflow_total",
			Help:      "Total number of subscriber buffer overflows",
		}, []string{"policy"}),
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_subscribers",
			Help:      "Number of live dashboard subscriptions",
		}),

		FatalErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_errors_total",
			Help:      "Total number of unrecoverable persistence errors",
		}, []string{"component"}),
		GRPCCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of gRPC calls by method and status code",
		}, []string{"method", "code"}),
	}
}

// RecordConnectionOpen records a new ingestion connection.
func (m *Metrics) RecordConnectionOpen(dialect string) {
	m.ConnectionsTotal.WithLabelValues(dialect).Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionClosed records an ingestion connection ending.
func (m *Metrics) RecordConnectionClosed(callSeconds float64) {
	m.ConnectionsActive.Dec()
	if callSeconds > 0 {
		m.CallDuration.Observe(callSeconds)
	}
}

// RecordFrameDropped records an inbound frame that was not forwarded.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytes.Add(float64(bytes))
	m.AudioFrames.Inc()
}

// RecordASRResult records a transcript result from the provider.
func (m *Metrics) RecordASRResult(provider string, isFinal bool) {
	kind := "partial"
	if isFinal {
		kind = "final"
	}
	m.ASRResults.WithLabelValues(provider, kind).Inc()
}

// RecordASREmpty records a blank transcript that was filtered.
func (m *Metrics) RecordASREmpty() {
	m.ASREmpty.Inc()
}

// RecordASRTimeout records a first-result timeout.
func (m *Metrics) RecordASRTimeout() {
	m.ASRTimeouts.Inc()
}

// RecordASRRecycle records an upstream session recycle.
func (m *Metrics) RecordASRRecycle() {
	m.ASRRecycles.Inc()
}

// RecordASRError records an ASR error.
func (m *Metrics) RecordASRError(provider, errorType string) {
	m.ASRErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordUtterance records an utterance boundary detection.
func (m *Metrics) RecordUtterance() {
	m.ASRUtterance.Inc()
}

// RecordPublish records a log append attempt.
func (m *Metrics) RecordPublish(kind string, err error, latencySeconds float64) {
	m.PublishTotal.WithLabelValues(kind).Inc()
	m.PublishLatency.Observe(latencySeconds)
	if err != nil {
		m.PublishErrors.WithLabelValues(kind).Inc()
	}
}

// RecordDelivery records the outcome of one consumed entry.
func (m *Metrics) RecordDelivery(result string) {
	m.ConsumerDeliveries.WithLabelValues(result).Inc()
}

// RecordRetry records a delivery retry.
func (m *Metrics) RecordRetry() {
	m.ConsumerRetries.Inc()
}

// RecordDeadLetter records a dead-lettered entry.
func (m *Metrics) RecordDeadLetter(reason string) {
	m.ConsumerDeadLetters.WithLabelValues(reason).Inc()
}

// RecordDeadLetterFailure records an entry the dead-letter sink refused.
func (m *Metrics) RecordDeadLetterFailure(reason string) {
	m.ConsumerDLFailures.WithLabelValues(reason).Inc()
}

// RecordCommit records a cursor commit.
func (m *Metrics) RecordCommit(latencySeconds float64) {
	m.ConsumerCommitLatency.Observe(latencySeconds)
}

// SetConsumerTopics sets the number of tracked topics.
func (m *Metrics) SetConsumerTopics(n int) {
	m.ConsumerTopics.Set(float64(n))
}

// RecordEnrichmentStage records the latency of one enrichment stage.
func (m *Metrics) RecordEnrichmentStage(stage string, latencySeconds float64) {
	m.EnrichmentLatency.WithLabelValues(stage).Observe(latencySeconds)
}

// RecordEnrichmentFallback records a degraded enrichment stage.
func (m *Metrics) RecordEnrichmentFallback(stage string) {
	m.EnrichmentFallbacks.WithLabelValues(stage).Inc()
}

// RecordIntent records a classified intent.
func (m *Metrics) RecordIntent(intent string) {
	m.EnrichmentIntents.WithLabelValues(intent).Inc()
}

// RecordBroadcast records an event pushed to subscribers.
func (m *Metrics) RecordBroadcast(eventType string) {
	m.BroadcastEvents.WithLabelValues(eventType).Inc()
}

// RecordDuplicate records a suppressed duplicate event.
func (m *Metrics) RecordDuplicate() {
	m.BroadcastDuplicates.Inc()
}

// RecordOverflow records a subscriber buffer overflow.
func (m *Metrics) RecordOverflow(policy string) {
	m.BroadcastOverflow.WithLabelValues(policy).Inc()
}

// RecordSubscriberAdded records a new subscription.
func (m *Metrics) RecordSubscriberAdded() {
	m.Subscribers.Inc()
}

// RecordSubscriberRemoved records a pruned or closed subscription.
func (m *Metrics) RecordSubscriberRemoved() {
	m.Subscribers.Dec()
}

// RecordFatal records an unrecoverable persistence error.
func (m *Metrics) RecordFatal(component string) {
	m.FatalErrors.WithLabelValues(component).Inc()
}

// RecordGRPCCall records a finished gRPC call.
func (m *Metrics) RecordGRPCCall(method, code string) {
	m.GRPCCalls.WithLabelValues(method, code).Inc()
}
