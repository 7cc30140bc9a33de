package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the meeting relay service
type Metrics struct {
	// WebSocket connection metrics
	ConnectionsUpgraded *prometheus.CounterVec
	ActiveConnections   *prometheus.GaugeVec
	ReadErrors          prometheus.Counter

	// Relay session metrics
	ActiveRelays    prometheus.Gauge
	RelaysCreated   prometheus.Counter
	RelaysDestroyed prometheus.Counter
	RelayDuration   prometheus.Histogram
	BotReplacements prometheus.Counter

	// Forwarding metrics
	MessagesForwarded *prometheus.CounterVec
	ForwardErrors     prometheus.Counter
	SpeakerChanges    prometheus.Counter

	// Audio batching metrics
	AudioBytesBatched prometheus.Counter
	FlushesPerformed  prometheus.Counter
	FlushesSkipped    *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	FlushSize         prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// Persistence metrics
	TranscriptsPersisted prometheus.Counter
	PersistenceFailures  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics against the given
// registerer. Production wiring passes prometheus.DefaultRegisterer; tests
// pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// WebSocket connection metrics
		ConnectionsUpgraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connections_upgraded_total",
			Help: "Total number of WebSocket connections upgraded, by assigned role",
		}, []string{"role"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Current number of open WebSocket connections, by role",
		}, []string{"role"}),
		ReadErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_read_errors_total",
			Help: "Total number of WebSocket read errors (includes normal closes)",
		}),

		// Relay session metrics
		ActiveRelays: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of active relay sessions",
		}),
		RelaysCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of relay sessions created",
		}),
		RelaysDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_destroyed_total",
			Help: "Total number of relay sessions destroyed",
		}),
		RelayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Duration of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		BotReplacements: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bot_replacements_total",
			Help: "Total number of times a second bot registration replaced an existing one",
		}),

		// Forwarding metrics
		MessagesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_forwarded_total",
			Help: "Total number of messages forwarded, by direction",
		}, []string{"direction"}),
		ForwardErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_forward_errors_total",
			Help: "Total number of failed forwards to closed or broken connections",
		}),
		SpeakerChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_speaker_changes_total",
			Help: "Total number of active-speaker rising edges observed",
		}),

		// Audio batching metrics
		AudioBytesBatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_audio_bytes_batched_total",
			Help: "Total number of raw PCM bytes appended to flush windows",
		}),
		FlushesPerformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_flushes_performed_total",
			Help: "Total number of flush windows submitted to the transcription backend",
		}),
		FlushesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_flushes_skipped_total",
			Help: "Total number of skipped flushes, by reason (empty, busy)",
		}, []string{"reason"}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_flush_duration_seconds",
			Help:    "Wall-clock duration of flush operations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		FlushSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_flush_size_bytes",
			Help:    "Size of submitted audio containers in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		// Persistence metrics
		TranscriptsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcripts_persisted_total",
			Help: "Total number of transcript events written to storage",
		}),
		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_persistence_failures_total",
			Help: "Total number of failed transcript writes (non-fatal)",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionUpgraded increments the upgrade counter for a role
func (m *Metrics) RecordConnectionUpgraded(role string) {
	m.ConnectionsUpgraded.WithLabelValues(role).Inc()
	m.ActiveConnections.WithLabelValues(role).Inc()
}

// RecordConnectionClosed decrements the active connection gauge for a role
func (m *Metrics) RecordConnectionClosed(role string) {
	m.ActiveConnections.WithLabelValues(role).Dec()
}

// RecordReadError increments the read error counter
func (m *Metrics) RecordReadError() {
	m.ReadErrors.Inc()
}

// RecordRelayCreated increments the relay session counters
func (m *Metrics) RecordRelayCreated() {
	m.RelaysCreated.Inc()
	m.ActiveRelays.Inc()
}

// RecordRelayDestroyed records a destroyed relay session and its duration
func (m *Metrics) RecordRelayDestroyed(durationSeconds float64) {
	m.RelaysDestroyed.Inc()
	m.ActiveRelays.Dec()
	m.RelayDuration.Observe(durationSeconds)
}

// RecordBotReplacement increments the bot replacement counter
func (m *Metrics) RecordBotReplacement() {
	m.BotReplacements.Inc()
}

// RecordMessageForwarded increments the forward counter for a direction
func (m *Metrics) RecordMessageForwarded(direction string) {
	m.MessagesForwarded.WithLabelValues(direction).Inc()
}

// RecordForwardError increments the forward error counter
func (m *Metrics) RecordForwardError() {
	m.ForwardErrors.Inc()
}

// RecordSpeakerChange increments the speaker rising-edge counter
func (m *Metrics) RecordSpeakerChange() {
	m.SpeakerChanges.Inc()
}

// RecordAudioBatched adds to the batched audio byte counter
func (m *Metrics) RecordAudioBatched(bytes int) {
	m.AudioBytesBatched.Add(float64(bytes))
}

// RecordFlush records a performed flush with its container size and duration
func (m *Metrics) RecordFlush(sizeBytes int, durationSeconds float64) {
	m.FlushesPerformed.Inc()
	m.FlushSize.Observe(float64(sizeBytes))
	m.FlushDuration.Observe(durationSeconds)
}

// RecordFlushSkipped records a skipped flush with the reason ("empty" or "busy")
func (m *Metrics) RecordFlushSkipped(reason string) {
	m.FlushesSkipped.WithLabelValues(reason).Inc()
}

// RecordTranscriptionRequest increments the transcription request counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptPersisted increments the persisted transcript counter
func (m *Metrics) RecordTranscriptPersisted() {
	m.TranscriptsPersisted.Inc()
}

// RecordPersistenceFailure increments the persistence failure counter
func (m *Metrics) RecordPersistenceFailure() {
	m.PersistenceFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
