package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	// Ingestion metrics
	FramesProcessed  prometheus.Counter
	SpeechFrames     prometheus.Counter
	FrameErrors      prometheus.Counter
	SegmentsFlushed  prometheus.Counter
	SegmentsDropped  prometheus.Counter
	SegmentDuration  prometheus.Histogram
	QueueDepth       prometheus.Gauge
	JobsDroppedAtEnd prometheus.Counter

	// Transcription metrics
	TranscriptionRequests prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionDuration prometheus.Histogram
	QueueWait             prometheus.Histogram
	ResultsPublished      prometheus.Counter

	// Transport metrics
	TransportConnections prometheus.Counter
	ActivePeers          prometheus.Gauge
	TransportMessages    *prometheus.CounterVec
	TransportErrors      *prometheus.CounterVec

	// Completion metrics
	CompletionRequests prometheus.Counter
	CompletionFailures prometheus.Counter
	CompletionDropped  prometheus.Counter

	// Session metrics
	SessionState    prometheus.Gauge
	SessionsStarted prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Ingestion metrics
		FramesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_frames_processed_total",
			Help: "Total number of audio frames scored",
		}),
		SpeechFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_speech_frames_total",
			Help: "Total number of frames classified as speech",
		}),
		FrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_frame_errors_total",
			Help: "Total number of frames rejected by the detector",
		}),
		SegmentsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_segments_flushed_total",
			Help: "Total number of segments enqueued for transcription",
		}),
		SegmentsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_segments_dropped_total",
			Help: "Total number of segments discarded as noise",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_segment_duration_seconds",
			Help:    "Audio duration of enqueued segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 250ms to ~1 minute
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_queue_depth",
			Help: "Current number of segments waiting for transcription",
		}),
		JobsDroppedAtEnd: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_jobs_dropped_at_stop_total",
			Help: "Total number of queued segments dropped when a session stopped",
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_transcription_requests_total",
			Help: "Total number of engine calls",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_transcription_failures_total",
			Help: "Total number of failed engine calls",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_transcription_duration_seconds",
			Help:    "Duration of engine calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
		QueueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_queue_wait_seconds",
			Help:    "Time segments spend queued before transcription starts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}),
		ResultsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_results_published_total",
			Help: "Total number of text segments produced",
		}),

		// Transport metrics
		TransportConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_transport_connections_total",
			Help: "Total number of accepted peer connections",
		}),
		ActivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_transport_active_peers",
			Help: "Whether a peer is currently connected",
		}),
		TransportMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_transport_messages_total",
			Help: "Total number of transport messages by direction and kind",
		}, []string{"direction", "kind"}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_transport_errors_total",
			Help: "Total number of transport errors by type",
		}, []string{"error_type"}),

		// Completion metrics
		CompletionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_completion_requests_total",
			Help: "Total number of text-completion requests",
		}),
		CompletionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_completion_failures_total",
			Help: "Total number of failed text-completion requests",
		}),
		CompletionDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_completion_dropped_total",
			Help: "Total number of results not forwarded because the completion queue was full",
		}),

		// Session metrics
		SessionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_session_state",
			Help: "Session state (0=idle, 1=starting, 2=running, 3=stopping)",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_sessions_started_total",
			Help: "Total number of sessions started",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcriber_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrame records one scored frame
func (m *Metrics) RecordFrame(isSpeech bool) {
	m.FramesProcessed.Inc()
	if isSpeech {
		m.SpeechFrames.Inc()
	}
}

// RecordFrameError increments the rejected frames counter
func (m *Metrics) RecordFrameError() {
	m.FrameErrors.Inc()
}

// RecordSegmentFlushed records an enqueued segment and its audio duration
func (m *Metrics) RecordSegmentFlushed(durationSeconds float64) {
	m.SegmentsFlushed.Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordSegmentDropped increments the noise-discard counter
func (m *Metrics) RecordSegmentDropped() {
	m.SegmentsDropped.Inc()
}

// SetQueueDepth sets the current queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordJobsDroppedAtStop adds the jobs abandoned by a stopping session
func (m *Metrics) RecordJobsDroppedAtStop(count int) {
	m.JobsDroppedAtEnd.Add(float64(count))
}

// RecordTranscriptionStart records an engine call and how long its job waited
func (m *Metrics) RecordTranscriptionStart(queueWaitSeconds float64) {
	m.TranscriptionRequests.Inc()
	m.QueueWait.Observe(queueWaitSeconds)
}

// RecordTranscriptionSuccess records a successful engine call
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64, segments int) {
	m.TranscriptionDuration.Observe(durationSeconds)
	m.ResultsPublished.Add(float64(segments))
}

// RecordTranscriptionFailure records a failed engine call
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordPeerConnected records a new peer connection
func (m *Metrics) RecordPeerConnected() {
	m.TransportConnections.Inc()
	m.ActivePeers.Set(1)
}

// RecordPeerDisconnected clears the active peer gauge
func (m *Metrics) RecordPeerDisconnected() {
	m.ActivePeers.Set(0)
}

// RecordTransportMessage counts one message; direction is "in" or "out"
func (m *Metrics) RecordTransportMessage(direction, kind string) {
	m.TransportMessages.WithLabelValues(direction, kind).Inc()
}

// RecordTransportError counts one transport error
func (m *Metrics) RecordTransportError(errorType string) {
	m.TransportErrors.WithLabelValues(errorType).Inc()
}

// RecordCompletion records one completion request outcome
func (m *Metrics) RecordCompletion(failed bool) {
	m.CompletionRequests.Inc()
	if failed {
		m.CompletionFailures.Inc()
	}
}

// RecordCompletionDropped increments the completion drop counter
func (m *Metrics) RecordCompletionDropped() {
	m.CompletionDropped.Inc()
}

// SetSessionState sets the session state gauge
func (m *Metrics) SetSessionState(state int) {
	m.SessionState.Set(float64(state))
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
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
