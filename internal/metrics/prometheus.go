package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the live classification service.
// Every Record/Set method is safe to call on a nil *Metrics.
type Metrics struct {
	// Window pipeline metrics
	WindowsAssembled prometheus.Counter
	WindowsDropped   prometheus.Counter
	EncodeErrors     prometheus.Counter
	DiscardedSamples prometheus.Counter
	SourceOverruns   prometheus.Counter
	ClipSize         prometheus.Histogram

	// Classification metrics
	ClassificationRequests  prometheus.Counter
	ClassificationSuccesses prometheus.Counter
	ClassificationFailures  prometheus.Counter
	ClassificationStale     prometheus.Counter
	ClassificationDuration  prometheus.Histogram
	PredictionConfidence    prometheus.Histogram
	PredictedClasses        *prometheus.CounterVec

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsFailed  *prometheus.CounterVec
	SessionsStopped prometheus.Counter
	SessionState    prometheus.Gauge
	SessionDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Window pipeline metrics
		WindowsAssembled: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_windows_assembled_total",
			Help: "Total number of one-second analysis windows assembled",
		}),
		WindowsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_windows_dropped_total",
			Help: "Total number of windows dropped because a classification was in flight",
		}),
		EncodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_encode_errors_total",
			Help: "Total number of windows that failed WAV encoding",
		}),
		DiscardedSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_discarded_samples_total",
			Help: "Total number of partial-window samples discarded at session stop",
		}),
		SourceOverruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_source_overruns_total",
			Help: "Total number of capture buffers dropped because the pipeline fell behind",
		}),
		ClipSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asc_clip_size_bytes",
			Help:    "Size of encoded WAV clips in bytes",
			Buckets: prometheus.ExponentialBuckets(8192, 2, 8), // 8KB to ~1MB
		}),

		// Classification metrics
		ClassificationRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_classification_requests_total",
			Help: "Total number of classification requests sent",
		}),
		ClassificationSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_classification_successes_total",
			Help: "Total number of successful classification requests",
		}),
		ClassificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_classification_failures_total",
			Help: "Total number of failed classification requests",
		}),
		ClassificationStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_classification_stale_total",
			Help: "Total number of classification results discarded because their session had stopped",
		}),
		ClassificationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asc_classification_duration_seconds",
			Help:    "Duration of classification requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
		PredictionConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asc_prediction_confidence",
			Help:    "Confidence of published predictions",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),
		PredictedClasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asc_predictions_total",
			Help: "Total number of published predictions by class",
		}, []string{"class"}),

		// Session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_sessions_started_total",
			Help: "Total number of listening sessions that reached the listening state",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asc_sessions_failed_total",
			Help: "Total number of session starts that failed",
		}, []string{"reason"}),
		SessionsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "asc_sessions_stopped_total",
			Help: "Total number of listening sessions stopped",
		}),
		SessionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asc_session_state",
			Help: "Current session state (0 idle, 1 acquiring source, 2 listening, 3 stopped)",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asc_session_duration_seconds",
			Help:    "Duration of listening sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asc_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asc_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asc_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordWindowAssembled increments the assembled windows counter
func (m *Metrics) RecordWindowAssembled() {
	if m == nil {
		return
	}
	m.WindowsAssembled.Inc()
}

// RecordWindowDropped increments the dropped windows counter
func (m *Metrics) RecordWindowDropped() {
	if m == nil {
		return
	}
	m.WindowsDropped.Inc()
}

// RecordEncodeError increments the encode errors counter
func (m *Metrics) RecordEncodeError() {
	if m == nil {
		return
	}
	m.EncodeErrors.Inc()
}

// RecordClipEncoded records the size of an encoded clip
func (m *Metrics) RecordClipEncoded(sizeBytes int) {
	if m == nil {
		return
	}
	m.ClipSize.Observe(float64(sizeBytes))
}

// RecordDiscardedSamples adds samples discarded from a partial window
func (m *Metrics) RecordDiscardedSamples(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.DiscardedSamples.Add(float64(count))
}

// RecordSourceOverrun increments the capture overrun counter
func (m *Metrics) RecordSourceOverrun() {
	if m == nil {
		return
	}
	m.SourceOverruns.Inc()
}

// RecordClassificationRequest increments classification requests counter
func (m *Metrics) RecordClassificationRequest() {
	if m == nil {
		return
	}
	m.ClassificationRequests.Inc()
}

// RecordClassificationSuccess records a successful classification
func (m *Metrics) RecordClassificationSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClassificationSuccesses.Inc()
	m.ClassificationDuration.Observe(durationSeconds)
}

// RecordClassificationFailure records a failed classification
func (m *Metrics) RecordClassificationFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ClassificationFailures.Inc()
	m.ClassificationDuration.Observe(durationSeconds)
}

// RecordClassificationStale records a result discarded after its session stopped
func (m *Metrics) RecordClassificationStale() {
	if m == nil {
		return
	}
	m.ClassificationStale.Inc()
}

// RecordPrediction records a published prediction
func (m *Metrics) RecordPrediction(class string, confidence float64) {
	if m == nil {
		return
	}
	m.PredictedClasses.WithLabelValues(class).Inc()
	m.PredictionConfidence.Observe(confidence)
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordSessionFailed records a failed session start
func (m *Metrics) RecordSessionFailed(reason string) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(reason).Inc()
}

// RecordSessionStopped increments the sessions stopped counter and records duration
func (m *Metrics) RecordSessionStopped(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsStopped.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// SetSessionState sets the current session state
func (m *Metrics) SetSessionState(state int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(state))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
