package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
// A nil *Metrics is valid and records nothing
type Metrics struct {
	// Stream metrics
	ActiveStreams    prometheus.Gauge
	ActivePublishers prometheus.Gauge
	StreamsStarted   prometheus.Counter
	StreamsStopped   *prometheus.CounterVec
	StreamDuration   prometheus.Histogram

	// Tag metrics
	TagsReceived         *prometheus.CounterVec
	TagSize              *prometheus.HistogramVec
	KeyFrames            prometheus.Counter
	BytesIngested        prometheus.Counter
	ScriptDecodeFailures prometheus.Counter
	ParseErrors          *prometheus.CounterVec

	// Viewer metrics
	ActiveViewers      prometheus.Gauge
	ViewerSessions     prometheus.Counter
	SubscribersDropped *prometheus.CounterVec
	GOPReplayLength    prometheus.Histogram

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Stream metrics
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flvrelay_active_streams",
			Help: "Number of stream sessions currently registered",
		}),
		ActivePublishers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flvrelay_active_publishers",
			Help: "Number of publishers currently sending FLV data",
		}),
		StreamsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "flvrelay_streams_started_total",
			Help: "Total number of publish sessions started",
		}),
		StreamsStopped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flvrelay_streams_stopped_total",
				Help: "Total number of stream sessions torn down",
			},
			[]string{"reason"}, // reason: idle, removed, teardown, shutdown
		),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flvrelay_publish_duration_seconds",
			Help:    "Duration of publish sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),

		// Tag metrics
		TagsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flvrelay_tags_received_total",
				Help: "Total number of FLV tags demuxed",
			},
			[]string{"stream_key", "type"}, // type: audio, video or script
		),
		TagSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flvrelay_tag_size_bytes",
				Help:    "Size of FLV tag payloads in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B to 1MB
			},
			[]string{"type"},
		),
		KeyFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "flvrelay_keyframes_total",
			Help: "Total number of video keyframes received",
		}),
		BytesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "flvrelay_bytes_ingested_total",
			Help: "Total raw bytes pushed into demuxers",
		}),
		ScriptDecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "flvrelay_script_decode_failures_total",
			Help: "Total number of script tags dropped because AMF0 decoding failed",
		}),
		ParseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flvrelay_parse_errors_total",
				Help: "Total number of fatal FLV parse errors",
			},
			[]string{"kind"},
		),

		// Viewer metrics
		ActiveViewers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flvrelay_active_viewers",
			Help: "Number of currently subscribed viewers",
		}),
		ViewerSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "flvrelay_viewer_sessions_total",
			Help: "Total number of viewer sessions",
		}),
		SubscribersDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flvrelay_subscribers_dropped_total",
				Help: "Total number of viewers removed because a write failed",
			},
			[]string{"reason"}, // reason: full, closed, error
		),
		GOPReplayLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flvrelay_gop_replay_tags",
			Help:    "Number of cached video tags replayed to a joining viewer",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11), // 1 to 1024
		}),

		// HTTP metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flvrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flvrelay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// RecordStreamCreated records a session added to the registry
func (m *Metrics) RecordStreamCreated() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// RecordStreamRemoved records a session leaving the registry
func (m *Metrics) RecordStreamRemoved(reason string) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsStopped.WithLabelValues(reason).Inc()
}

// RecordPublishStart records a publisher starting
func (m *Metrics) RecordPublishStart() {
	if m == nil {
		return
	}
	m.ActivePublishers.Inc()
	m.StreamsStarted.Inc()
}

// RecordPublishStop records a publisher stopping
func (m *Metrics) RecordPublishStop(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActivePublishers.Dec()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordTag records a demuxed tag
func (m *Metrics) RecordTag(streamKey, tagType string, size int) {
	if m == nil {
		return
	}
	m.TagsReceived.WithLabelValues(streamKey, tagType).Inc()
	m.TagSize.WithLabelValues(tagType).Observe(float64(size))
}

// RecordKeyFrame records a keyframe
func (m *Metrics) RecordKeyFrame() {
	if m == nil {
		return
	}
	m.KeyFrames.Inc()
}

// RecordBytes records raw bytes received from a publisher
func (m *Metrics) RecordBytes(n int) {
	if m == nil {
		return
	}
	m.BytesIngested.Add(float64(n))
}

// RecordScriptDecodeFailures records script tags dropped by the demuxer
func (m *Metrics) RecordScriptDecodeFailures(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.ScriptDecodeFailures.Add(float64(n))
}

// RecordParseError records a fatal demux error
func (m *Metrics) RecordParseError(kind string) {
	if m == nil {
		return
	}
	m.ParseErrors.WithLabelValues(kind).Inc()
}

// RecordViewerStart records a viewer joining with replayLen cached video tags
func (m *Metrics) RecordViewerStart(replayLen int) {
	if m == nil {
		return
	}
	m.ActiveViewers.Inc()
	m.ViewerSessions.Inc()
	m.GOPReplayLength.Observe(float64(replayLen))
}

// RecordViewerStop records a viewer leaving
func (m *Metrics) RecordViewerStop() {
	if m == nil {
		return
	}
	m.ActiveViewers.Dec()
}

// RecordSubscriberDropped records a viewer removed by a failed write
func (m *Metrics) RecordSubscriberDropped(reason string) {
	if m == nil {
		return
	}
	m.SubscribersDropped.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a string
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
