package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordStreamCreated()
	m.RecordPublishStart()
	m.RecordTag("cam", "video", 1200)
	m.RecordTag("cam", "video", 300)
	m.RecordViewerStart(4)
	m.RecordSubscriberDropped("full")
	m.RecordViewerStop()
	m.RecordScriptDecodeFailures(0)
	m.RecordScriptDecodeFailures(2)
	m.RecordStreamRemoved("idle")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActivePublishers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TagsReceived.WithLabelValues("cam", "video")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveViewers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ViewerSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscribersDropped.WithLabelValues("full")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ScriptDecodeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamsStopped.WithLabelValues("idle")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStreamCreated()
		m.RecordTag("cam", "audio", 10)
		m.RecordHTTPRequest("GET", "/", 200, 0.1)
		m.RecordParseError("malformed tag")
	})
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(204))
	assert.Equal(t, "4xx", statusCodeToString(404))
	assert.Equal(t, "5xx", statusCodeToString(503))
	assert.Equal(t, "unknown", statusCodeToString(100))
}
