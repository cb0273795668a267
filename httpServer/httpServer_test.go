package httpServer

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	amf0 "github.com/yutopp/go-amf0"

	"flvrelay/internal/ingest"
	"flvrelay/internal/metrics"
	"flvrelay/internal/session"
	"flvrelay/internal/streammanager"
	"flvrelay/pkg/flv"
	"flvrelay/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server  *Server
	manager *streammanager.Manager
}

func newFixture(t *testing.T, cfg session.Config, opts ...streammanager.Option) *fixture {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mgr := streammanager.New(cfg, nil, m, opts...)
	srv := New(mgr, ingest.New(mgr, nil, 1<<20), m, reg, nil, 64)
	return &fixture{server: srv, manager: mgr}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func testStream(t *testing.T) []byte {
	t.Helper()

	var meta bytes.Buffer
	enc := amf0.NewEncoder(&meta)
	require.NoError(t, enc.Encode("onMetaData"))
	require.NoError(t, enc.Encode(amf0.ECMAArray{"width": 1920.0, "height": 1080.0}))

	out := flv.HeaderBytes(flv.Header{Version: 1, HasAudio: true, HasVideo: true})
	out = flv.AppendTag(out, &flv.Tag{Type: flv.TagTypeScript, Payload: meta.Bytes()})
	out = flv.AppendTag(out, &flv.Tag{Type: flv.TagTypeVideo, Payload: []byte{0x17, 0x01, 0, 0, 0, 0xAA}})
	return flv.AppendTag(out, &flv.Tag{Type: flv.TagTypeAudio, Payload: []byte{0xAF, 0x01, 0x21}})
}

func TestPing(t *testing.T) {
	f := newFixture(t, session.DefaultConfig())
	w := f.do(t, http.MethodGet, "/api/ping", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}

func TestStreamsAPI(t *testing.T) {
	f := newFixture(t, session.DefaultConfig())

	w := f.do(t, http.MethodGet, "/api/v1/streams/cam", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	sess, _, err := f.manager.Publish("cam")
	require.NoError(t, err)
	require.NoError(t, sess.Ingest(testStream(t)))

	w = f.do(t, http.MethodGet, "/api/v1/streams/cam", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var info models.StreamInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "cam", info.StreamKey)
	assert.True(t, info.Active)
	assert.Equal(t, models.StreamStateLive, info.State)
	assert.Equal(t, "1920x1080", info.Resolution)
	assert.Equal(t, 1, info.GOPCacheDepth)
	assert.Equal(t, "aac", info.AudioCodec)
	assert.Equal(t, map[string]any{"width": 1920.0, "height": 1080.0}, info.Metadata)

	_, _, err = f.manager.Publish("idle")
	require.NoError(t, err)

	w = f.do(t, http.MethodGet, "/api/v1/streams", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list models.StreamListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, 1, list.Live)
	assert.Equal(t, 2, list.Publishers)
	assert.Equal(t, "cam", list.Streams[0].StreamKey)
	assert.Equal(t, models.StreamStateConnecting, list.Streams[1].State)
}

func TestStopStream(t *testing.T) {
	f := newFixture(t, session.DefaultConfig())
	sess, _, err := f.manager.Publish("cam")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/streams/cam/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sess.Closed())

	w = f.do(t, http.MethodPost, "/api/v1/streams/cam/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlay_RequiresFLVSuffix(t *testing.T) {
	f := newFixture(t, session.DefaultConfig())
	w := f.do(t, http.MethodGet, "/live/cam", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlay_RejectPolicy(t *testing.T) {
	f := newFixture(t, session.DefaultConfig(), streammanager.WithMissingStreamPolicy(streammanager.PolicyReject))
	w := f.do(t, http.MethodGet, "/live/cam.flv", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Zero(t, f.manager.Count())
}

func TestPlay_TooManyViewers(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.MaxSubscribers = 1
	f := newFixture(t, cfg)

	_, err := f.manager.Subscribe("cam", session.NewQueueSink(8))
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/live/cam.flv", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPlay_StreamsHeaderReplayAndLiveTags(t *testing.T) {
	f := newFixture(t, session.DefaultConfig())
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	pub, _, err := f.manager.Publish("cam")
	require.NoError(t, err)
	data := testStream(t)
	require.NoError(t, pub.Ingest(data))

	resp, err := http.Get(ts.URL + "/live/cam.flv")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/x-flv", resp.Header.Get("Content-Type"))

	// header + keyframe from the GOP; metadata replay is off by default
	header := flv.HeaderBytes(flv.Header{Version: 1, HasAudio: true, HasVideo: true})
	key := (&flv.Tag{Type: flv.TagTypeVideo, Payload: []byte{0x17, 0x01, 0, 0, 0, 0xAA}}).Bytes()
	want := append(append([]byte{}, header...), key...)

	got := make([]byte, len(want))
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	live := (&flv.Tag{Type: flv.TagTypeVideo, Timestamp: 33, Payload: []byte{0x27, 0x01, 0, 0, 0, 0xBB}}).Bytes()
	require.NoError(t, pub.Ingest(live))
	got = make([]byte, len(live))
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, live, got)

	require.NoError(t, f.manager.Teardown("cam", nil))
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestHTTPPublish(t *testing.T) {
	f := newFixture(t, session.DefaultConfig())
	viewer := session.NewQueueSink(64)
	_, err := f.manager.Subscribe("cam", viewer)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/live/cam", bytes.NewReader(testStream(t)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, viewer.Len(), "header, metadata, video and audio")

	w = f.do(t, http.MethodPost, "/live/bad", bytes.NewReader([]byte("garbage!!!")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid signature")
}

func TestHTTPPublish_Conflict(t *testing.T) {
	f := newFixture(t, session.DefaultConfig())
	_, _, err := f.manager.Publish("cam")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/live/cam", bytes.NewReader(testStream(t)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, session.DefaultConfig())
	f.do(t, http.MethodGet, "/api/ping", nil)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `flvrelay_http_requests_total{method="GET",path="/api/ping",status="2xx"} 1`)
}

func TestStreamToInfo_Idle(t *testing.T) {
	info := streamToInfo(session.Stats{Name: "cam", SubscriberCount: 2, StartedAt: time.Time{}})
	assert.Equal(t, models.StreamStateIdle, info.State)
	assert.False(t, info.Active)
	assert.Empty(t, info.StartedAt)
	assert.Nil(t, info.Metadata)
}
