package httpServer

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flvrelay/internal/ingest"
	"flvrelay/internal/metrics"
	"flvrelay/internal/session"
	"flvrelay/internal/streammanager"
	"flvrelay/pkg/models"
)

// Server wraps the HTTP server with dependencies
type Server struct {
	router        *gin.Engine
	streamManager *streammanager.Manager
	ingest        *ingest.Server
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
	queueSize     int
}

// New creates a new HTTP server. queueSize is the number of live buffers a
// viewer may fall behind before it is dropped.
func New(streamManager *streammanager.Manager, ingestServer *ingest.Server, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger, queueSize int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		streamManager: streamManager,
		ingest:        ingestServer,
		metrics:       m,
		gatherer:      gatherer,
		logger:        logger.With("component", "http"),
		queueSize:     queueSize,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/streams", s.handleListStreams)
		api.GET("/v1/streams/:streamKey", s.handleGetStream)
		api.POST("/v1/streams/:streamKey/stop", s.handleStopStream)
	}

	live := router.Group("/live")
	{
		live.GET("/:streamKey", s.handlePlay) // /live/<name>.flv
		live.POST("/:streamKey", s.handleHTTPPublish)
	}

	router.GET("/ws/live/:streamKey", s.handleWebSocketPublish)

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.router = router
}

// Handler returns the router for use in an http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger logs and measures every request
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start)
		status := c.Writer.Status()

		s.metrics.RecordHTTPRequest(c.Request.Method, path, status, duration.Seconds())
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", duration,
			"remote", c.ClientIP(),
		)
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleListStreams(c *gin.Context) {
	sessions := s.streamManager.List()

	streamInfos := make([]models.StreamInfo, len(sessions))
	live := 0
	for i, sess := range sessions {
		streamInfos[i] = streamToInfo(sess.Stats())
		if streamInfos[i].Active {
			live++
		}
	}

	c.JSON(http.StatusOK, models.StreamListResponse{
		Streams:    streamInfos,
		Total:      len(streamInfos),
		Live:       live,
		Publishers: s.streamManager.LiveCount(),
	})
}

func (s *Server) handleGetStream(c *gin.Context) {
	streamKey := c.Param("streamKey")

	sess, exists := s.streamManager.Get(streamKey)
	if !exists {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "stream not found"})
		return
	}

	c.JSON(http.StatusOK, streamToInfo(sess.Stats()))
}

func (s *Server) handleStopStream(c *gin.Context) {
	streamKey := c.Param("streamKey")

	err := s.streamManager.Teardown(streamKey, errors.New("stopped via API"))
	if errors.Is(err, streammanager.ErrStreamNotFound) {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.logger.Warn("stop stream", "stream", streamKey, "err", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "stream stopped",
		"streamKey": streamKey,
	})
}

// handlePlay serves HTTP-FLV: the response body is the FLV byte stream,
// starting with the header and the cached GOP
func (s *Server) handlePlay(c *gin.Context) {
	streamKey, ok := strings.CutSuffix(c.Param("streamKey"), ".flv")
	if !ok || streamKey == "" {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "expected /live/<stream>.flv"})
		return
	}

	sink := session.NewQueueSink(s.queueSize + s.streamManager.SessionConfig().ReplayCapacity())
	sess, err := s.streamManager.Subscribe(streamKey, sink)
	switch {
	case errors.Is(err, streammanager.ErrStreamNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "stream not found"})
		return
	case errors.Is(err, session.ErrTooManySubscribers):
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "too many viewers"})
		return
	case err != nil:
		s.logger.Warn("subscribe", "stream", streamKey, "err", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to subscribe"})
		return
	}
	defer sess.RemoveSubscriber(sink)

	// Set streaming headers
	c.Header("Content-Type", "video/x-flv")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	err = sink.Pump(c.Request.Context(), c.Writer)
	s.logger.Debug("viewer stream ended", "stream", streamKey, "remote", c.ClientIP(), "err", err)
}

func (s *Server) handleHTTPPublish(c *gin.Context) {
	streamKey := strings.TrimSuffix(c.Param("streamKey"), ".flv")

	err := s.ingest.ServeBody(c.Request.Context(), streamKey, c.Request.Body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "publish finished", "streamKey": streamKey})
	case errors.Is(err, session.ErrAlreadyPublishing):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	}
}

func (s *Server) handleWebSocketPublish(c *gin.Context) {
	s.ingest.ServeWebSocket(c.Writer, c.Request, c.Param("streamKey"))
}

// Helper functions

func streamToInfo(st session.Stats) models.StreamInfo {
	state := models.StateOf(st.Publishing, st.HasHeader)
	info := models.StreamInfo{
		StreamKey:      st.Name,
		Active:         state == models.StreamStateLive,
		State:          state,
		Viewers:        st.SubscriberCount,
		PublisherID:    st.PublisherID,
		VideoCodec:     st.VideoCodec,
		VideoProfile:   st.VideoProfile,
		VideoLevel:     st.VideoLevel,
		AudioCodec:     st.AudioCodec,
		FrameRate:      st.FrameRate,
		BytesIngested:  st.BytesIngested,
		AudioTags:      st.AudioTags,
		VideoTags:      st.VideoTags,
		ScriptTags:     st.ScriptTags,
		DroppedScripts: st.DroppedScripts,
		SkippedTags:    st.SkippedTags,
		BufferedBytes:  st.BufferedBytes,
		GOPCacheDepth:  st.GOPCacheDepth,
		HasHeader:      st.HasHeader,
		HasMetadata:    st.HasMetadata,
	}

	if st.Metadata != nil {
		info.Metadata = st.Metadata
	}

	if !st.StartedAt.IsZero() {
		info.StartedAt = st.StartedAt.Format(time.RFC3339)
		info.Duration = int(time.Since(st.StartedAt).Seconds())
	}

	if st.Width > 0 && st.Height > 0 {
		info.Resolution = fmt.Sprintf("%dx%d", st.Width, st.Height)
	}

	return info
}
