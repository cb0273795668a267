// Package session implements the per-stream distribution engine: it demuxes
// a publisher's FLV bytes and fans the re-serialized tags out to viewers,
// bootstrapping late joiners from the cached header and GOP.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"flvrelay/internal/gop"
	"flvrelay/internal/metrics"
	"flvrelay/internal/muxer"
	"flvrelay/pkg/amf"
	"flvrelay/pkg/flv"
)

var (
	ErrAlreadyPublishing  = errors.New("stream already has an active publisher")
	ErrSessionClosed      = errors.New("session closed")
	ErrTooManySubscribers = errors.New("too many subscribers")
)

// Config controls caching and replay behaviour of a session.
type Config struct {
	GOPCacheSize          int
	ReplayMetadata        bool
	ReplaySequenceHeaders bool
	StrictFraming         bool
	MaxSubscribers        int // 0 means unlimited
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		GOPCacheSize:          gop.DefaultCapacity,
		ReplaySequenceHeaders: true,
	}
}

// ReplayCapacity is the largest number of buffers AddSubscriber can send to
// bootstrap a viewer. Sink queues must hold at least this many.
func (c Config) ReplayCapacity() int {
	size := c.GOPCacheSize
	if size <= 0 {
		size = gop.DefaultCapacity
	}
	// header, metadata and two sequence headers
	return 2*size + 4
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the parent logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics sets the collectors the session reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithIdleHandler registers fn to be called, without the session lock held,
// whenever the session becomes idle: no publisher and no subscribers.
func WithIdleHandler(fn func(*Session)) Option {
	return func(s *Session) {
		s.onIdle = fn
	}
}

type subscriber struct {
	id       string
	sink     Sink
	joinedAt time.Time
}

type droppedSubscriber struct {
	sub *subscriber
	err error
}

// Session owns the state of one stream name. All mutations happen under a
// single mutex; sinks never block, so no I/O is done while it is held.
type Session struct {
	name    string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	onIdle  func(*Session)

	createdAt time.Time

	mu          sync.Mutex
	demuxer     *flv.Demuxer
	header      []byte
	metadata    amf.Object
	metadataTag []byte
	videoInit   []byte
	audioInit   []byte
	gop         *gop.Cache
	subscribers []*subscriber
	dropped     []droppedSubscriber
	closed      bool

	publishing  bool
	publisherID string
	startedAt   time.Time

	bytesIngested   uint64
	audioTags       uint64
	videoTags       uint64
	scriptTags      uint64
	reportedScripts uint64
	videoCodec      string
	audioCodec      string
	videoProfile    string
	videoLevel      float64
}

// New creates an empty session for name.
func New(name string, cfg Config, opts ...Option) *Session {
	s := &Session{
		name:      name,
		cfg:       cfg,
		logger:    slog.Default(),
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session", "stream", name)
	s.gop = gop.New(cfg.GOPCacheSize)
	s.demuxer = s.newDemuxer()
	return s
}

// Name returns the stream name.
func (s *Session) Name() string {
	return s.name
}

func (s *Session) newDemuxer() *flv.Demuxer {
	return flv.NewDemuxer(
		flv.WithLogger(s.logger),
		flv.WithStrictFraming(s.cfg.StrictFraming),
	)
}

// BeginPublish claims the session for a new publisher. Cached header,
// metadata, sequence headers and GOP from an earlier publisher are dropped.
func (s *Session) BeginPublish() (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if s.publishing {
		s.mu.Unlock()
		return "", ErrAlreadyPublishing
	}

	s.demuxer = s.newDemuxer()
	s.header = nil
	s.metadata = nil
	s.metadataTag = nil
	s.videoInit = nil
	s.audioInit = nil
	s.gop.Reset()
	s.bytesIngested = 0
	s.audioTags = 0
	s.videoTags = 0
	s.scriptTags = 0
	s.reportedScripts = 0
	s.videoCodec = ""
	s.audioCodec = ""
	s.videoProfile = ""
	s.videoLevel = 0

	s.publishing = true
	s.publisherID = uuid.NewString()
	s.startedAt = time.Now()
	id := s.publisherID
	s.mu.Unlock()

	s.metrics.RecordPublishStart()
	s.logger.Info("publisher started", "publisher", id)
	return id, nil
}

// EndPublish releases the publisher claim. The session goes idle if no
// viewers remain.
func (s *Session) EndPublish() {
	s.mu.Lock()
	if !s.publishing {
		s.mu.Unlock()
		return
	}
	s.publishing = false
	duration := time.Since(s.startedAt)
	id := s.publisherID
	idle := s.idleLocked()
	s.mu.Unlock()

	s.metrics.RecordPublishStop(duration.Seconds())
	s.logger.Info("publisher stopped", "publisher", id, "duration", duration)
	if idle {
		s.notifyIdle()
	}
}

// Ingest feeds raw publisher bytes through the demuxer and distributes every
// complete unit. A returned error is fatal for the session.
func (s *Session) Ingest(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	units, err := s.demuxer.Push(chunk)
	s.bytesIngested += uint64(len(chunk))
	for _, u := range units {
		s.handleUnitLocked(u)
	}

	droppedScripts := s.demuxer.DroppedScripts() - s.reportedScripts
	s.reportedScripts = s.demuxer.DroppedScripts()
	dropped := s.takeDroppedLocked()
	idle := len(dropped) > 0 && s.idleLocked()
	s.mu.Unlock()

	s.metrics.RecordBytes(len(chunk))
	s.metrics.RecordScriptDecodeFailures(droppedScripts)
	s.finishDropped(dropped)
	if idle {
		s.notifyIdle()
	}

	if err != nil {
		var perr *flv.ParseError
		if errors.As(err, &perr) {
			s.metrics.RecordParseError(perr.Kind.String())
		}
		return fmt.Errorf("stream %s: %w", s.name, err)
	}
	return nil
}

func (s *Session) handleUnitLocked(u flv.Unit) {
	switch u := u.(type) {
	case *flv.Header:
		s.header = flv.HeaderBytes(*u)
		s.broadcastLocked(s.header)

	case *flv.ScriptUnit:
		tag := u.Tag.Bytes()
		s.scriptTags++
		s.metrics.RecordTag(s.name, "script", int(u.DataSize))
		if u.IsMetadata() {
			s.metadata = u.Metadata
			s.metadataTag = tag
		}
		s.broadcastLocked(tag)

	case *flv.AudioUnit:
		tag := u.Tag.Bytes()
		s.audioTags++
		s.audioCodec = flv.SoundFormatName(u.Format)
		s.metrics.RecordTag(s.name, "audio", int(u.DataSize))
		if u.IsSequenceHeader() {
			s.audioInit = tag
		}
		s.broadcastLocked(tag)

	case *flv.VideoUnit:
		tag := u.Tag.Bytes()
		s.videoTags++
		s.metrics.RecordTag(s.name, "video", int(u.DataSize))
		if u.IsSequenceHeader() {
			s.videoInit = tag
			s.videoCodec = flv.CodecName(u.CodecID)
			if pkt, err := muxer.ParseVideoPacket(u); err == nil {
				if record, err := muxer.ParseAVCDecoderConfigurationRecord(pkt.Data); err == nil {
					s.videoCodec = record.Codec()
					s.videoProfile = record.ProfileName()
					s.videoLevel = record.Level()
					s.logger.Debug("avc sequence header", "profile", s.videoProfile, "level", s.videoLevel)
				} else {
					s.logger.Warn("invalid avc sequence header", "err", err)
				}
			}
			s.broadcastLocked(tag)
			return
		}
		if s.videoCodec == "" {
			s.videoCodec = flv.CodecName(u.CodecID)
		}
		if u.IsKeyframe() {
			s.metrics.RecordKeyFrame()
		}
		s.broadcastLocked(tag)
		s.gop.Observe(u, tag)
	}
}

// broadcastLocked sends buf to every subscriber. A sink that fails is taken
// out of the set in the same pass and closed after the lock is released.
func (s *Session) broadcastLocked(buf []byte) {
	n := 0
	for _, sub := range s.subscribers {
		if err := sub.sink.Send(buf); err != nil {
			s.dropped = append(s.dropped, droppedSubscriber{sub: sub, err: err})
			continue
		}
		s.subscribers[n] = sub
		n++
	}
	clear(s.subscribers[n:])
	s.subscribers = s.subscribers[:n]
}

func (s *Session) takeDroppedLocked() []droppedSubscriber {
	dropped := s.dropped
	s.dropped = nil
	return dropped
}

func (s *Session) finishDropped(dropped []droppedSubscriber) {
	for _, d := range dropped {
		reason := "error"
		switch {
		case errors.Is(d.err, ErrSinkFull):
			reason = "full"
		case errors.Is(d.err, ErrSinkClosed):
			reason = "closed"
		}
		if err := d.sub.sink.Close(); err != nil {
			s.logger.Debug("closing dropped viewer", "subscriber", d.sub.id, "err", err)
		}
		s.metrics.RecordSubscriberDropped(reason)
		s.metrics.RecordViewerStop()
		s.logger.Info("viewer dropped", "subscriber", d.sub.id, "reason", reason, "err", d.err)
	}
}

// bootstrapLocked returns what a joining viewer must receive before live
// tags: the header, optionally metadata and sequence headers, then the GOP.
func (s *Session) bootstrapLocked() (bufs [][]byte, replayed int) {
	if s.header == nil {
		return nil, 0
	}
	bufs = append(bufs, s.header)
	if s.cfg.ReplayMetadata && s.metadataTag != nil {
		bufs = append(bufs, s.metadataTag)
	}
	if s.cfg.ReplaySequenceHeaders {
		if s.videoInit != nil {
			bufs = append(bufs, s.videoInit)
		}
		if s.audioInit != nil {
			bufs = append(bufs, s.audioInit)
		}
	}
	replay := s.gop.Replay()
	return append(bufs, replay...), len(replay)
}

// AddSubscriber registers sink. If a header has been seen, the sink first
// receives the header and the replay sequence, so it never sees a live tag
// before a decodable starting point.
func (s *Session) AddSubscriber(sink Sink) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	for _, sub := range s.subscribers {
		if sub.sink == sink {
			s.mu.Unlock()
			return nil
		}
	}
	if s.cfg.MaxSubscribers > 0 && len(s.subscribers) >= s.cfg.MaxSubscribers {
		s.mu.Unlock()
		return ErrTooManySubscribers
	}

	bufs, replayed := s.bootstrapLocked()
	for _, buf := range bufs {
		if err := sink.Send(buf); err != nil {
			idle := s.idleLocked()
			s.mu.Unlock()
			_ = sink.Close()
			if idle {
				s.notifyIdle()
			}
			return fmt.Errorf("bootstrap viewer: %w", err)
		}
	}

	sub := &subscriber{id: uuid.NewString(), sink: sink, joinedAt: time.Now()}
	s.subscribers = append(s.subscribers, sub)
	count := len(s.subscribers)
	s.mu.Unlock()

	s.metrics.RecordViewerStart(replayed)
	s.logger.Info("viewer joined", "subscriber", sub.id, "viewers", count, "bootstrap", len(bufs))
	return nil
}

// RemoveSubscriber unregisters and closes sink. It reports whether the sink
// was subscribed.
func (s *Session) RemoveSubscriber(sink Sink) bool {
	s.mu.Lock()
	var removed *subscriber
	for i, sub := range s.subscribers {
		if sub.sink == sink {
			removed = sub
			s.subscribers = slices.Delete(s.subscribers, i, i+1)
			break
		}
	}
	idle := removed != nil && !s.closed && s.idleLocked()
	s.mu.Unlock()

	if removed == nil {
		return false
	}
	_ = sink.Close()
	s.metrics.RecordViewerStop()
	s.logger.Info("viewer left", "subscriber", removed.id, "duration", time.Since(removed.joinedAt))
	if idle {
		s.notifyIdle()
	}
	return true
}

// Close tears the session down, closing every sink. Later operations fail
// with ErrSessionClosed.
func (s *Session) Close(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subscribers
	s.subscribers = nil
	wasPublishing := s.publishing
	s.publishing = false
	duration := time.Since(s.startedAt)
	s.mu.Unlock()

	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.sink.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close viewer %s: %w", sub.id, err))
		}
		s.metrics.RecordViewerStop()
	}
	if wasPublishing {
		s.metrics.RecordPublishStop(duration.Seconds())
	}

	if cause != nil {
		s.logger.Warn("session closed", "viewers", len(subs), "cause", cause)
	} else {
		s.logger.Info("session closed", "viewers", len(subs))
	}
	return result.ErrorOrNil()
}

// CloseIfIdle closes the session only if it has neither a publisher nor
// subscribers, checking and closing atomically.
func (s *Session) CloseIfIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.idleLocked() {
		return false
	}
	s.closed = true
	return true
}

// CloseIfNoSubscribers closes the session unless viewers are attached. It
// reports whether the session is closed afterwards.
func (s *Session) CloseIfNoSubscribers() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if len(s.subscribers) > 0 {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	wasPublishing := s.publishing
	s.publishing = false
	duration := time.Since(s.startedAt)
	s.mu.Unlock()

	if wasPublishing {
		s.metrics.RecordPublishStop(duration.Seconds())
	}
	return true
}

// Idle reports whether the session has no publisher and no subscribers.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleLocked()
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Publishing reports whether a publisher currently holds the session.
func (s *Session) Publishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishing
}

func (s *Session) idleLocked() bool {
	return !s.publishing && len(s.subscribers) == 0
}

func (s *Session) notifyIdle() {
	if s.onIdle != nil {
		s.onIdle(s)
	}
}
