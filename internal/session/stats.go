package session

import (
	"time"

	"flvrelay/pkg/amf"
)

// Stats is a point-in-time view of a session.
type Stats struct {
	Name            string
	SubscriberCount int
	HasHeader       bool
	HasMetadata     bool
	GOPCacheDepth   int

	Publishing     bool
	PublisherID    string
	BytesIngested  uint64
	AudioTags      uint64
	VideoTags      uint64
	ScriptTags     uint64
	DroppedScripts uint64
	SkippedTags    uint64
	BufferedBytes  int
	VideoCodec     string
	VideoProfile   string
	VideoLevel     float64
	AudioCodec     string
	Width          int
	Height         int
	FrameRate      float64
	CreatedAt      time.Time
	StartedAt      time.Time
	Metadata       amf.Object
}

// Stats returns the session's current state. It has no side effects.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Name:            s.name,
		SubscriberCount: len(s.subscribers),
		HasHeader:       s.header != nil,
		HasMetadata:     s.metadata != nil,
		GOPCacheDepth:   s.gop.Depth(),
		Publishing:      s.publishing,
		BytesIngested:   s.bytesIngested,
		AudioTags:       s.audioTags,
		VideoTags:       s.videoTags,
		ScriptTags:      s.scriptTags,
		DroppedScripts:  s.demuxer.DroppedScripts(),
		SkippedTags:     s.demuxer.SkippedTags(),
		BufferedBytes:   s.demuxer.Buffered(),
		VideoCodec:      s.videoCodec,
		VideoProfile:    s.videoProfile,
		VideoLevel:      s.videoLevel,
		AudioCodec:      s.audioCodec,
		CreatedAt:       s.createdAt,
		Metadata:        s.metadata,
	}
	if s.publishing {
		st.PublisherID = s.publisherID
		st.StartedAt = s.startedAt
	}
	if w, ok := s.metadata.Number("width"); ok {
		st.Width = int(w)
	}
	if h, ok := s.metadata.Number("height"); ok {
		st.Height = int(h)
	}
	if fps, ok := s.metadata.Number("framerate"); ok {
		st.FrameRate = fps
	}
	return st
}
