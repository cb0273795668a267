package models

// StreamState represents the current state of a stream
type StreamState string

const (
	StreamStateIdle       StreamState = "idle"       // viewers waiting, no publisher
	StreamStateConnecting StreamState = "connecting" // publisher attached, no FLV header yet
	StreamStateLive       StreamState = "live"
)

// StateOf derives the state from the publisher and header flags
func StateOf(publishing, hasHeader bool) StreamState {
	switch {
	case publishing && hasHeader:
		return StreamStateLive
	case publishing:
		return StreamStateConnecting
	default:
		return StreamStateIdle
	}
}

// StreamInfo represents stream metadata returned by the API
type StreamInfo struct {
	StreamKey      string      `json:"streamKey"`
	Active         bool        `json:"active"`
	State          StreamState `json:"state"`
	Viewers        int         `json:"viewers"`
	PublisherID    string      `json:"publisherId,omitempty"`
	StartedAt      string      `json:"startedAt,omitempty"`
	Duration       int         `json:"duration,omitempty"` // seconds
	VideoCodec     string      `json:"videoCodec,omitempty"`
	VideoProfile   string      `json:"videoProfile,omitempty"`
	VideoLevel     float64     `json:"videoLevel,omitempty"`
	AudioCodec     string      `json:"audioCodec,omitempty"`
	Resolution     string      `json:"resolution,omitempty"` // e.g., "1920x1080"
	FrameRate      float64     `json:"frameRate,omitempty"`
	BytesIngested  uint64      `json:"bytesIngested"`
	AudioTags      uint64      `json:"audioTags"`
	VideoTags      uint64      `json:"videoTags"`
	ScriptTags     uint64      `json:"scriptTags"`
	DroppedScripts uint64      `json:"droppedScripts"`
	SkippedTags    uint64      `json:"skippedTags"`
	BufferedBytes  int         `json:"bufferedBytes"`
	GOPCacheDepth  int         `json:"gopCacheDepth"`
	HasHeader      bool        `json:"hasHeader"`
	HasMetadata    bool        `json:"hasMetadata"`
	Metadata       any         `json:"metadata,omitempty"` // onMetaData in wire order
}

// StreamListResponse represents a list of streams
type StreamListResponse struct {
	Streams    []StreamInfo `json:"streams"`
	Total      int          `json:"total"`
	Live       int          `json:"live"`
	Publishers int          `json:"publishers"` // includes streams still waiting for a header
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error string `json:"error"`
}
