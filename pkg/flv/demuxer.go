package flv

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"flvrelay/pkg/amf"
)

type demuxState int

const (
	awaitingHeader demuxState = iota
	awaitingPrevTagSize0
	streaming
)

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithLogger sets the logger used for dropped tags.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Demuxer) {
		d.logger = logger
	}
}

// WithStrictFraming makes a PreviousTagSize that disagrees with the tag
// length a fatal MalformedTag error. By default the field is ignored.
func WithStrictFraming(strict bool) Option {
	return func(d *Demuxer) {
		d.strict = strict
	}
}

// Demuxer incrementally reconstructs FLV units from an arbitrarily chunked
// byte feed. It is not safe for concurrent use.
type Demuxer struct {
	logger *slog.Logger
	strict bool

	state demuxState
	buf   []byte
	err   error

	droppedScripts uint64
	skippedTags    uint64
}

// NewDemuxer creates a demuxer waiting for the FLV file header.
func NewDemuxer(opts ...Option) *Demuxer {
	d := &Demuxer{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Push appends chunk to the residual buffer and returns every unit that is
// now complete. Incomplete input is kept for the next call and is never an
// error. A fatal error is returned together with the units parsed before it,
// and every later call returns the same error.
func (d *Demuxer) Push(chunk []byte) ([]Unit, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var units []Unit
	consumed := 0
	for {
		rest := d.buf[consumed:]

		if d.state == awaitingHeader {
			if len(rest) < HeaderSize {
				break
			}
			hdr, err := parseHeader(rest)
			if err != nil {
				d.fail(err)
				return units, err
			}
			units = append(units, hdr)
			consumed += HeaderSize
			d.state = awaitingPrevTagSize0
			continue
		}

		if d.state == awaitingPrevTagSize0 {
			if len(rest) < PreviousTagSizeSize {
				break
			}
			if prev := binary.BigEndian.Uint32(rest); d.strict && prev != 0 {
				err := &ParseError{Kind: MalformedTag, Detail: fmt.Sprintf("previous tag size 0 is %d", prev)}
				d.fail(err)
				return units, err
			}
			consumed += PreviousTagSizeSize
			d.state = streaming
			continue
		}

		if len(rest) < TagHeaderSize {
			break
		}
		dataSize := int(uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3]))
		total := TagHeaderSize + dataSize + PreviousTagSizeSize
		if len(rest) < total {
			break
		}

		if d.strict {
			prev := binary.BigEndian.Uint32(rest[TagHeaderSize+dataSize:])
			if prev != uint32(TagHeaderSize+dataSize) {
				err := &ParseError{
					Kind:   MalformedTag,
					Detail: fmt.Sprintf("previous tag size %d, want %d", prev, TagHeaderSize+dataSize),
				}
				d.fail(err)
				return units, err
			}
		}

		if u := d.decodeTag(rest[:TagHeaderSize+dataSize]); u != nil {
			units = append(units, u)
		}
		consumed += total
	}

	if consumed > 0 {
		n := copy(d.buf, d.buf[consumed:])
		d.buf = d.buf[:n]
	}
	return units, nil
}

// Buffered returns the number of residual bytes awaiting more data.
func (d *Demuxer) Buffered() int {
	return len(d.buf)
}

// DroppedScripts returns how many script tags failed AMF0 decoding.
func (d *Demuxer) DroppedScripts() uint64 {
	return d.droppedScripts
}

// SkippedTags returns how many tags were ignored for an unknown type or an
// empty audio/video payload.
func (d *Demuxer) SkippedTags() uint64 {
	return d.skippedTags
}

func (d *Demuxer) fail(err error) {
	d.err = err
	d.buf = nil
}

func parseHeader(b []byte) (*Header, error) {
	if b[0] != 'F' || b[1] != 'L' || b[2] != 'V' {
		return nil, &ParseError{Kind: InvalidSignature, Detail: fmt.Sprintf("got %q", b[:3])}
	}
	size := binary.BigEndian.Uint32(b[5:9])
	if size != HeaderSize {
		return nil, &ParseError{Kind: InvalidHeaderSize, Detail: fmt.Sprintf("got %d", size)}
	}
	return &Header{
		Version:    b[3],
		HasAudio:   b[4]&FlagAudio != 0,
		HasVideo:   b[4]&FlagVideo != 0,
		HeaderSize: size,
	}, nil
}

// decodeTag builds a unit from one tag without its trailer. The payload is
// copied because the residual buffer is reused.
func (d *Demuxer) decodeTag(b []byte) Unit {
	payload := make([]byte, len(b)-TagHeaderSize)
	copy(payload, b[TagHeaderSize:])

	tag := Tag{
		Type:      TagType(b[0]),
		DataSize:  uint32(len(payload)),
		Timestamp: int32(uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6]) | uint32(b[7])<<24),
		StreamID:  uint32(b[8])<<16 | uint32(b[9])<<8 | uint32(b[10]),
		Payload:   payload,
	}

	switch tag.Type {
	case TagTypeAudio:
		if len(payload) == 0 {
			d.skip(tag, "empty audio payload")
			return nil
		}
		return decodeAudio(tag)
	case TagTypeVideo:
		if len(payload) == 0 {
			d.skip(tag, "empty video payload")
			return nil
		}
		return decodeVideo(tag)
	case TagTypeScript:
		name, meta, err := amf.DecodeScriptData(payload)
		if err != nil {
			d.droppedScripts++
			d.logger.Warn("dropping script tag", "timestamp", tag.Timestamp, "size", tag.DataSize, "err", err)
			return nil
		}
		return &ScriptUnit{Tag: tag, Name: name, Metadata: meta}
	default:
		d.skip(tag, "unknown tag type")
		return nil
	}
}

func (d *Demuxer) skip(tag Tag, reason string) {
	d.skippedTags++
	d.logger.Debug("skipping tag", "type", tag.Type.String(), "timestamp", tag.Timestamp, "reason", reason)
}
