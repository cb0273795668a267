// Package flv demultiplexes and re-serializes the FLV container at tag level.
package flv

import (
	"fmt"

	"flvrelay/pkg/amf"
)

// Wire sizes.
const (
	HeaderSize          = 9
	TagHeaderSize       = 11
	PreviousTagSizeSize = 4
	MaxDataSize         = 1<<24 - 1
)

// TagType is the first byte of a tag header.
type TagType uint8

const (
	TagTypeAudio  TagType = 8
	TagTypeVideo  TagType = 9
	TagTypeScript TagType = 18
)

func (t TagType) String() string {
	switch t {
	case TagTypeAudio:
		return "audio"
	case TagTypeVideo:
		return "video"
	case TagTypeScript:
		return "script"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Header flag bits.
const (
	FlagVideo = 0x01
	FlagAudio = 0x04
)

// Video frame types.
const (
	FrameTypeKeyframe             = 1
	FrameTypeInterFrame           = 2
	FrameTypeDisposableInterFrame = 3
	FrameTypeGeneratedKeyframe    = 4
	FrameTypeVideoInfoFrame       = 5
)

// Video codec IDs.
const (
	CodecIDJPEG          = 1
	CodecIDSorensonH263  = 2
	CodecIDScreenVideo   = 3
	CodecIDOn2VP6        = 4
	CodecIDOn2VP6Alpha   = 5
	CodecIDScreenVideoV2 = 6
	CodecIDAVC           = 7
)

// Sound formats.
const (
	SoundFormatLinearPCM      = 0
	SoundFormatADPCM          = 1
	SoundFormatMP3            = 2
	SoundFormatLinearPCMLE    = 3
	SoundFormatNellymoser16K  = 4
	SoundFormatNellymoser8K   = 5
	SoundFormatNellymoser     = 6
	SoundFormatG711ALaw       = 7
	SoundFormatG711MuLaw      = 8
	SoundFormatAAC            = 10
	SoundFormatSpeex          = 11
	SoundFormatMP38K          = 14
	SoundFormatDeviceSpecific = 15
)

// Packet types shared by AVC video and AAC audio bodies.
const (
	PacketTypeSequenceHeader = 0
	PacketTypeRaw            = 1
)

var sampleRates = [4]int{5500, 11025, 22050, 44100}

// Unit is one demuxed element of an FLV stream: *Header, *AudioUnit,
// *VideoUnit or *ScriptUnit.
type Unit interface {
	unit()
}

// Header is the 9-byte FLV file header.
type Header struct {
	Version    uint8
	HasAudio   bool
	HasVideo   bool
	HeaderSize uint32
}

// Tag is a complete FLV tag.
type Tag struct {
	Type      TagType
	DataSize  uint32
	Timestamp int32
	StreamID  uint32
	Payload   []byte
}

// AudioUnit is an audio tag with its first payload byte unpacked.
type AudioUnit struct {
	Tag
	Format     uint8
	SampleRate int
	SampleSize int
	Channels   int
	Body       []byte
}

// IsSequenceHeader reports whether the unit carries an AAC AudioSpecificConfig.
func (a *AudioUnit) IsSequenceHeader() bool {
	return a.Format == SoundFormatAAC && len(a.Body) > 0 && a.Body[0] == PacketTypeSequenceHeader
}

// VideoUnit is a video tag with its first payload byte unpacked.
type VideoUnit struct {
	Tag
	FrameType uint8
	CodecID   uint8
	Body      []byte
}

// IsKeyframe reports whether the frame can start decoding on its own.
func (v *VideoUnit) IsKeyframe() bool {
	return v.FrameType == FrameTypeKeyframe
}

// IsSequenceHeader reports whether the unit carries an AVC decoder configuration record.
func (v *VideoUnit) IsSequenceHeader() bool {
	return v.CodecID == CodecIDAVC && len(v.Body) > 0 && v.Body[0] == PacketTypeSequenceHeader
}

// ScriptUnit is a decoded script data tag.
type ScriptUnit struct {
	Tag
	Name     string
	Metadata amf.Object
}

// IsMetadata reports whether the unit is the stream's onMetaData.
func (s *ScriptUnit) IsMetadata() bool {
	return s.Name == "onMetaData"
}

func (*Header) unit()     {}
func (*AudioUnit) unit()  {}
func (*VideoUnit) unit()  {}
func (*ScriptUnit) unit() {}

func decodeAudio(tag Tag) *AudioUnit {
	b := tag.Payload[0]
	a := &AudioUnit{
		Tag:        tag,
		Format:     b >> 4,
		SampleRate: sampleRates[(b>>2)&0x03],
		SampleSize: 8,
		Channels:   1,
		Body:       tag.Payload[1:],
	}
	if b&0x02 != 0 {
		a.SampleSize = 16
	}
	if b&0x01 != 0 {
		a.Channels = 2
	}
	return a
}

func decodeVideo(tag Tag) *VideoUnit {
	b := tag.Payload[0]
	return &VideoUnit{
		Tag:       tag,
		FrameType: b >> 4,
		CodecID:   b & 0x0F,
		Body:      tag.Payload[1:],
	}
}

// SoundFormatName returns a short codec name for an audio format.
func SoundFormatName(format uint8) string {
	switch format {
	case SoundFormatLinearPCM, SoundFormatLinearPCMLE:
		return "pcm"
	case SoundFormatADPCM:
		return "adpcm"
	case SoundFormatMP3, SoundFormatMP38K:
		return "mp3"
	case SoundFormatNellymoser16K, SoundFormatNellymoser8K, SoundFormatNellymoser:
		return "nellymoser"
	case SoundFormatG711ALaw:
		return "pcma"
	case SoundFormatG711MuLaw:
		return "pcmu"
	case SoundFormatAAC:
		return "aac"
	case SoundFormatSpeex:
		return "speex"
	default:
		return fmt.Sprintf("format-%d", format)
	}
}

// CodecName returns a short codec name for a video codec ID.
func CodecName(codecID uint8) string {
	switch codecID {
	case CodecIDJPEG:
		return "jpeg"
	case CodecIDSorensonH263:
		return "h263"
	case CodecIDScreenVideo, CodecIDScreenVideoV2:
		return "screen"
	case CodecIDOn2VP6, CodecIDOn2VP6Alpha:
		return "vp6"
	case CodecIDAVC:
		return "h264"
	default:
		return fmt.Sprintf("codec-%d", codecID)
	}
}
