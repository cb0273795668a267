package flv

import "encoding/binary"

// HeaderBytes returns the canonical 13-byte file header: the 9-byte header
// followed by a zero PreviousTagSize0.
func HeaderBytes(h Header) []byte {
	b := make([]byte, HeaderSize+PreviousTagSizeSize)
	copy(b, "FLV")
	b[3] = h.Version
	if h.HasAudio {
		b[4] |= FlagAudio
	}
	if h.HasVideo {
		b[4] |= FlagVideo
	}
	binary.BigEndian.PutUint32(b[5:9], HeaderSize)
	return b
}

// Bytes serializes the tag as header, payload and PreviousTagSize.
func (t *Tag) Bytes() []byte {
	return AppendTag(make([]byte, 0, TagHeaderSize+len(t.Payload)+PreviousTagSizeSize), t)
}

// AppendTag appends the wire form of t to dst. DataSize is taken from the
// payload length.
func AppendTag(dst []byte, t *Tag) []byte {
	size := uint32(len(t.Payload))
	ts := uint32(t.Timestamp)

	dst = append(dst,
		byte(t.Type),
		byte(size>>16), byte(size>>8), byte(size),
		byte(ts>>16), byte(ts>>8), byte(ts), byte(ts>>24),
		byte(t.StreamID>>16), byte(t.StreamID>>8), byte(t.StreamID),
	)
	dst = append(dst, t.Payload...)
	return binary.BigEndian.AppendUint32(dst, uint32(TagHeaderSize)+size)
}
