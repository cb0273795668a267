package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"flvrelay/pkg/flv"
)

// AVC packet types carried in byte 1 of an FLV AVC video payload
const (
	AVCPacketSequenceHeader = 0
	AVCPacketNALU           = 1
	AVCPacketEndOfSequence  = 2
)

// AVCDecoderConfigurationRecord represents the AVC configuration from FLV
// This is sent as the first video packet when a stream starts
type AVCDecoderConfigurationRecord struct {
	ConfigurationVersion uint8
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	NALUnitLength        uint8
	SPS                  [][]byte // Sequence Parameter Sets
	PPS                  [][]byte // Picture Parameter Sets
}

// Codec returns the RFC 6381 codec string, e.g. "avc1.64001f"
func (r *AVCDecoderConfigurationRecord) Codec() string {
	return fmt.Sprintf("avc1.%02x%02x%02x", r.AVCProfileIndication, r.ProfileCompatibility, r.AVCLevelIndication)
}

// ProfileName returns a readable H.264 profile name
func (r *AVCDecoderConfigurationRecord) ProfileName() string {
	switch r.AVCProfileIndication {
	case 66:
		return "Baseline"
	case 77:
		return "Main"
	case 88:
		return "Extended"
	case 100:
		return "High"
	case 110:
		return "High 10"
	case 122:
		return "High 4:2:2"
	case 244:
		return "High 4:4:4"
	default:
		return fmt.Sprintf("profile-%d", r.AVCProfileIndication)
	}
}

// Level returns the level as a decimal, e.g. 3.1
func (r *AVCDecoderConfigurationRecord) Level() float64 {
	return float64(r.AVCLevelIndication) / 10
}

// ParseAVCDecoderConfigurationRecord parses the AVCC structure from FLV video data
// This is called with the body of a video packet with AVCPacketType = 0 (sequence header)
func ParseAVCDecoderConfigurationRecord(data []byte) (*AVCDecoderConfigurationRecord, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("data too short for AVCDecoderConfigurationRecord: %d bytes", len(data))
	}

	record := &AVCDecoderConfigurationRecord{
		ConfigurationVersion: data[0],
		AVCProfileIndication: data[1],
		ProfileCompatibility: data[2],
		AVCLevelIndication:   data[3],
		NALUnitLength:        (data[4] & 0x03) + 1, // lower 2 bits are length size minus one
	}
	if record.ConfigurationVersion != 1 {
		return nil, fmt.Errorf("unsupported AVCDecoderConfigurationRecord version %d", record.ConfigurationVersion)
	}

	r := bytes.NewReader(data[5:])

	// reserved (3 bits) + number of SPS (5 bits)
	numOfSPS, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	record.SPS, err = readParameterSets(r, int(numOfSPS&0x1F))
	if err != nil {
		return nil, fmt.Errorf("failed to read SPS: %w", err)
	}

	numOfPPS, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read PPS count: %w", err)
	}
	record.PPS, err = readParameterSets(r, int(numOfPPS))
	if err != nil {
		return nil, fmt.Errorf("failed to read PPS: %w", err)
	}

	return record, nil
}

func readParameterSets(r *bytes.Reader, count int) ([][]byte, error) {
	sets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		var length uint16
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		set := make([]byte, length)
		if _, err := io.ReadFull(r, set); err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// VideoPacket is the AVC-specific view of an FLV video unit body
type VideoPacket struct {
	PacketType      uint8
	CompositionTime int32 // PTS offset in milliseconds
	Data            []byte
}

// IsSequenceHeader reports whether Data holds an AVCDecoderConfigurationRecord
func (p *VideoPacket) IsSequenceHeader() bool {
	return p.PacketType == AVCPacketSequenceHeader
}

// ParseVideoPacket extracts the AVC packet header from an FLV video unit
func ParseVideoPacket(v *flv.VideoUnit) (*VideoPacket, error) {
	if v.CodecID != flv.CodecIDAVC {
		return nil, fmt.Errorf("not H.264/AVC codec: %d", v.CodecID)
	}
	body := v.Body
	if len(body) < 4 {
		return nil, fmt.Errorf("video packet too short: %d bytes", len(body))
	}

	// composition time is a signed 24-bit value
	cts := int32(uint32(body[1])<<16|uint32(body[2])<<8|uint32(body[3])) << 8 >> 8

	return &VideoPacket{
		PacketType:      body[0],
		CompositionTime: cts,
		Data:            body[4:],
	}, nil
}
