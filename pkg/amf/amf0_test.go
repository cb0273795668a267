package amf

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	amf0 "github.com/yutopp/go-amf0"
)

func encodeReference(t *testing.T, values ...any) []byte {
	t.Helper()

	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	for _, v := range values {
		require.NoError(t, enc.Encode(v))
	}
	return buf.Bytes()
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr), "expected *DecodeError, got %v", err)
	assert.Equal(t, reason, decodeErr.Reason)
}

func TestDecodeScriptData_ReferenceRoundTrip(t *testing.T) {
	data := encodeReference(t, "onMetaData", amf0.ECMAArray{
		"width":    1280.0,
		"hasVideo": true,
		"title":    "x",
	})

	name, meta, err := DecodeScriptData(data)
	require.NoError(t, err)
	assert.Equal(t, "onMetaData", name)

	width, ok := meta.Number("width")
	require.True(t, ok)
	assert.Equal(t, 1280.0, width)

	hasVideo, ok := meta.Get("hasVideo")
	require.True(t, ok)
	assert.Equal(t, true, hasVideo)

	title, ok := meta.String("title")
	require.True(t, ok)
	assert.Equal(t, "x", title)
	assert.Len(t, meta, 3)
}

func TestDecodeScriptData_PreservesOrder(t *testing.T) {
	data := []byte{
		0x02, 0x00, 0x0a, 'o', 'n', 'M', 'e', 't', 'a', 'D', 'a', 't', 'a',
		0x08, 0x00, 0x00, 0x00, 0x02,
		0x00, 0x01, 'b', 0x01, 0x00,
		0x00, 0x01, 'a', 0x02, 0x00, 0x02, 'h', 'i',
		0x00, 0x00, 0x09,
	}

	_, meta, err := DecodeScriptData(data)
	require.NoError(t, err)
	require.Len(t, meta, 2)
	assert.Equal(t, "b", meta[0].Key)
	assert.Equal(t, false, meta[0].Value)
	assert.Equal(t, "a", meta[1].Key)
	assert.Equal(t, "hi", meta[1].Value)

	out, err := json.Marshal(meta)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":false,"a":"hi"}`, string(out))
	assert.Equal(t, `{"b":false,"a":"hi"}`, string(out))
}

func TestDecodeScriptData_NestedObjectAndStrictArray(t *testing.T) {
	data := encodeReference(t, "onMetaData", amf0.ECMAArray{
		"keyframes": map[string]interface{}{
			"times": []interface{}{0.0, 2.0, 4.0},
		},
		"tags": []interface{}{"live", true, 1.5},
	})

	_, meta, err := DecodeScriptData(data)
	require.NoError(t, err)

	kf, ok := meta.Get("keyframes")
	require.True(t, ok)
	nested, ok := kf.(Object)
	require.True(t, ok, "nested object decodes as Object, got %T", kf)
	times, ok := nested.Get("times")
	require.True(t, ok)
	assert.Equal(t, []any{0.0, 2.0, 4.0}, times)

	tags, ok := meta.Get("tags")
	require.True(t, ok)
	assert.Equal(t, []any{"live", true, 1.5}, tags)

	assert.Equal(t, map[string]any{
		"keyframes": map[string]any{"times": []any{0.0, 2.0, 4.0}},
		"tags":      []any{"live", true, 1.5},
	}, meta.Map())
}

func TestDecodeScriptData_Date(t *testing.T) {
	data := []byte{
		0x02, 0x00, 0x01, 'd',
		0x08, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x04, 'w', 'h', 'e', 'n',
		// 1000 ms
		0x0b, 0x40, 0x8f, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00,
		// +2 minutes
		0x00, 0x02,
		0x00, 0x00, 0x09,
	}

	_, meta, err := DecodeScriptData(data)
	require.NoError(t, err)
	when, ok := meta.Get("when")
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1000+2*60*1000).UTC(), when)
}

func TestDecodeScriptData_ExpectedStringType(t *testing.T) {
	_, _, err := DecodeScriptData([]byte{0x00, 0x40, 0x09, 0x1e, 0xb8, 0x51, 0xeb, 0x85, 0x1f})
	requireReason(t, err, "expected string type")
}

func TestDecodeScriptData_ExpectedECMAArray(t *testing.T) {
	data := encodeReference(t, "onMetaData", 1.0)
	_, _, err := DecodeScriptData(data)
	requireReason(t, err, "expected ecma array type")
}

func TestDecodeScriptData_UnsupportedArrayValueType(t *testing.T) {
	data := []byte{
		0x02, 0x00, 0x01, 'x',
		0x08, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x01, 'a',
		0x0a, 0x00, 0x00, 0x00, 0x01,
		0x03, 0x00, 0x00, 0x09,
		0x00, 0x00, 0x09,
	}
	_, _, err := DecodeScriptData(data)
	requireReason(t, err, "unsupported array value type")
}

func TestDecodeScriptData_UnsupportedValueType(t *testing.T) {
	data := []byte{
		0x02, 0x00, 0x01, 'x',
		0x08, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x01, 'a', 0x05,
		0x00, 0x00, 0x09,
	}
	_, _, err := DecodeScriptData(data)
	requireReason(t, err, "unsupported value type")
}

func TestDecodeScriptData_MissingEndMarker(t *testing.T) {
	data := []byte{
		0x02, 0x00, 0x01, 'x',
		0x08, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x07,
	}
	_, _, err := DecodeScriptData(data)
	requireReason(t, err, "expected object end marker")
}

func TestDecodeScriptData_TruncatedNeverPanics(t *testing.T) {
	full := encodeReference(t, "onMetaData", amf0.ECMAArray{
		"duration": 12.5,
		"encoder":  "obs",
		"stereo":   true,
		"nested":   map[string]interface{}{"list": []interface{}{1.0, "two"}},
	})

	_, _, err := DecodeScriptData(full)
	require.NoError(t, err)

	for n := 0; n < len(full); n++ {
		_, _, err := DecodeScriptData(full[:n])
		require.Error(t, err, "prefix of %d bytes", n)
		var decodeErr *DecodeError
		require.True(t, errors.As(err, &decodeErr))
	}
}

func TestDecodeScriptData_StrictArrayCountLargerThanData(t *testing.T) {
	data := []byte{
		0x02, 0x00, 0x01, 'x',
		0x08, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x01, 'a',
		0x0a, 0xff, 0xff, 0xff, 0xff,
	}
	_, _, err := DecodeScriptData(data)
	requireReason(t, err, "unexpected end of data")
}

func TestDecodeScriptData_DeepNesting(t *testing.T) {
	data := []byte{0x02, 0x00, 0x01, 'x', 0x08, 0x00, 0x00, 0x00, 0x00}
	for i := 0; i < maxDepth+2; i++ {
		data = append(data, 0x00, 0x01, 'o', 0x03)
	}
	_, _, err := DecodeScriptData(data)
	requireReason(t, err, "nesting too deep")
}

func TestDecoder_ConsecutiveValues(t *testing.T) {
	d := &decoder{buf: encodeReference(t, "hello", 3.14)}

	v, err := d.decodeValue(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = d.decodeValue(0)
	require.NoError(t, err)
	assert.Equal(t, 3.14, v)
	assert.Equal(t, len(d.buf), d.pos)
}
