// Package amf decodes the AMF0 object notation carried by FLV script data tags.
package amf

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	numberMarker      = 0x00
	booleanMarker     = 0x01
	stringMarker      = 0x02
	objectMarker      = 0x03
	ecmaArrayMarker   = 0x08
	objectEndMarker   = 0x09
	strictArrayMarker = 0x0A
	dateMarker        = 0x0B
)

// maxDepth bounds object nesting so a hostile payload cannot exhaust the stack.
const maxDepth = 64

// DecodeError reports why a script payload could not be decoded.
type DecodeError struct {
	Reason string
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("amf0: %s at offset %d", e.Reason, e.Offset)
}

// Property is a single key/value pair of an Object.
type Property struct {
	Key   string
	Value any
}

// Object is an AMF0 object or ECMA array with its wire order preserved.
//
// Values are one of float64, bool, string, Object, []any or time.Time.
type Object []Property

// Get returns the value stored under key.
func (o Object) Get(key string) (any, bool) {
	for _, p := range o {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Number returns the float64 stored under key, if any.
func (o Object) Number(key string) (float64, bool) {
	v, ok := o.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// String returns the string stored under key, if any.
func (o Object) String(key string) (string, bool) {
	v, ok := o.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Map converts the object, and any nested objects, to plain maps.
func (o Object) Map() map[string]any {
	m := make(map[string]any, len(o))
	for _, p := range o {
		m[p.Key] = plain(p.Value)
	}
	return m
}

func plain(v any) any {
	switch t := v.(type) {
	case Object:
		return t.Map()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON encodes the object as a JSON object in wire order.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal %q: %w", p.Key, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeScriptData decodes a script tag payload: a string name followed by an
// ECMA array, as carried by onMetaData.
func DecodeScriptData(data []byte) (string, Object, error) {
	d := &decoder{buf: data}

	marker, err := d.readByte()
	if err != nil {
		return "", nil, err
	}
	if marker != stringMarker {
		return "", nil, d.fail(d.pos-1, "expected string type")
	}
	name, err := d.decodeString()
	if err != nil {
		return "", nil, err
	}

	marker, err = d.readByte()
	if err != nil {
		return "", nil, err
	}
	if marker != ecmaArrayMarker {
		return "", nil, d.fail(d.pos-1, "expected ecma array type")
	}
	obj, err := d.decodeECMAArray(0)
	if err != nil {
		return "", nil, err
	}
	return name, obj, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) fail(offset int, reason string) error {
	return &DecodeError{Reason: reason, Offset: offset}
}

func (d *decoder) next(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.pos < n {
		return nil, d.fail(d.pos, "unexpected end of data")
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) decodeValue(depth int) (any, error) {
	start := d.pos
	marker, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch marker {
	case numberMarker:
		return d.decodeNumber()
	case booleanMarker:
		return d.decodeBoolean()
	case stringMarker:
		return d.decodeString()
	case objectMarker:
		return d.decodeObject(depth + 1)
	case ecmaArrayMarker:
		return d.decodeECMAArray(depth + 1)
	case strictArrayMarker:
		return d.decodeStrictArray()
	case dateMarker:
		return d.decodeDate()
	default:
		return nil, d.fail(start, "unsupported value type")
	}
}

func (d *decoder) decodeNumber() (float64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (d *decoder) decodeBoolean() (bool, error) {
	b, err := d.readByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (d *decoder) decodeString() (string, error) {
	l, err := d.next(2)
	if err != nil {
		return "", err
	}
	s, err := d.next(int(binary.BigEndian.Uint16(l)))
	if err != nil {
		return "", err
	}
	return string(s), nil
}

func (d *decoder) decodeECMAArray(depth int) (Object, error) {
	// the element count is advisory; the end marker terminates the array
	if _, err := d.next(4); err != nil {
		return nil, err
	}
	return d.decodeObject(depth)
}

func (d *decoder) decodeObject(depth int) (Object, error) {
	if depth > maxDepth {
		return nil, d.fail(d.pos, "nesting too deep")
	}

	obj := Object{}
	for {
		key, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			end, err := d.readByte()
			if err != nil {
				return nil, err
			}
			if end != objectEndMarker {
				return nil, d.fail(d.pos-1, "expected object end marker")
			}
			return obj, nil
		}

		val, err := d.decodeValue(depth)
		if err != nil {
			return nil, err
		}
		obj = append(obj, Property{Key: key, Value: val})
	}
}

func (d *decoder) decodeStrictArray() ([]any, error) {
	b, err := d.next(4)
	if err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(b)

	// every element needs at least two bytes, so a larger count is a lie
	if uint64(count)*2 > uint64(len(d.buf)-d.pos) {
		return nil, d.fail(d.pos, "unexpected end of data")
	}

	arr := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		start := d.pos
		marker, err := d.readByte()
		if err != nil {
			return nil, err
		}

		var v any
		switch marker {
		case numberMarker:
			v, err = d.decodeNumber()
		case booleanMarker:
			v, err = d.decodeBoolean()
		case stringMarker:
			v, err = d.decodeString()
		default:
			return nil, d.fail(start, "unsupported array value type")
		}
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	return arr, nil
}

func (d *decoder) decodeDate() (time.Time, error) {
	millis, err := d.decodeNumber()
	if err != nil {
		return time.Time{}, err
	}
	b, err := d.next(2)
	if err != nil {
		return time.Time{}, err
	}
	offset := int16(binary.BigEndian.Uint16(b))

	millis += float64(offset) * 60 * 1000
	sec := int64(millis / 1000)
	nanoSec := int64(math.Mod(millis, 1000) * 1e6)

	return time.Unix(sec, nanoSec).UTC(), nil
}
