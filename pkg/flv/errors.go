package flv

import "fmt"

// ErrorKind classifies a fatal parse failure.
type ErrorKind int

const (
	InvalidSignature ErrorKind = iota + 1
	InvalidHeaderSize
	MalformedTag
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidSignature:
		return "invalid signature"
	case InvalidHeaderSize:
		return "invalid header size"
	case MalformedTag:
		return "malformed tag"
	default:
		return "unknown"
	}
}

// ParseError is returned when the byte stream can never be demuxed again.
type ParseError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return "flv: " + e.Kind.String()
	}
	return fmt.Sprintf("flv: %s: %s", e.Kind, e.Detail)
}

// Is matches another *ParseError of the same kind, so callers can write
// errors.Is(err, &flv.ParseError{Kind: flv.InvalidSignature}).
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}
