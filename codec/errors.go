package codec

import "errors"

// Codec errors (spec §7: EncodeError / DecodeError).
var (
	ErrUnsupportedType = errors.New("codec: unsupported value type")
	ErrTruncated       = errors.New("codec: truncated value")
	ErrUnknownTag      = errors.New("codec: unknown value tag")
	ErrMapKeyType      = errors.New("codec: map keys must be strings")
)
