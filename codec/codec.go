// Package codec implements the value algebra carried by every pool
// entry (spec §4.1, "Value codec"): nulls, booleans, 64-bit integers,
// floats, byte strings, unicode strings, ordered lists and
// string-keyed maps, nested arbitrarily. The wire form is a tagged,
// self-describing little-endian TLV stream — a canonical binary
// format in the sense the spec allows ("implementations MAY use a
// canonical self-describing binary format"), not a language-native
// object serializer (spec §9, "Opaque language-object serialization").
//
// Callers who want richer structured payloads than the algebra
// expresses natively serialize upstream into a byte string; FromJSON
// and ToJSON are sugar for that case.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/goccy/go-json"
)

// Tag identifies the wire shape of an encoded value.
type Tag byte

const (
	TagNull Tag = iota
	TagBool
	TagInt
	TagFloat
	TagBytes
	TagString
	TagList
	TagMap
)

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	bufferPool.Put(buf)
}

// Encode renders v as a tagged TLV byte stream. Supported shapes: nil,
// bool, the built-in integer types (stored widened to int64), float32
// and float64 (stored widened to float64), []byte, string, []any, and
// map[string]any, with list and map elements drawn from the same
// shapes. Other slice and map types (such as []int or
// map[string]string) and named types are not converted; Encode fails
// with ErrUnsupportedType for them and for anything else.
func Encode(v any) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := encodeInto(buf, v); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func encodeInto(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(byte(TagNull))
		return nil
	case bool:
		buf.WriteByte(byte(TagBool))
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil
	case []byte:
		buf.WriteByte(byte(TagBytes))
		writeU32(buf, uint32(len(val)))
		buf.Write(val)
		return nil
	case string:
		buf.WriteByte(byte(TagString))
		writeU32(buf, uint32(len(val)))
		buf.WriteString(val)
		return nil
	case []any:
		buf.WriteByte(byte(TagList))
		writeU32(buf, uint32(len(val)))
		for _, item := range val {
			if err := encodeInto(buf, item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		buf.WriteByte(byte(TagMap))
		writeU32(buf, uint32(len(val)))
		for k, item := range val {
			writeU32(buf, uint32(len(k)))
			buf.WriteString(k)
			if err := encodeInto(buf, item); err != nil {
				return err
			}
		}
		return nil
	}

	if i, ok := asInt64(v); ok {
		buf.WriteByte(byte(TagInt))
		writeI64(buf, i)
		return nil
	}
	if f, ok := asFloat64(v); ok {
		buf.WriteByte(byte(TagFloat))
		writeU64(buf, math.Float64bits(f))
		return nil
	}

	return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

// Decode parses a tagged TLV byte stream produced by Encode, returning
// a value built from nil, bool, int64, float64, []byte, string,
// []any, and map[string]any.
func Decode(data []byte) (any, error) {
	r := bytes.NewReader(data)
	v, err := decodeFrom(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, r.Len())
	}
	return v, nil
}

func decodeFrom(r *bytes.Reader) (any, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	switch Tag(tagByte) {
	case TagNull:
		return nil, nil
	case TagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return b != 0, nil
	case TagInt:
		return readI64(r)
	case TagFloat:
		bits, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(bits), nil
	case TagBytes:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return b, nil
	case TagString:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return string(b), nil
	case TagList:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := decodeFrom(r)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case TagMap:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, n)
		for i := uint32(0); i < n; i++ {
			klen, err := readU32(r)
			if err != nil {
				return nil, err
			}
			kb := make([]byte, klen)
			if _, err := io.ReadFull(r, kb); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
			}
			item, err := decodeFrom(r)
			if err != nil {
				return nil, err
			}
			m[string(kb)] = item
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownTag, tagByte)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	writeU64(buf, uint64(v))
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	v, err := readU64(r)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// FromJSON marshals v with goccy/go-json and wraps the result as the
// algebra's byte-string variant, for callers whose payloads are
// richer than the fixed value algebra (spec §9).
func FromJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	return Encode(data)
}

// ToJSON decodes a value previously produced by FromJSON and unmarshals
// its byte-string payload into out.
func ToJSON(encoded []byte, out any) error {
	v, err := Decode(encoded)
	if err != nil {
		return err
	}
	raw, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("%w: value is not a byte string", ErrUnsupportedType)
	}
	return json.Unmarshal(raw, out)
}
