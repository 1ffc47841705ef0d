package mqtt

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/nilsen/cindermq/pkg/er"
)

const maxRemainingLength = 268435455

// EncodeRemainingLength encodes length in the 1-4 byte base-128
// continuation encoding used by every MQTT fixed header.
func EncodeRemainingLength(length int) []byte {
	if length < 0 {
		return []byte{0}
	}
	var out []byte
	for {
		b := byte(length % 128)
		length /= 128
		if length > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if length == 0 || len(out) >= 4 {
			break
		}
	}
	return out
}

// ParseRemainingLength decodes the remaining-length field from data
// (which must start right after the fixed-header first byte), returning
// the decoded length, bytes consumed, and an error if a 5th continuation
// byte would be required.
func ParseRemainingLength(data []byte) (int, int, error) {
	var length, multiplier, offset int
	multiplier = 1
	for {
		if offset >= len(data) {
			return 0, 0, &er.Err{Context: "mqtt.ParseRemainingLength", Message: er.ErrShortBuffer}
		}
		if offset >= 4 {
			return 0, 0, &er.Err{Context: "mqtt.ParseRemainingLength", Message: er.ErrRemainingLengthExceeded}
		}
		b := data[offset]
		length += int(b&0x7F) * multiplier
		if length > maxRemainingLength {
			return 0, 0, &er.Err{Context: "mqtt.ParseRemainingLength", Message: er.ErrRemainingLengthExceeded}
		}
		multiplier *= 128
		offset++
		if b&0x80 == 0 {
			break
		}
	}
	return length, offset, nil
}

// ParseString reads a 2-byte-length-prefixed UTF-8 string, returning the
// string, bytes consumed (including the length prefix), and an error if
// the frame is too short or the bytes are not valid UTF-8.
func ParseString(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, &er.Err{Context: "mqtt.ParseString", Message: er.ErrShortBuffer}
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+n {
		return "", 0, &er.Err{Context: "mqtt.ParseString", Message: er.ErrShortBuffer}
	}
	s := string(data[2 : 2+n])
	if !utf8.ValidString(s) {
		return "", 0, &er.Err{Context: "mqtt.ParseString", Message: er.ErrInvalidUTF8String}
	}
	return s, 2 + n, nil
}

// AppendString appends a 2-byte-length-prefixed UTF-8 string to buf.
func AppendString(buf []byte, s string) []byte {
	n := len(s)
	buf = append(buf, byte(n>>8), byte(n))
	return append(buf, s...)
}

// AppendUint16 appends a big-endian uint16 to buf.
func AppendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}
