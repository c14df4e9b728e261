// Package rtpmidi implements the RTP-MIDI payload format and the AppleMIDI
// session protocol: packet codec, recovery journal, two-port handshake and
// clock synchronization.
package rtpmidi

import "errors"

// MaxVLQ is the largest encodable delta-time; larger values are rejected.
const MaxVLQ = 0x0FFFFFFF

var (
	ErrVLQTooLarge   = errors.New("delta-time exceeds 0x0FFFFFFF")
	ErrVLQTruncated  = errors.New("truncated variable-length quantity")
	ErrVLQOverlength = errors.New("variable-length quantity longer than 4 bytes")
)

// AppendVLQ appends the big-endian variable-length encoding of v to dst:
// 7 bits per byte, high bit set on all but the final byte, 1-4 bytes.
func AppendVLQ(dst []byte, v uint32) ([]byte, error) {
	if v > MaxVLQ {
		return dst, ErrVLQTooLarge
	}
	switch {
	case v >= 1<<21:
		dst = append(dst, byte(v>>21)|0x80)
		fallthrough
	case v >= 1<<14:
		dst = append(dst, byte(v>>14&0x7F)|0x80)
		fallthrough
	case v >= 1<<7:
		dst = append(dst, byte(v>>7&0x7F)|0x80)
		fallthrough
	default:
		dst = append(dst, byte(v&0x7F))
	}
	return dst, nil
}

// DecodeVLQ decodes a variable-length quantity from the front of b,
// returning the value and the number of bytes consumed.
func DecodeVLQ(b []byte) (v uint32, n int, err error) {
	for n < 4 {
		if n >= len(b) {
			return 0, 0, ErrVLQTruncated
		}
		c := b[n]
		n++
		v = v<<7 | uint32(c&0x7F)
		if c&0x80 == 0 {
			return v, n, nil
		}
	}
	return 0, 0, ErrVLQOverlength
}
