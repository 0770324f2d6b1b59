package metasynth

import "bytes"

// writeVarint appends v using a self-describing continuation
// encoding: seven bits of payload per byte, low-to-high, with the
// high bit of each byte set except the last.
func writeVarint(b *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		b.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	b.WriteByte(byte(v))
}

// readVarint decodes a varint written by writeVarint, returning the
// value and the number of bytes consumed.
func readVarint(b []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, c := range b {
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return v, len(b)
}
