package tarreader

// NumericEncoding tags which wire encoding a tar numeric field was
// decoded from, easing unit tests that need to assert on the
// encoding actually exercised.
type NumericEncoding int

const (
	EncodingOctal NumericEncoding = iota
	EncodingBase256
)

// decodeNumeric decodes a tar header numeric field, which is either a
// NUL/space-terminated octal ASCII string, or, if the high bit of the
// first byte is set, a big-endian signed base-256 integer (GNU
// extension) with bit 6 of the first byte as the sign and the low 6
// bits as the high data bits.
func decodeNumeric(f []byte) (int64, NumericEncoding) {
	if len(f) > 0 && f[0]&0x80 != 0 {
		return decodeBase256(f), EncodingBase256
	}
	return decodeOctal(f), EncodingOctal
}

// decodeOctal strips any byte that isn't an octal digit or '-', then
// parses the remainder as base 8.
//
// The octal-digit filter is restricted to '0'..'7' plus '-'; earlier
// revisions of this routine admitted '8', which isn't a valid octal
// digit.
func decodeOctal(f []byte) int64 {
	neg := false
	var v int64
	for _, c := range f {
		switch {
		case c == '-':
			neg = true
		case c >= '0' && c <= '7':
			v = v<<3 | int64(c-'0')
		default:
			// Not a digit: NUL, space, or terminator. Skip.
		}
	}
	if neg {
		v = -v
	}
	return v
}

// decodeBase256 decodes a GNU base-256 numeric field. The first byte
// has its high bit set to mark the encoding; bit 6 of that byte is
// the sign, and the remaining 6 bits plus all subsequent bytes form a
// big-endian magnitude (sign-magnitude, not two's complement).
//
// Every byte in the field contributes to the magnitude, including any
// embedded zero bytes short of the final one.
func decodeBase256(f []byte) int64 {
	neg := f[0]&0x40 != 0
	v := int64(f[0] & 0x3f)
	for _, b := range f[1:] {
		v = v<<8 | int64(b)
	}
	if neg {
		v = -v
	}
	return v
}

// encodeOctal renders n as a NUL-terminated octal ASCII field of the
// given width, for tests exercising the round trip described by P3.
func encodeOctal(n int64, width int) []byte {
	b := make([]byte, width)
	for i := range b {
		b[i] = '0'
	}
	b[width-1] = 0
	i := width - 2
	if n == 0 {
		b[i] = '0'
	}
	for n > 0 && i >= 0 {
		b[i] = byte('0' + n%8)
		n /= 8
		i--
	}
	return b
}

// encodeBase256 renders n as a base-256 field of the given width, for
// tests exercising the round trip described by P3.
func encodeBase256(n int64, width int) []byte {
	neg := n < 0
	mag := n
	if neg {
		mag = -n
	}
	um := uint64(mag)
	b := make([]byte, width)
	for i := width - 1; i >= 1; i-- {
		b[i] = byte(um)
		um >>= 8
	}
	b[0] = byte(um) & 0x3f
	b[0] |= 0x80
	if neg {
		b[0] |= 0x40
	}
	return b
}
