package tarreader

import "testing"

func TestOctalRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 7, 8, 63, 4095, 1 << 20, (1 << 33) - 1} {
		got := decodeOctal(encodeOctal(n, 12))
		if got != n {
			t.Errorf("octal round trip: n=%d got=%d", n, got)
		}
	}
}

func TestBase256RoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 1 << 32, -(1 << 32), (1 << 62) - 1, -((1 << 62) - 1)} {
		got := decodeBase256(encodeBase256(n, 12))
		if got != n {
			t.Errorf("base-256 round trip: n=%d got=%d", n, got)
		}
	}
}

func TestDecodeNumericPicksEncoding(t *testing.T) {
	octal := []byte("0000123\x00")
	if _, enc := decodeNumeric(octal); enc != EncodingOctal {
		t.Errorf("expected octal encoding for %q", octal)
	}
	base256 := encodeBase256(1<<32, 12)
	if _, enc := decodeNumeric(base256); enc != EncodingBase256 {
		t.Errorf("expected base-256 encoding for %v", base256)
	}
}

func TestOctalFilterRejectsEight(t *testing.T) {
	// '8' is not a valid octal digit and must be dropped by the filter,
	// not treated as a digit.
	got := decodeOctal([]byte("18"))
	if got != 1 {
		t.Errorf("expected '8' to be filtered out, got %d", got)
	}
}

func TestBase256SizeField(t *testing.T) {
	// S3: GNU base-256 size field decodes to 2^32.
	f := []byte{0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	got := decodeBase256(f)
	want := int64(1) << 32
	if got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}
