package session

import (
	"context"
	"testing"
)

func TestNormalizeName(t *testing.T) {
	tt := []struct{ in, want string }{
		{"foo/", "foo"},
		{".", ""},
		{"./foo", "foo"},
		{"foo", "foo"},
		{"", ""},
		{"./", ""},
	}
	for _, tc := range tt {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestKey(t *testing.T) {
	tt := []struct {
		outputFn, fn string
		backupNum    int
		fnRandom     int64
		want         string
	}{
		{"out", "foo/bar.txt", 3, 42, "out/foo/bar.txt|3|42"},
		{"out", "", 3, 42, "out|3|42"},
		{"out", "./sub/", 1, 7, "out/sub|1|7"},
		{"out", ".", 1, 7, "out|1|7"},
	}
	for _, tc := range tt {
		if got := Key(tc.outputFn, tc.fn, tc.backupNum, tc.fnRandom); got != tc.want {
			t.Errorf("Key(%q,%q,%d,%d) = %q, want %q", tc.outputFn, tc.fn, tc.backupNum, tc.fnRandom, got, tc.want)
		}
	}
}

func TestInjectorLifecycle(t *testing.T) {
	ctx := context.Background()
	in := NewInjector()
	key := Key("out", "a.txt", 1, 99)

	in.Inject(ctx, key, 1, nil, []byte("meta"))
	if in.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", in.Len())
	}

	e, ok := in.Lookup(key)
	if !ok {
		t.Fatal("expected to find entry")
	}
	if string(e.Metadata) != "meta" {
		t.Errorf("got metadata %q", e.Metadata)
	}

	in.Remove(key)
	if in.Len() != 0 {
		t.Fatalf("expected 0 entries after remove, got %d", in.Len())
	}
}
