package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"testing"
)

// buildV2Stream constructs the wire bytes a version-2 download would
// send for payload: each CheckpointDist-sized (or final, shorter)
// chunk followed by the MD5 of that chunk.
func buildV2Stream(t *testing.T, payload []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	off := 0
	for off < len(payload) {
		end := off + CheckpointDist
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		out.Write(chunk)
		sum := md5.Sum(chunk)
		out.Write(sum[:])
		off = end
	}
	return out.Bytes()
}

func TestCheckpointerPlainSingleCheckpoint(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 100)
	c := newCheckpointer(VersionPlain, int64(len(payload)), nil)
	var sink bytes.Buffer
	done, err := c.Feed(context.Background(), payload, &sink)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected done after whole payload fed")
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatal("sink mismatch")
	}
}

func TestCheckpointerZeroByteFile(t *testing.T) {
	c := newCheckpointer(VersionPlain, 0, nil)
	var sink bytes.Buffer
	done, err := c.Feed(context.Background(), nil, &sink)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected immediate completion for zero-byte file")
	}
}

func TestCheckpointerHashTailVerifies(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, CheckpointDist+37)
	wire := buildV2Stream(t, payload)

	c := newCheckpointer(VersionResumeHash, int64(len(payload)), nil)
	var sink bytes.Buffer
	done, err := c.Feed(context.Background(), wire, &sink)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected done")
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatal("sink does not match original payload")
	}
}

func TestCheckpointerHashTailByteAtATime(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5, 0x9}, (CheckpointDist+100)/2)
	wire := buildV2Stream(t, payload)

	c := newCheckpointer(VersionResumeHash, int64(len(payload)), nil)
	var sink bytes.Buffer
	var done bool
	var err error
	for i := 0; i < len(wire) && !done; i++ {
		done, err = c.Feed(context.Background(), wire[i:i+1], &sink)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !done {
		t.Fatal("expected done after feeding byte at a time")
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatal("sink mismatch under byte-at-a-time delivery")
	}
}

func TestCheckpointerHashMismatch(t *testing.T) {
	payload := bytes.Repeat([]byte{0x1}, 10)
	wire := buildV2Stream(t, payload)
	wire[len(wire)-1] ^= 0xFF // corrupt the trailing MD5

	c := newCheckpointer(VersionResumeHash, int64(len(payload)), nil)
	var sink bytes.Buffer
	_, err := c.Feed(context.Background(), wire, &sink)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

// shortWriteSink accepts at most max bytes per Write call, simulating
// the disk-full short write spec §4.5/§7 describes.
type shortWriteSink struct {
	bytes.Buffer
	max int
}

func (s *shortWriteSink) Write(p []byte) (int, error) {
	if s.max > 0 && len(p) > s.max {
		p = p[:s.max]
	}
	return s.Buffer.Write(p)
}

func TestCheckpointerOutOfSpaceRetries(t *testing.T) {
	payload := bytes.Repeat([]byte{'z'}, 50)
	sink := &shortWriteSink{max: 10}

	calls := 0
	c := newCheckpointer(VersionPlain, int64(len(payload)), func(ctx context.Context) bool {
		calls++
		return true
	})
	// Avoid the real retry sleep so the test runs fast.
	oldInterval := outOfSpaceRetryInterval
	outOfSpaceRetryInterval = 0
	defer func() { outOfSpaceRetryInterval = oldInterval }()

	done, err := c.Feed(context.Background(), payload, sink)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected completion despite short writes")
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatal("sink mismatch after out-of-space retries")
	}
	if calls == 0 {
		t.Fatal("expected outOfSpace callback to be consulted")
	}
}

func TestCheckpointerOutOfSpaceAborts(t *testing.T) {
	payload := bytes.Repeat([]byte{'z'}, 50)
	sink := &shortWriteSink{max: 10}

	c := newCheckpointer(VersionPlain, int64(len(payload)), func(ctx context.Context) bool {
		return false
	})
	_, err := c.Feed(context.Background(), payload, sink)
	if err == nil {
		t.Fatal("expected an error when outOfSpace declines to wait")
	}
}

func TestS4MultiCheckpointTransfer(t *testing.T) {
	const size = 3 * CheckpointDist // 1.5 MiB: checkpoints at 512, 1024, and 1536 KiB
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	wire := buildV2Stream(t, payload)

	c := newCheckpointer(VersionResumeHash, int64(len(payload)), nil)
	var sink bytes.Buffer
	var checkpoints int
	last := c.LastCheckpoint()
	done := false
	var err error
	// Feed in modest chunks to exercise multiple calls crossing
	// checkpoint boundaries.
	const step = 4096
	for off := 0; off < len(wire) && !done; off += step {
		end := off + step
		if end > len(wire) {
			end = len(wire)
		}
		done, err = c.Feed(context.Background(), wire[off:end], &sink)
		if err != nil {
			t.Fatal(err)
		}
		if c.LastCheckpoint() != last {
			checkpoints++
			last = c.LastCheckpoint()
		}
	}
	if !done {
		t.Fatal("expected completion")
	}
	if checkpoints < 2 {
		t.Fatalf("expected at least 2 checkpoint slides, got %d", checkpoints)
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatal("sink mismatch")
	}
}
