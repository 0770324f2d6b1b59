package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"hash"
	"io"
	"time"

	dataplane "github.com/coldtar/dataplane"
)

// outOfSpaceRetryInterval is how long Feed sleeps before retrying a
// short write the OutOfSpace callback asked it to wait out, per spec
// §4.5/§7's "sleep 10 s and retry". A var, not a const, so tests can
// shorten it.
var outOfSpaceRetryInterval = 10 * time.Second

// streamState is the Body/HashTail state of the checkpointed download
// state machine from spec §4.5.
type streamState int

const (
	stateBody streamState = iota
	stateHashTail
)

const hashTailLen = md5.Size

// checkpointer implements the byte-block state machine of spec §4.5:
// version 0/1 treat the whole file as one checkpoint; version 2 trails
// every checkpoint, including the final one, with an MD5 of the bytes
// since the previous checkpoint.
type checkpointer struct {
	version  Version
	filesize int64

	received       int64
	lastCheckpoint int64
	nextCheckpoint int64

	state      streamState
	hash       hash.Hash
	tailBuf    [hashTailLen]byte
	tailFilled int

	// outOfSpace is consulted on a short sink write, per spec §4.5's
	// write-side backpressure: true means wait and retry, false means
	// abort the transfer.
	outOfSpace func(ctx context.Context) bool
}

// newCheckpointer initializes the state machine for a download of the
// given size, per spec §4.5's Initialize step.
func newCheckpointer(version Version, filesize int64, outOfSpace func(ctx context.Context) bool) *checkpointer {
	next := int64(CheckpointDist)
	if version == VersionPlain || version == VersionResume {
		next = filesize
	} else if next > filesize {
		next = filesize
	}
	return &checkpointer{
		version:        version,
		filesize:       filesize,
		nextCheckpoint: next,
		state:          stateBody,
		hash:           md5.New(),
		outOfSpace:     outOfSpace,
	}
}

// Received returns the number of payload bytes written to the sink so
// far.
func (c *checkpointer) Received() int64 { return c.received }

// LastCheckpoint returns the most recent checkpoint boundary the
// payload has reached, the point a reconnect under version 2 resumes
// at. The slide to a new boundary happens on entering HashTail, so
// while that boundary's MD5 trailer is still being read it has not
// been verified yet.
func (c *checkpointer) LastCheckpoint() int64 { return c.lastCheckpoint }

// ErrHashMismatch is returned by Feed when a checkpoint's trailing MD5
// doesn't match the payload received since the previous checkpoint.
var ErrHashMismatch = &dataplane.Error{Op: "transfer.checkpointer.Feed", Kind: dataplane.ErrIntegrity, Message: "checkpoint hash mismatch"}

// Feed advances the state machine with a block of bytes freshly read
// off the wire, writing Body-state bytes to sink and consuming
// HashTail-state bytes into the running MD5 comparison. It returns
// true once the download is complete (received == filesize with the
// state machine back in Body).
func (c *checkpointer) Feed(ctx context.Context, block []byte, sink io.Writer) (done bool, err error) {
	for len(block) > 0 {
		switch c.state {
		case stateBody:
			remain := c.nextCheckpoint - c.received
			n := int64(len(block))
			if n > remain {
				n = remain
			}
			if n > 0 {
				chunk := block[:n]
				if err := c.writeChunk(ctx, sink, chunk); err != nil {
					return false, err
				}
				c.hash.Write(chunk)
				c.received += n
				block = block[n:]
			}
			if c.received != c.nextCheckpoint {
				break
			}
			switch c.version {
			case VersionResumeHash:
				if c.nextCheckpoint != c.filesize {
					c.lastCheckpoint = c.nextCheckpoint
					c.nextCheckpoint = min64(c.nextCheckpoint+CheckpointDist, c.filesize)
				}
				c.state = stateHashTail
				c.tailFilled = 0
			default:
				if c.received == c.filesize {
					return true, nil
				}
			}
		case stateHashTail:
			need := hashTailLen - c.tailFilled
			n := len(block)
			if n > need {
				n = need
			}
			copy(c.tailBuf[c.tailFilled:], block[:n])
			c.tailFilled += n
			block = block[n:]
			if c.tailFilled != hashTailLen {
				break
			}
			if sum := c.hash.Sum(nil); !bytes.Equal(sum, c.tailBuf[:]) {
				return false, ErrHashMismatch
			}
			c.hash.Reset()
			c.state = stateBody
			if c.received == c.filesize {
				return true, nil
			}
		}
	}
	return c.state == stateBody && c.received == c.filesize, nil
}

// writeChunk writes chunk to sink, retrying a short write per spec
// §4.5's backpressure policy: a write that falls short consults
// outOfSpace; true waits [outOfSpaceRetryInterval] and retries the
// remainder, false aborts with the short-write error.
func (c *checkpointer) writeChunk(ctx context.Context, sink io.Writer, chunk []byte) error {
	for len(chunk) > 0 {
		n, err := sink.Write(chunk)
		if err == nil && n == len(chunk) {
			return nil
		}
		if err == nil {
			err = io.ErrShortWrite
		}
		if c.outOfSpace == nil || !c.outOfSpace(ctx) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(outOfSpaceRetryInterval):
		}
		chunk = chunk[n:]
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
