// Package tarreader implements a streaming tar demultiplexer: it
// parses tar headers on demand from a [pipesource.Source] and exposes
// each archive member as an individually seekable, SHA-checksummed
// handle.
package tarreader

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/coldtar/dataplane/pkg/pipesource"
)

// Kind classifies a TarMember's archive entry.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// Reader parses tar headers on demand from a shared [pipesource.Source].
//
// A Reader is not safe for concurrent use; the TarMembers it produces
// are, since each guards its own state with its own mutex and only
// touches the shared PipeSource under the PipeSource's own lock.
type Reader struct {
	src    *pipesource.Source
	offset int64 // payload_offset of the header about to be read
	size   int64 // size of the previous member's payload, for padding math
	done   bool
}

// New constructs a Reader starting at the given absolute offset
// within src.
func New(src *pipesource.Source, startOffset int64) *Reader {
	return &Reader{src: src, offset: startOffset}
}

// roundUp512 rounds n up to the next multiple of 512.
func roundUp512(n int64) int64 {
	if r := n % blockSize; r != 0 {
		return n + (blockSize - r)
	}
	return n
}

// Next decodes the next archive header and returns a TarMember for
// it. It returns (nil, nil) at a well-formed end of archive (two
// consecutive zero blocks), and a non-nil error on truncation or
// checksum failure.
func (r *Reader) Next(ctx context.Context) (*Member, error) {
	if r.done {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "Next")
	defer span.End()

	r.offset += roundUp512(r.size)
	block, err := r.src.ReadAt(ctx, r.offset, blockSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("tarreader: reading header block: %w", err)
	}
	if len(block) != blockSize {
		r.done = true
		err := fmt.Errorf("tarreader: truncated header at offset %d: got %d bytes", r.offset, len(block))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if isZeroBlock(block) {
		r.offset += blockSize
		block, err = r.src.ReadAt(ctx, r.offset, blockSize)
		if err != nil {
			return nil, fmt.Errorf("tarreader: reading second zero-check block: %w", err)
		}
		if len(block) != blockSize {
			r.done = true
			err := fmt.Errorf("tarreader: truncated archive after single zero block at offset %d", r.offset)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if isZeroBlock(block) {
			r.done = true
			return nil, nil
		}
		// A single zero block followed by a non-zero block is a
		// malformed archive.
		r.done = true
		err := fmt.Errorf("tarreader: malformed archive: single zero block at offset %d", r.offset-blockSize)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if !checkHeaderChecksum(block) {
		r.done = true
		checksumFailures.Add(ctx, 1)
		err := fmt.Errorf("tarreader: %w: header checksum mismatch at offset %d", ErrChecksum, r.offset)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	h := decodeHeader(block)
	r.offset += blockSize
	r.size = h.Size
	headersDecoded.Add(ctx, 1)

	m := newMember(r.src, h, r.offset)
	span.SetAttributes(
		attribute.String("filename", h.Name),
		attribute.Int64("size", h.Size),
	)
	return m, nil
}

// ErrChecksum is wrapped into the error returned by [Reader.Next] when
// a header's checksum doesn't match either the signed or unsigned
// summation.
var ErrChecksum = fmt.Errorf("tar header checksum mismatch")

// Member is one decoded archive entry: an individually seekable,
// SHA-checksummed view over a span of a shared [pipesource.Source].
type Member struct {
	mu sync.Mutex

	src *pipesource.Source

	name           string
	payloadOffset  int64
	size           int64
	pos            int64
	kind           Kind
	symlinkTarget  string
	mode, uid, gid int64
	mtime          int64
	available      bool

	digest hash.Hash
}

func newMember(src *pipesource.Source, h header, payloadOffset int64) *Member {
	kind := KindRegular
	switch {
	case h.IsSymlink:
		kind = KindSymlink
	case h.IsDir:
		kind = KindDirectory
	case h.IsSpecial:
		kind = KindSpecial
	}
	return &Member{
		src:           src,
		name:          h.Name,
		payloadOffset: payloadOffset,
		size:          h.Size,
		kind:          kind,
		symlinkTarget: h.Linkname,
		mode:          h.Mode,
		uid:           h.UID,
		gid:           h.GID,
		mtime:         h.Mtime,
		available:     true,
		digest:        sha256.New(),
	}
}

// Name is the member's logical path, including any ustar prefix.
func (m *Member) Name() string { m.mu.Lock(); defer m.mu.Unlock(); return m.name }

// Kind classifies the entry.
func (m *Member) Kind() Kind { m.mu.Lock(); defer m.mu.Unlock(); return m.kind }

// SymlinkTarget is set only for [KindSymlink] members.
func (m *Member) SymlinkTarget() string { m.mu.Lock(); defer m.mu.Unlock(); return m.symlinkTarget }

// Mode, UID, GID, and Mtime report the header's stat fields.
func (m *Member) Mode() int64  { m.mu.Lock(); defer m.mu.Unlock(); return m.mode }
func (m *Member) UID() int64   { m.mu.Lock(); defer m.mu.Unlock(); return m.uid }
func (m *Member) GID() int64   { m.mu.Lock(); defer m.mu.Unlock(); return m.gid }
func (m *Member) Mtime() int64 { m.mu.Lock(); defer m.mu.Unlock(); return m.mtime }

// Size is the payload length in bytes.
func (m *Member) Size() int64 { m.mu.Lock(); defer m.mu.Unlock(); return m.size }

// Digest returns the SHA-256 digest of bytes served so far. It's a
// running value: call it again after further reads for an updated
// sum, or after a full read for the final checksum.
func (m *Member) Digest() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digest.Sum(nil)
}

// Fork returns a new Member sharing the same PipeSource and payload
// span but with its own position, mutex, and running digest. This is
// how co-ownership of the underlying PipeSource is taken when a
// member is injected into a session: the PipeSource's refcount is
// incremented once per fork.
func (m *Member) Fork() *Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.src.Retain()
	return &Member{
		src:           m.src,
		name:          m.name,
		payloadOffset: m.payloadOffset,
		size:          m.size,
		kind:          m.kind,
		symlinkTarget: m.symlinkTarget,
		mode:          m.mode,
		uid:           m.uid,
		gid:           m.gid,
		mtime:         m.mtime,
		available:     m.available,
		digest:        sha256.New(),
	}
}

// Release drops this member's reference to the shared PipeSource.
func (m *Member) Release(ctx context.Context) error {
	return m.src.Release(ctx)
}

// Seek validates 0 <= pos <= size, then sets the member's sequential
// read position to pos. The shared PipeSource is not touched; the next
// [Member.Read] reads it at payload_offset + pos.
func (m *Member) Seek(pos int64) error {
	m.mu.Lock()
	if pos < 0 || pos > m.size {
		m.mu.Unlock()
		return fmt.Errorf("tarreader: %w: seek to %d, size %d", ErrBounds, pos, m.size)
	}
	m.pos = pos
	m.mu.Unlock()
	return nil
}

// ErrBounds is returned by Seek when the target position falls
// outside [0, size].
var ErrBounds = fmt.Errorf("seek position out of bounds")

// ReadAt reads up to n bytes at the given member-relative position,
// clamped to the remaining payload, and updates the running digest
// with every byte returned.
//
// Per the lock-order discipline described in the design, the member's
// mutex is held only to snapshot inputs and to commit the digest
// update; the PipeSource I/O itself happens with the mutex released.
func (m *Member) ReadAt(ctx context.Context, pos int64, n int64) ([]byte, error) {
	m.mu.Lock()
	if !m.available {
		m.mu.Unlock()
		return nil, fmt.Errorf("tarreader: %w: member not available", ErrUnavailable)
	}
	remaining := m.size - pos
	if remaining < 0 {
		remaining = 0
	}
	// Clamp to the remaining payload: read() must never cross past
	// size, even if the caller asked for more.
	if n > remaining {
		n = remaining
	}
	absOffset := m.payloadOffset + pos
	m.mu.Unlock()

	if n == 0 {
		return nil, nil
	}
	b, err := m.src.ReadAt(ctx, absOffset, n)
	if err != nil {
		return nil, fmt.Errorf("tarreader: %w", err)
	}

	m.mu.Lock()
	m.digest.Write(b)
	m.mu.Unlock()
	return b, nil
}

// ErrUnavailable is returned by reads against a member whose
// available flag has been cleared.
var ErrUnavailable = fmt.Errorf("tar member unavailable")

// Read reads up to n bytes sequentially, forwarding to ReadAt at the
// member's current position and advancing it.
func (m *Member) Read(ctx context.Context, n int64) ([]byte, error) {
	m.mu.Lock()
	pos := m.pos
	m.mu.Unlock()

	b, err := m.ReadAt(ctx, pos, n)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.pos += int64(len(b))
	m.mu.Unlock()
	return b, nil
}
