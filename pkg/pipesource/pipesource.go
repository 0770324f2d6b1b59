// Package pipesource adapts a child process's stdout into a
// random-access byte source with a disk-backed read-ahead window.
//
// A PipeSource is the bottom of the dependency chain described in the
// package's design: TarMembers treat it as co-owned shared state and
// TarReader drives it forward as it decodes headers.
package pipesource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quay/zlog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/coldtar/dataplane/pkg/tmp"
)

// ChildProcess is the opaque child-process handle a PipeSource is
// constructed around. It's the narrow interface named in the design
// for the underlying process (process spawning, signaling, and exit
// status are deliberately left to the caller so tests can supply a
// fake).
type ChildProcess interface {
	// Stdout returns the process's standard output stream. Called once.
	Stdout() io.Reader
	// Wait blocks until the process exits and reports its error, if any.
	Wait() error
	// ExitCode reports the process's exit status. The second return
	// value is false until the process has actually terminated.
	ExitCode() (code int, ok bool)
	// ForceExit asks the process to terminate immediately, for use when
	// no TarMember still needs the remaining stream.
	ForceExit() error
}

// Source is a random-access view over a child process's stdout,
// backed by a disk-spooled read-ahead window.
//
// A Source starts with a refcount of one, representing the caller
// that constructed it. Additional owners (TarMembers taking
// co-ownership of the tail of the stream) must call [Source.Retain].
type Source struct {
	mu sync.Mutex

	proc   ChildProcess
	stdout io.Reader
	spool  *tmp.File
	// filled is how many bytes from the child's stdout have been
	// written into spool so far; the window is always anchored at
	// absolute offset 0 in this implementation, matching the
	// simplification pkg/tarfs.diskBuf makes: the buffer has no
	// maximum size and is never trimmed or reused.
	filled int64

	hasError     atomic.Bool
	lastActivity atomic.Int64 // unix nanos

	refcount  atomic.Int32
	userCount atomic.Int32

	stderr bytes.Buffer

	fillSem *semaphore.Weighted
}

// New constructs a Source around a started ChildProcess.
//
// dir is the directory used for the spool file; an empty string uses
// the default temporary directory.
func New(ctx context.Context, proc ChildProcess, dir string) (*Source, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "pkg/pipesource.New")
	f, err := tmp.NewFile(dir, "pipesource-")
	if err != nil {
		return nil, fmt.Errorf("pipesource: unable to create spool file: %w", err)
	}
	s := &Source{
		proc:    proc,
		stdout:  proc.Stdout(),
		spool:   f,
		fillSem: semaphore.NewWeighted(1),
	}
	s.refcount.Store(1)
	s.lastActivity.Store(time.Now().UnixNano())
	zlog.Debug(ctx).Msg("pipe source constructed")
	return s, nil
}

// Retain increments the reference count. Called whenever a TarMember
// takes co-ownership of the remaining tail of the stream.
func (s *Source) Retain() { s.refcount.Add(1) }

// Release decrements the reference count, closing the underlying
// process and spool once it reaches zero.
func (s *Source) Release(ctx context.Context) error {
	if s.refcount.Add(-1) > 0 {
		return nil
	}
	zlog.Debug(ctx).Msg("pipe source refcount reached zero, closing")
	return s.spool.Close()
}

// AddUser increments the live-downstream-consumer count, distinct
// from the ownership refcount.
func (s *Source) AddUser() { s.userCount.Add(1) }

// RemoveUser decrements the live-downstream-consumer count. If it
// reaches zero and no TarMember is still delivering payload (signaled
// by the caller passing drained=true), the source may force the child
// to exit rather than draining the remainder of its output.
func (s *Source) RemoveUser(ctx context.Context, drained bool) error {
	if s.userCount.Add(-1) > 0 || !drained {
		return nil
	}
	return s.ForceExit(ctx)
}

// HasError reports whether the persistent error flag has been set.
// Once set, all subsequent reads return empty results.
func (s *Source) HasError() bool { return s.hasError.Load() }

// ExitCode reports the child's exit status. The second return value
// is false if the child hasn't terminated yet or a TarMember is still
// depending on the stream.
func (s *Source) ExitCode() (int, bool) {
	// The constructing caller holds one reference; any more belong to
	// TarMembers that took co-ownership via Retain.
	if s.refcount.Load() > 1 {
		return 0, false
	}
	return s.proc.ExitCode()
}

// ForceExit sets the error flag and asks the child to terminate
// immediately, abandoning any in-flight reads.
func (s *Source) ForceExit(ctx context.Context) error {
	s.hasError.Store(true)
	zlog.Warn(ctx).Msg("forcing pipe source child process to exit")
	return s.proc.ForceExit()
}

// fill reads from the child's stdout until the spool holds at least
// "want" bytes or the stream ends. The caller must hold s.mu.
func (s *Source) fill(ctx context.Context, want int64) error {
	if s.filled >= want || s.hasError.Load() {
		return nil
	}
	if err := s.fillSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.fillSem.Release(1)

	const chunkSize = 64 * 1024
	buf := make([]byte, chunkSize)
	for s.filled < want {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			if _, werr := s.spool.WriteAt(buf[:n], s.filled); werr != nil {
				s.hasError.Store(true)
				return fmt.Errorf("pipesource: spool write: %w", werr)
			}
			s.filled += int64(n)
			s.lastActivity.Store(time.Now().UnixNano())
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			s.hasError.Store(true)
			return fmt.Errorf("pipesource: reading child stdout: %w", err)
		}
	}
	return nil
}

// ReadAt reads length bytes at the given absolute offset. Requests
// earlier than the retained window's base fail; this implementation
// never discards the front of the window, so the base is always zero.
func (s *Source) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "ReadAt")
	defer span.End()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasError.Load() {
		return nil, nil
	}
	if offset < 0 {
		return nil, fmt.Errorf("pipesource: %w: negative offset", ErrWindow)
	}
	if err := s.fill(ctx, offset+length); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	avail := s.filled - offset
	if avail <= 0 {
		return nil, nil
	}
	if avail < length {
		length = avail
	}
	b := make([]byte, length)
	n, err := s.spool.ReadAt(b, offset)
	if err != nil && err != io.EOF {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("pipesource: spool read: %w", err)
	}
	bytesRead.Add(ctx, int64(n), metric.WithAttributes(attribute.Bool("sequential", false)))
	return b[:n], nil
}

// Read reads up to length bytes sequentially, advancing the
// sequential read position. Sequential offsets must be monotonically
// non-decreasing; this is enforced by construction, as Read always
// advances forward from the previous call.
func (s *Source) Read(ctx context.Context, pos *int64, length int64) ([]byte, error) {
	b, err := s.ReadAt(ctx, *pos, length)
	if err != nil {
		return nil, err
	}
	*pos += int64(len(b))
	return b, nil
}

// Stderr returns the accumulated standard-error buffer from the child
// process; see [Source.AppendStderr].
func (s *Source) Stderr() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr.Bytes()
}

// AppendStderr accumulates bytes read from the child's stderr stream.
// Callers are expected to pump the process's Stderr() pipe themselves
// and forward chunks here, since stdout is this type's only direct
// concern.
func (s *Source) AppendStderr(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stderr.Write(b)
}

// LastActivity reports the time of the most recent successful read
// from the child process.
func (s *Source) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// ErrWindow is returned when a read falls outside the retained window.
var ErrWindow = fmt.Errorf("pipesource: read outside retained window")
