// Package tmp provides spool files: anonymous temporary files that are
// unlinked the moment [File.Close] runs, with open descriptors tracked
// for leak detection via [runtime/pprof].
//
// Adapted from the teacher's toolkit/spool package (Arena/File),
// scoped down to the single per-directory arena pipesource needs
// rather than the arena-per-directory-tree toolkit/spool draws out
// with NewDir/Sub.
package tmp

import (
	"fmt"
	"os"
	"runtime/pprof"
	"sync"
)

const pprofPrefix = "github.com/coldtar/dataplane/pkg/tmp."

// fProfile tracks live spool file descriptors, the same leak-detection
// idiom as toolkit/spool's fProfile: inspect with `go tool pprof -top`
// against this profile's name to find spool files nothing has closed.
var fProfile = pprof.NewProfile(pprofPrefix + "File")

// arena owns every spool file opened under one directory so they can
// all be accounted for together, mirroring toolkit/spool's Arena
// without its Dir/Sub machinery, which this package has no use for.
type arena struct {
	mu sync.Mutex
	m  map[*File]struct{}
}

var arenas struct {
	mu    sync.Mutex
	byDir map[string]*arena
}

func arenaFor(dir string) *arena {
	arenas.mu.Lock()
	defer arenas.mu.Unlock()
	if arenas.byDir == nil {
		arenas.byDir = make(map[string]*arena)
	}
	a, ok := arenas.byDir[dir]
	if !ok {
		a = &arena{m: make(map[*File]struct{})}
		arenas.byDir[dir] = a
	}
	return a
}

// File wraps an *os.File allocated by [NewFile]. Closing it removes the
// backing file from the filesystem.
type File struct {
	*os.File
	arena *arena
}

// NewFile creates a spool file with the given pattern (same rules as
// [os.CreateTemp]) inside dir, or the default temporary directory if
// dir is empty.
func NewFile(dir, pattern string) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("tmp: unable to create spool file: %w", err)
	}
	a := arenaFor(dir)
	spool := &File{File: f, arena: a}
	a.mu.Lock()
	a.m[spool] = struct{}{}
	a.mu.Unlock()
	fProfile.Add(spool, 2)
	return spool, nil
}

// Close closes the file handle and removes the file from the
// filesystem.
func (f *File) Close() error {
	f.arena.mu.Lock()
	delete(f.arena.m, f)
	f.arena.mu.Unlock()
	fProfile.Remove(f)
	if err := f.File.Close(); err != nil {
		return err
	}
	return os.Remove(f.File.Name())
}
