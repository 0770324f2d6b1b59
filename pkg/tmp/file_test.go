package tmp

import (
	"os"
	"testing"
)

func TestNewFileUnlinksOnClose(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir, "spool-")
	if err != nil {
		t.Fatal(err)
	}
	name := f.Name()
	if _, err := os.Stat(name); err != nil {
		t.Fatalf("expected spool file to exist before close: %v", err)
	}

	if _, err := f.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Fatalf("expected spool file to be removed after close, stat err = %v", err)
	}
}

func TestNewFileTracksLiveFiles(t *testing.T) {
	dir := t.TempDir()
	a := arenaFor(dir)

	f, err := NewFile(dir, "spool-")
	if err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	_, tracked := a.m[f]
	a.mu.Unlock()
	if !tracked {
		t.Fatal("expected file to be tracked by its arena while open")
	}

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	a.mu.Lock()
	_, stillTracked := a.m[f]
	a.mu.Unlock()
	if stillTracked {
		t.Fatal("expected file to be forgotten by its arena after close")
	}
}
