package dataplane

import (
	"fmt"
	"io"
	"os"
)

// RemoteFile describes one file named on the wire protocol's
// remote_fn field: its content digest (once known), the URI/remote
// filename used to request it, and the local path it's spooled to
// once fetched. A dataxfer client constructs one per requested file
// and hands [RemoteFile.OpenSink] to [transfer.Client.GetFile] as the
// download target.
type RemoteFile struct {
	// Hash is the content digest. No code in this module fills it in
	// after a transfer; it stays the empty Digest unless the caller
	// sets it.
	Hash Digest
	// URI is the remote filename sent as GetFile's remote_fn.
	URI string

	localPath string
}

// SetLocal records the local spool path for this file.
func (f *RemoteFile) SetLocal(path string) error {
	f.localPath = path
	return nil
}

// Fetched reports whether the local spool path exists.
func (f *RemoteFile) Fetched() bool {
	_, err := os.Stat(f.localPath)
	return err == nil
}

// Reader opens the local spool file for reading.
func (f *RemoteFile) Reader() (io.ReadCloser, error) {
	if f.localPath == "" {
		return nil, &Error{Op: "RemoteFile.Reader", Kind: ErrInvalid, Message: "not fetched"}
	}
	r, err := os.Open(f.localPath)
	if err != nil {
		return nil, fmt.Errorf("dataplane: unable to open spooled file: %w", err)
	}
	return r, nil
}

// OpenSink creates (or truncates) the local spool file for writing,
// for use as the sink argument to a download.
func (f *RemoteFile) OpenSink() (*os.File, error) {
	if f.localPath == "" {
		return nil, &Error{Op: "RemoteFile.OpenSink", Kind: ErrInvalid, Message: "local path not set"}
	}
	w, err := os.OpenFile(f.localPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("dataplane: unable to create spool file: %w", err)
	}
	return w, nil
}
