package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quay/zlog"

	dataplane "github.com/coldtar/dataplane"
	"github.com/coldtar/dataplane/internal/transfer/throttle"
)

// Dialer creates the underlying connection to a server, used both for
// the initial connection and, absent a reconnect callback, for
// reconnection to the recorded server address.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Config configures a Client.
type Config struct {
	// ServerAddr is the recorded server address used for reconnection
	// absent a Reconnect callback.
	ServerAddr string
	// Identity is sent with every request as the server_identity
	// field.
	Identity string
	// Version selects the request/checkpoint variant; see [Version].
	Version Version

	Dial      Dialer
	Throttle  *throttle.Throttle
	Reconnect func(ctx context.Context) (net.Conn, error)

	// IdleTimeout bounds how long Client waits for a byte to arrive
	// before treating the connection as lost. Zero selects a default.
	IdleTimeout time.Duration
	// ReconnectDeadline is the hard wall-clock bound on total
	// reconnection time, per spec §4.6. Zero selects a default.
	ReconnectDeadline time.Duration

	// OutOfSpace is invoked when a sink write falls short. Returning
	// true means "wait and retry"; false aborts the transfer.
	OutOfSpace func(ctx context.Context) bool
}

// Client is a TransferClient: a blocking, single-threaded-per-session
// downloader of the UDP-discovered server's files, implementing the
// framed protocol of spec §4.5-4.6.
type Client struct {
	cfg  Config
	conn *throttle.Conn
}

// New constructs a Client. Dial must be set; Connect performs the
// initial dial.
func New(cfg Config) *Client {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = serverTimeout * time.Millisecond
	}
	if cfg.ReconnectDeadline == 0 {
		cfg.ReconnectDeadline = defaultReconnectDeadline * time.Second
	}
	return &Client{cfg: cfg}
}

// Connect dials the server and attaches the configured throttle.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.cfg.Dial(ctx, c.cfg.ServerAddr)
	if err != nil {
		return &dataplane.Error{Op: "transfer.Client.Connect", Kind: dataplane.ErrTransient, Inner: err}
	}
	c.conn = throttle.Attach(conn, c.cfg.Throttle)
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// GetFile downloads remote_fn to sink, per spec §4.5. It returns
// [dataplane.Success] on a clean completion, [dataplane.FileDoesntExist]
// or [dataplane.BaseDirLost] when the server declines the request, and
// a wrapped error for protocol or I/O failures after the reconnect
// budget is exhausted. A checkpoint hash mismatch returns
// [dataplane.Hash] and a failed sink write returns
// [dataplane.ErrorResult], each after one reconnect.
func (c *Client) GetFile(ctx context.Context, remoteFn string, sink io.WriteSeeker) (dataplane.ResultCode, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/transfer.Client.GetFile", "file", remoteFn)

	if err := c.sendGetFile(remoteFn, 0); err != nil {
		return dataplane.SocketError, err
	}

	code, filesize, err := c.readInitialResponse(ctx)
	if err != nil {
		return dataplane.SocketError, err
	}
	switch code {
	case dataplane.FileDoesntExist, dataplane.BaseDirLost:
		return code, nil
	}
	if filesize == 0 {
		return dataplane.Success, nil
	}

	cp := newCheckpointer(c.cfg.Version, filesize, c.cfg.OutOfSpace)
	tries := 0
	deadline := time.Now().Add(c.cfg.ReconnectDeadline)
	buf := make([]byte, 64*1024)

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		n, err := c.conn.Read(buf)
		if err != nil {
			if time.Now().After(deadline) || tries >= maxReconnectTries {
				return dataplane.ConnLost, &dataplane.Error{Op: "transfer.Client.GetFile", Kind: dataplane.ErrTransient, Inner: err}
			}
			tries++
			if err := c.reconnectAndResume(ctx, remoteFn, cp, sink); err != nil {
				return dataplane.ConnLost, err
			}
			continue
		}

		done, ferr := cp.Feed(ctx, buf[:n], sink)
		if ferr != nil {
			code := dataplane.Hash
			msg := "checkpoint hash mismatch, reconnecting"
			if !errors.Is(ferr, ErrHashMismatch) {
				code = dataplane.ErrorResult
				msg = "sink write failed, reconnecting"
				ferr = &dataplane.Error{Op: "transfer.Client.GetFile", Kind: dataplane.ErrTransient, Inner: ferr}
			}
			zlog.Warn(ctx).Err(ferr).Msg(msg)
			if err := c.reconnectAndResume(ctx, remoteFn, cp, sink); err != nil {
				return code, err
			}
			return code, ferr
		}
		if done {
			return dataplane.Success, nil
		}
	}
}

// reconnectAndResume implements spec §4.6: dial a replacement
// connection (via the Reconnect callback if set, else the recorded
// server address), reattach the throttle, and re-issue the request at
// the appropriate resume offset for the configured version.
func (c *Client) reconnectAndResume(ctx context.Context, remoteFn string, cp *checkpointer, sink io.WriteSeeker) error {
	zlog.Warn(ctx).Msg("connection lost, reconnecting")

	var conn net.Conn
	var err error
	if c.cfg.Reconnect != nil {
		conn, err = c.cfg.Reconnect(ctx)
	} else {
		conn, err = c.cfg.Dial(ctx, c.cfg.ServerAddr)
	}
	if err != nil {
		return &dataplane.Error{Op: "transfer.Client.reconnectAndResume", Kind: dataplane.ErrTransient, Inner: err}
	}

	th := c.conn.Detach()
	c.conn.Close()
	c.conn = throttle.Attach(conn, th)

	resumeAt := cp.Received()
	if c.cfg.Version == VersionResumeHash {
		resumeAt = cp.LastCheckpoint()
	}
	if _, err := sink.Seek(resumeAt, io.SeekStart); err != nil {
		return &dataplane.Error{Op: "transfer.Client.reconnectAndResume", Kind: dataplane.ErrResource, Inner: err}
	}

	if err := c.sendGetFile(remoteFn, resumeAt); err != nil {
		return &dataplane.Error{Op: "transfer.Client.reconnectAndResume", Kind: dataplane.ErrTransient, Inner: err}
	}
	code, _, err := c.readInitialResponse(ctx)
	if err != nil {
		return err
	}
	if code != dataplane.Connected {
		return &dataplane.Error{Op: "transfer.Client.reconnectAndResume", Kind: dataplane.ErrProtocol, Message: "server declined resumed request: " + code.String()}
	}

	*cp = *newCheckpointer(c.cfg.Version, cp.filesize, cp.outOfSpace)
	cp.received = resumeAt
	cp.lastCheckpoint = resumeAt
	if cp.version == VersionResumeHash {
		cp.nextCheckpoint = min64(resumeAt+CheckpointDist, cp.filesize)
	}
	return nil
}

// sendGetFile writes the request frame selected by the client's
// configured version.
func (c *Client) sendGetFile(remoteFn string, offset int64) error {
	var tag byte
	switch c.cfg.Version {
	case VersionPlain:
		tag = TagGetFile
	case VersionResume:
		tag = TagGetFileResume
	case VersionResumeHash:
		tag = TagGetFileResumeHash
	}

	var frame []byte
	frame = append(frame, tag)
	frame = appendLenString(frame, remoteFn)
	frame = appendLenString(frame, c.cfg.Identity)
	if c.cfg.Version != VersionPlain {
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], uint64(offset))
		frame = append(frame, off[:]...)
	}
	_, err := c.conn.Write(frame)
	return err
}

// readInitialResponse reads the server's COULDNT_OPEN/BASE_DIR_LOST/
// FILESIZE response byte, per spec §4.5.
func (c *Client) readInitialResponse(ctx context.Context) (dataplane.ResultCode, int64, error) {
	var tag [1]byte
	if _, err := io.ReadFull(c.conn, tag[:]); err != nil {
		return dataplane.SocketError, 0, &dataplane.Error{Op: "transfer.Client.readInitialResponse", Kind: dataplane.ErrTransient, Inner: err}
	}
	switch tag[0] {
	case TagCouldntOpen:
		return dataplane.FileDoesntExist, 0, nil
	case TagBaseDirLost:
		return dataplane.BaseDirLost, 0, nil
	case TagFilesize:
		var sz [8]byte
		if _, err := io.ReadFull(c.conn, sz[:]); err != nil {
			return dataplane.SocketError, 0, &dataplane.Error{Op: "transfer.Client.readInitialResponse", Kind: dataplane.ErrProtocol, Inner: err}
		}
		return dataplane.Connected, int64(binary.LittleEndian.Uint64(sz[:])), nil
	default:
		return dataplane.SocketError, 0, &dataplane.Error{Op: "transfer.Client.readInitialResponse", Kind: dataplane.ErrProtocol, Message: fmt.Sprintf("unexpected response tag %d", tag[0])}
	}
}

// GameEntry is one item returned by GameList: a name and its full
// content, per original_source's count-prefixed name/content pairing
// (not a bare newline-delimited listing).
type GameEntry struct {
	Name    string
	Content []byte
}

// GameList requests the server's top-level item listing. Unlike
// GetFile, the response is a single framed exchange with no
// checkpointing: a count, then that many (name, content) pairs.
func (c *Client) GameList(ctx context.Context) ([]GameEntry, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/transfer.Client.GameList")

	var frame []byte
	frame = append(frame, TagGetGamelist)
	frame = appendLenString(frame, c.cfg.Identity)
	if _, err := c.conn.Write(frame); err != nil {
		return nil, &dataplane.Error{Op: "transfer.Client.GameList", Kind: dataplane.ErrTransient, Inner: err}
	}

	var tag [1]byte
	if _, err := io.ReadFull(c.conn, tag[:]); err != nil {
		return nil, &dataplane.Error{Op: "transfer.Client.GameList", Kind: dataplane.ErrTransient, Inner: err}
	}
	if tag[0] != TagGamelist {
		return nil, &dataplane.Error{Op: "transfer.Client.GameList", Kind: dataplane.ErrProtocol, Message: "unexpected response tag"}
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(c.conn, countBuf[:]); err != nil {
		return nil, &dataplane.Error{Op: "transfer.Client.GameList", Kind: dataplane.ErrProtocol, Inner: err}
	}
	count := binary.LittleEndian.Uint32(countBuf[:])
	if count == 0 {
		return nil, nil
	}

	out := make([]GameEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readLenString(c.conn)
		if err != nil {
			return nil, &dataplane.Error{Op: "transfer.Client.GameList", Kind: dataplane.ErrProtocol, Inner: err}
		}
		content, err := readLenBytes(c.conn)
		if err != nil {
			return nil, &dataplane.Error{Op: "transfer.Client.GameList", Kind: dataplane.ErrProtocol, Inner: err}
		}
		out = append(out, GameEntry{Name: name, Content: content})
		zlog.Debug(ctx).Str("game", name).Int("size", len(content)).Msg("gamelist entry received")
	}
	return out, nil
}

func appendLenString(b []byte, s string) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	b = append(b, l[:]...)
	return append(b, s...)
}

func readLenString(r io.Reader) (string, error) {
	b, err := readLenBytes(r)
	return string(b), err
}

func readLenBytes(r io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(l[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
