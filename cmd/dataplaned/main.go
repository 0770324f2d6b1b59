// Command dataplaned walks a child process's tar stream, registers
// each regular file under a session key, and serves GetFile/GameList
// requests off the wire protocol implemented by internal/transfer.
package main

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/crgimenes/goconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	dataplane "github.com/coldtar/dataplane"
	"github.com/coldtar/dataplane/internal/session"
	"github.com/coldtar/dataplane/internal/transfer"
	"github.com/coldtar/dataplane/pkg/metasynth"
	"github.com/coldtar/dataplane/pkg/pipesource"
	"github.com/coldtar/dataplane/pkg/tarreader"
)

// Config is parsed with goconfig, matching the teacher's flag/env
// convention.
type Config struct {
	ListenAddr   string `cfgDefault:"0.0.0.0:35248" cfg:"LISTEN_ADDR"`
	MetricsAddr  string `cfgDefault:"0.0.0.0:9090" cfg:"METRICS_ADDR"`
	BackupCmd    string `cfgDefault:"" cfg:"BACKUP_CMD" cfgHelper:"Shell command producing a tar stream on stdout"`
	OutputFn     string `cfgDefault:"backup" cfg:"OUTPUT_FN" cfgHelper:"output_fn component of the session key"`
	BackupNum    int    `cfgDefault:"1" cfg:"BACKUP_NUM"`
	SpoolDir     string `cfgDefault:"" cfg:"SPOOL_DIR" cfgHelper:"Directory for the PipeSource read-ahead spool"`
	LogLevel     string `cfgDefault:"info" cfg:"LOG_LEVEL"`
}

// execChild adapts *exec.Cmd to pipesource.ChildProcess.
type execChild struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (c *execChild) Stdout() io.Reader { return c.stdout }
func (c *execChild) Wait() error       { return c.cmd.Wait() }
func (c *execChild) ExitCode() (int, bool) {
	if c.cmd.ProcessState == nil {
		return 0, false
	}
	return c.cmd.ProcessState.ExitCode(), true
}
func (c *execChild) ForceExit() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

func main() {
	ctx := context.Background()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}).
		With().Timestamp().Caller().Logger()

	conf := Config{}
	if err := goconfig.Parse(&conf); err != nil {
		log.Fatal().Msgf("failed to parse config: %v", err)
	}
	if l, err := zerolog.ParseLevel(strings.ToLower(conf.LogLevel)); err == nil {
		log = log.Level(l)
	}
	zlog.Set(&log)

	if conf.BackupCmd == "" {
		log.Fatal().Msg("BACKUP_CMD must be set")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", conf.BackupCmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Fatal().Msgf("failed to open child stdout: %v", err)
	}
	if err := cmd.Start(); err != nil {
		log.Fatal().Msgf("failed to start backup command: %v", err)
	}

	src, err := pipesource.New(ctx, &execChild{cmd: cmd, stdout: stdout}, conf.SpoolDir)
	if err != nil {
		log.Fatal().Msgf("failed to construct pipe source: %v", err)
	}

	injector := session.NewInjector()
	go walkArchive(ctx, src, injector, conf)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		zlog.Info(ctx).Str("addr", conf.MetricsAddr).Msg("starting metrics server")
		if err := http.ListenAndServe(conf.MetricsAddr, mux); err != nil {
			zlog.Error(ctx).Err(err).Msg("metrics server exited")
		}
	}()

	ln, err := net.Listen("tcp", conf.ListenAddr)
	if err != nil {
		log.Fatal().Msgf("failed to listen: %v", err)
	}
	zlog.Info(ctx).Str("addr", conf.ListenAddr).Msg("dataplaned listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			zlog.Warn(ctx).Err(err).Msg("accept failed")
			continue
		}
		go serveConn(ctx, conn, injector)
	}
}

// walkArchive drains the tar stream, registering every regular file
// member under its session key.
func walkArchive(ctx context.Context, src *pipesource.Source, injector *session.Injector, conf Config) {
	r := tarreader.New(src, 0)
	for {
		m, err := r.Next(ctx)
		if err != nil {
			if err != io.EOF {
				zlog.Error(ctx).Err(err).Msg("archive walk stopped")
			}
			return
		}
		if m == nil {
			return
		}
		var member *tarreader.Member
		if m.Kind() == tarreader.KindRegular {
			member = m.Fork()
		}

		kind := metasynth.KindFile
		switch m.Kind() {
		case tarreader.KindDirectory:
			kind = metasynth.KindDirectory
		case tarreader.KindSymlink:
			kind = metasynth.KindSymlinkedDirectory
		}
		blob := metasynth.Build(metasynth.Stat{
			Name:          m.Name(),
			Kind:          kind,
			Mode:          m.Mode(),
			UID:           m.UID(),
			GID:           m.GID(),
			Mtime:         m.Mtime(),
			SymlinkTarget: m.SymlinkTarget(),
		}, nil)

		key := session.Key(conf.OutputFn, m.Name(), conf.BackupNum, time.Now().UnixNano())
		injector.Inject(ctx, key, conf.BackupNum, member, blob)
	}
}

// serveConn handles one client connection: a single GetFile or
// GameList request per the wire protocol's request/response framing.
func serveConn(ctx context.Context, conn net.Conn, injector *session.Injector) {
	defer conn.Close()
	ctx = zlog.ContextWithValues(ctx, "component", "cmd/dataplaned.serveConn", "remote", conn.RemoteAddr().String())

	var tag [1]byte
	if _, err := io.ReadFull(conn, tag[:]); err != nil {
		return
	}

	switch tag[0] {
	case transfer.TagGetFile, transfer.TagGetFileResume, transfer.TagGetFileResumeHash:
		serveGetFile(ctx, conn, tag[0], injector)
	case transfer.TagGetGamelist:
		serveGameList(ctx, conn, injector)
	default:
		zlog.Warn(ctx).Uint8("tag", tag[0]).Msg("unknown request tag")
	}
}

func serveGetFile(ctx context.Context, conn net.Conn, tag byte, injector *session.Injector) {
	remoteFn, err := readLenString(conn)
	if err != nil {
		return
	}
	_, err = readLenString(conn) // identity, unused server-side beyond logging
	if err != nil {
		return
	}

	var offset int64
	if tag != transfer.TagGetFile {
		var off [8]byte
		if _, err := io.ReadFull(conn, off[:]); err != nil {
			return
		}
		offset = int64(binary.LittleEndian.Uint64(off[:]))
	}

	entry, ok := injector.Lookup(remoteFn)
	if !ok || entry.Member == nil {
		conn.Write([]byte{transfer.TagCouldntOpen})
		return
	}

	size := entry.Member.Size()
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], uint64(size))
	conn.Write([]byte{transfer.TagFilesize})
	conn.Write(sz[:])
	if size == 0 {
		return
	}

	v2 := tag == transfer.TagGetFileResumeHash
	streamMember(ctx, conn, entry.Member, offset, size, v2)
}

// streamMember writes the member's payload from offset to size,
// trailing an MD5 of each CheckpointDist-sized span with its checksum
// when v2 is set, mirroring the client's checkpoint state machine.
func streamMember(ctx context.Context, conn net.Conn, m *tarreader.Member, offset, size int64, v2 bool) {
	pos := offset
	for pos < size {
		end := pos + transfer.CheckpointDist
		if end > size {
			end = size
		}
		h := md5.New()
		for pos < end {
			chunkLen := end - pos
			if chunkLen > 64*1024 {
				chunkLen = 64 * 1024
			}
			b, err := m.ReadAt(ctx, pos, chunkLen)
			if err != nil {
				zlog.Warn(ctx).Err(err).Msg("stream read failed")
				return
			}
			if _, err := conn.Write(b); err != nil {
				return
			}
			h.Write(b)
			pos += int64(len(b))
		}
		if v2 {
			sum := h.Sum(nil)
			if _, err := conn.Write(sum); err != nil {
				return
			}
		}
	}
}

func serveGameList(ctx context.Context, conn net.Conn, injector *session.Injector) {
	if _, err := readLenString(conn); err != nil { // identity
		return
	}
	_ = injector // a real GameList would enumerate a top-level listing; dataplaned has none to offer.
	conn.Write([]byte{transfer.TagGamelist})
	var count [4]byte
	conn.Write(count[:])
}

func readLenString(r io.Reader) (string, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(l[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
