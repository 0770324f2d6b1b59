// Command dataxfer discovers a dataplaned server over UDP broadcast
// and downloads a named remote file to a local path, resuming across
// idle disconnects per the configured protocol version.
package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/crgimenes/goconfig"
	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	dataplane "github.com/coldtar/dataplane"
	"github.com/coldtar/dataplane/internal/transfer"
	"github.com/coldtar/dataplane/internal/transfer/discover"
	"github.com/coldtar/dataplane/internal/transfer/throttle"
)

// Config is parsed with goconfig, matching the teacher's flag/env
// convention.
type Config struct {
	ServerAddr        string             `cfgDefault:"" cfg:"SERVER_ADDR" cfgHelper:"host:port of the dataplaned server; empty triggers UDP discovery"`
	RemoteFile        string             `cfgDefault:"" cfg:"REMOTE_FILE" cfgHelper:"remote_fn to request"`
	OutputPath        string             `cfgDefault:"" cfg:"OUTPUT_PATH" cfgHelper:"local path to spool the downloaded file to"`
	Version           int                `cfgDefault:"2" cfg:"VERSION" cfgHelper:"0=plain, 1=resume, 2=resume+hash"`
	Identity          string             `cfgDefault:"dataxfer" cfg:"IDENTITY"`
	RecvBytesSec      int                `cfgDefault:"0" cfg:"RECV_BYTES_SEC" cfgHelper:"0 disables throttling"`
	SendBytesSec      int                `cfgDefault:"0" cfg:"SEND_BYTES_SEC"`
	DiscoveryTimeout  dataplane.Duration `cfgDefault:"30s" cfg:"DISCOVERY_TIMEOUT" cfgHelper:"how long UDP discovery waits for a PONG, capped by the discoverer's own 30s limit"`
	IdleTimeout       dataplane.Duration `cfgDefault:"30s" cfg:"IDLE_TIMEOUT" cfgHelper:"how long to wait for a byte before treating the connection as lost"`
	ReconnectDeadline dataplane.Duration `cfgDefault:"5m" cfg:"RECONNECT_DEADLINE" cfgHelper:"hard wall-clock bound on total reconnection time"`
	LogLevel          string             `cfgDefault:"info" cfg:"LOG_LEVEL"`
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

	if conf.RemoteFile == "" || conf.OutputPath == "" {
		log.Fatal().Msg("REMOTE_FILE and OUTPUT_PATH must be set")
	}

	serverAddr := conf.ServerAddr
	if serverAddr == "" {
		addr, err := discoverServer(ctx, conf.Version, time.Duration(conf.DiscoveryTimeout))
		if err != nil {
			log.Fatal().Msgf("discovery failed: %v", err)
		}
		serverAddr = addr
	}

	var th *throttle.Throttle
	if conf.RecvBytesSec > 0 || conf.SendBytesSec > 0 {
		th = throttle.New(conf.RecvBytesSec, conf.SendBytesSec)
	}

	spoolDir := filepath.Dir(conf.OutputPath)

	client := transfer.New(transfer.Config{
		ServerAddr:        serverAddr,
		Identity:          conf.Identity,
		Version:           transfer.Version(conf.Version),
		Throttle:          th,
		IdleTimeout:       time.Duration(conf.IdleTimeout),
		ReconnectDeadline: time.Duration(conf.ReconnectDeadline),
		OutOfSpace:        outOfSpaceCallback(spoolDir),
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	})
	if err := client.Connect(ctx); err != nil {
		log.Fatal().Msgf("failed to connect to %s: %v", serverAddr, err)
	}
	defer client.Close()

	rf := &dataplane.RemoteFile{URI: conf.RemoteFile}
	if err := rf.SetLocal(conf.OutputPath); err != nil {
		log.Fatal().Msgf("failed to set local path: %v", err)
	}
	sink, err := rf.OpenSink()
	if err != nil {
		log.Fatal().Msgf("failed to open sink: %v", err)
	}
	defer sink.Close()

	zlog.Info(ctx).Str("server", serverAddr).Str("file", conf.RemoteFile).Msg("starting download")
	code, err := client.GetFile(ctx, conf.RemoteFile, sink)
	if err != nil {
		log.Fatal().Msgf("transfer failed: %v", err)
	}
	switch code {
	case dataplane.Success:
		zlog.Info(ctx).Msg("download complete")
	case dataplane.FileDoesntExist:
		log.Fatal().Msg("server reports file doesn't exist")
	case dataplane.BaseDirLost:
		log.Fatal().Msg("server reports base directory lost")
	default:
		log.Fatal().Msgf("unexpected result: %v", code)
	}
}

// discoverServer broadcasts a PING and returns the first PONG
// matching the requested protocol version.
func discoverServer(ctx context.Context, version int, timeout time.Duration) (string, error) {
	d, err := discover.New(version, false)
	if err != nil {
		return "", err
	}
	defer d.Close()

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := d.Start(discoverCtx, nil); err != nil {
		return "", err
	}
	for {
		code, result := d.Poll(discoverCtx)
		if len(result.Servers) > 0 {
			srv := result.Servers[0]
			return net.JoinHostPort(srv.Addr.IP.String(), strconv.Itoa(defaultServerPort)), nil
		}
		if code == dataplane.Timeout || discoverCtx.Err() != nil {
			return "", &dataplane.Error{Op: "discoverServer", Kind: dataplane.ErrNotFound, Message: "no servers responded"}
		}
	}
}

const defaultServerPort = 35248
