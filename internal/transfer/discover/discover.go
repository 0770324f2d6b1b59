// Package discover implements the UDP PING/PONG server-discovery
// protocol of spec §4.5: broadcast a PING from every bound socket, to
// every local address, and to every caller-supplied hint, then poll
// for PONG replies until a timeout elapses.
package discover

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	dataplane "github.com/coldtar/dataplane"
)

const (
	udpPort       = 35248
	pingByte byte = 1
	pongByte byte = 2

	// releaseTimeout and debugTimeout are the two discovery-timeout
	// modes named in spec §4.5.
	releaseTimeout = 30 * time.Second
	debugTimeout   = 1 * time.Second

	pollGranularity = 1 * time.Second
)

// Server is one discovered peer: its UDP source address and the
// human-readable name it sent in its PONG.
type Server struct {
	Addr    *net.UDPAddr
	Name    string
	Version int
}

// Result accumulates discovery state across successive polls of
// [Discoverer.Poll]. Servers running the caller's expected version end
// up in Servers; any others end up in WrongVersion, and MaxVersion
// tracks the highest version seen across both buckets.
type Result struct {
	Servers      []Server
	WrongVersion []Server
	MaxVersion   int
}

// Discoverer owns the bound UDP sockets used to broadcast PINGs and
// collect PONGs. The zero value is not usable; construct one with
// [New].
type Discoverer struct {
	conns       []*net.UDPConn
	wantVersion int
	debug       bool

	start  time.Time
	result Result
}

// New binds one UDP socket per local interface address (falling back
// to a single wildcard socket if interface enumeration fails) and
// readies it for broadcast.
func New(wantVersion int, debug bool) (*Discoverer, error) {
	d := &Discoverer{wantVersion: wantVersion, debug: debug}

	laddrs, err := localV4Addrs()
	if err != nil || len(laddrs) == 0 {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
		if err != nil {
			return nil, &dataplane.Error{Op: "discover.New", Kind: dataplane.ErrResource, Inner: err}
		}
		d.conns = append(d.conns, c)
		return d, nil
	}
	for _, a := range laddrs {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: a, Port: 0})
		if err != nil {
			continue
		}
		_ = ipv4.NewPacketConn(c).SetMulticastTTL(1)
		d.conns = append(d.conns, c)
	}
	if len(d.conns) == 0 {
		return nil, &dataplane.Error{Op: "discover.New", Kind: dataplane.ErrResource, Message: "no usable interface"}
	}
	return d, nil
}

// Start transmits one PING from every bound socket: to the broadcast
// address, to every local address, and to every hint in hints.
func (d *Discoverer) Start(ctx context.Context, hints []net.IP) error {
	d.start = time.Now()
	d.result = Result{}

	dests := []net.IP{{255, 255, 255, 255}}
	if laddrs, err := localV4Addrs(); err == nil {
		dests = append(dests, laddrs...)
	}
	dests = append(dests, hints...)

	g, _ := errgroup.WithContext(ctx)
	for _, c := range d.conns {
		c := c
		for _, ip := range dests {
			ip := ip
			g.Go(func() error {
				addr := &net.UDPAddr{IP: ip, Port: udpPort}
				_, err := c.WriteToUDP([]byte{pingByte}, addr)
				return err
			})
		}
	}
	return g.Wait()
}

// Poll reads any PONGs that have arrived within one polling tick and
// folds them into the running Result. It returns
// [dataplane.ResultCode] Continue while the discovery timeout has not
// yet elapsed, and Timeout once it has.
func (d *Discoverer) Poll(ctx context.Context) (dataplane.ResultCode, Result) {
	timeout := releaseTimeout
	if d.debug {
		timeout = debugTimeout
	}

	deadline := time.Now().Add(pollGranularity)
	for _, c := range d.conns {
		c.SetReadDeadline(deadline)
	}

	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, c := range d.conns {
		c := c
		g.Go(func() error {
			buf := make([]byte, 1500)
			for {
				n, addr, err := c.ReadFromUDP(buf)
				if err != nil {
					return nil // timeout or closed; not fatal to polling
				}
				if n > 2 && buf[0] == pongByte {
					mu.Lock()
					d.recordPong(buf[:n], addr)
					mu.Unlock()
				}
			}
		})
	}
	g.Wait()

	if time.Since(d.start) >= timeout {
		return dataplane.Timeout, d.result
	}
	return dataplane.Continue, d.result
}

func (d *Discoverer) recordPong(pkt []byte, addr *net.UDPAddr) {
	version := int(pkt[1])
	name := string(pkt[2:])
	s := Server{Addr: addr, Name: name, Version: version}
	if version == d.wantVersion {
		d.result.Servers = append(d.result.Servers, s)
	} else {
		d.result.WrongVersion = append(d.result.WrongVersion, s)
	}
	if version > d.result.MaxVersion {
		d.result.MaxVersion = version
	}
}

// Close releases the bound sockets.
func (d *Discoverer) Close() error {
	var err error
	for _, c := range d.conns {
		if e := c.Close(); e != nil {
			err = e
		}
	}
	return err
}

// localV4Addrs returns this host's non-loopback IPv4 addresses, used
// both to bind per-interface sockets and as extra unicast PING
// destinations alongside the broadcast address.
func localV4Addrs() ([]net.IP, error) {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, a := range ifaces {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			out = append(out, v4)
		}
	}
	return out, nil
}
