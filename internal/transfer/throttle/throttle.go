// Package throttle implements a byte-rate limiter wrapping a
// connection's read and send sides, grounded on the teacher's token-bucket
// idiom but backed by golang.org/x/time/rate rather than a hand-rolled
// bucket. A Throttle detaches from one connection and reattaches to
// another across a TransferClient reconnect (spec §4.6).
package throttle

import (
	"context"
	"net"

	"golang.org/x/time/rate"
)

// Throttle paces reads and writes to a configured byte rate. A zero
// Throttle has no limit configured and passes bytes through unpaced;
// callers get one by calling [New].
type Throttle struct {
	recv *rate.Limiter
	send *rate.Limiter
}

// New constructs a Throttle. A limit of 0 on either side disables
// pacing for that direction.
func New(recvBytesPerSec, sendBytesPerSec int) *Throttle {
	t := &Throttle{}
	if recvBytesPerSec > 0 {
		t.recv = rate.NewLimiter(rate.Limit(recvBytesPerSec), recvBytesPerSec)
	}
	if sendBytesPerSec > 0 {
		t.send = rate.NewLimiter(rate.Limit(sendBytesPerSec), sendBytesPerSec)
	}
	return t
}

// SetLimits adjusts both directions' rates in place, for runtime
// reconfiguration between transfers.
func (t *Throttle) SetLimits(recvBytesPerSec, sendBytesPerSec int) {
	if recvBytesPerSec > 0 {
		if t.recv == nil {
			t.recv = rate.NewLimiter(rate.Limit(recvBytesPerSec), recvBytesPerSec)
		} else {
			t.recv.SetLimit(rate.Limit(recvBytesPerSec))
			t.recv.SetBurst(recvBytesPerSec)
		}
	}
	if sendBytesPerSec > 0 {
		if t.send == nil {
			t.send = rate.NewLimiter(rate.Limit(sendBytesPerSec), sendBytesPerSec)
		} else {
			t.send.SetLimit(rate.Limit(sendBytesPerSec))
			t.send.SetBurst(sendBytesPerSec)
		}
	}
}

// Conn wraps a net.Conn, pacing Read and Write through a Throttle.
// Detach followed by Attach on a new Conn is how a TransferClient
// reattaches a throttle across a reconnect.
type Conn struct {
	net.Conn
	t *Throttle
}

// Attach wraps conn so its reads and writes are paced by t. A nil t
// yields an unpaced wrapper, matching "no throttler configured".
func Attach(conn net.Conn, t *Throttle) *Conn {
	return &Conn{Conn: conn, t: t}
}

// Detach returns the Throttle in use, for reattachment to a
// replacement connection via [Attach].
func (c *Conn) Detach() *Throttle { return c.t }

// Read delegates to the wrapped connection, then paces the bytes
// received against the receive-side limiter.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.t != nil && c.t.recv != nil {
		if werr := c.t.recv.WaitN(context.Background(), clampBurst(c.t.recv, n)); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Write paces against the send-side limiter before delegating.
func (c *Conn) Write(p []byte) (int, error) {
	if c.t != nil && c.t.send != nil {
		if werr := c.t.send.WaitN(context.Background(), clampBurst(c.t.send, len(p))); werr != nil {
			return 0, werr
		}
	}
	return c.Conn.Write(p)
}

// clampBurst keeps WaitN's request within the limiter's burst size, so
// a single large read or write doesn't exceed "always errors" per
// rate.Limiter's contract.
func clampBurst(l *rate.Limiter, n int) int {
	if b := l.Burst(); n > b {
		return b
	}
	return n
}
