package discover

import (
	"net"
	"testing"
)

func TestRecordPongBucketsByVersion(t *testing.T) {
	d := &Discoverer{wantVersion: 2}

	d.recordPong(append([]byte{pongByte, 2}, "alpha"...), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1)})
	d.recordPong(append([]byte{pongByte, 1}, "beta"...), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2)})
	d.recordPong(append([]byte{pongByte, 3}, "gamma"...), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3)})

	if len(d.result.Servers) != 1 || d.result.Servers[0].Name != "alpha" {
		t.Fatalf("expected one matching server named alpha, got %+v", d.result.Servers)
	}
	if len(d.result.WrongVersion) != 2 {
		t.Fatalf("expected two wrong-version servers, got %+v", d.result.WrongVersion)
	}
	if d.result.MaxVersion != 3 {
		t.Fatalf("expected max version 3, got %d", d.result.MaxVersion)
	}
}

func TestLocalV4AddrsExcludesLoopback(t *testing.T) {
	addrs, err := localV4Addrs()
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range addrs {
		if a.IsLoopback() {
			t.Fatalf("expected no loopback addresses, got %v", a)
		}
	}
}
