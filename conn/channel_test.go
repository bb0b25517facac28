package conn

import (
	"bytes"
	"errors"
	"net/netip"
	"sync"
	"testing"
)

func openBind(t *testing.T, n *Network, addr string) (*ChannelBind, ReceiveFunc) {
	t.Helper()
	b := n.NewBind(netip.MustParseAddr(addr))
	fns, _, err := b.Open(0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, fns[0]
}

func TestChannelBindDelivery(t *testing.T) {
	n := NewNetwork()
	a, _ := openBind(t, n, "10.0.0.1")
	b, recvB := openBind(t, n, "10.0.0.2")

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	if err := a.Send(payloads, b.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}

	bufs := make([][]byte, 8)
	for i := range bufs {
		bufs[i] = make([]byte, 64)
	}
	sizes := make([]int, 8)
	eps := make([]netip.AddrPort, 8)
	got := 0
	for got < len(payloads) {
		n, err := recvB(bufs[got:], sizes[got:], eps[got:])
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		got += n
	}
	for i, want := range payloads {
		if !bytes.Equal(bufs[i][:sizes[i]], want) {
			t.Fatalf("datagram %d = %q, want %q", i, bufs[i][:sizes[i]], want)
		}
		if eps[i] != a.LocalAddr() {
			t.Fatalf("datagram %d from %s, want %s", i, eps[i], a.LocalAddr())
		}
	}
}

func TestNetworkTapSeesUndeliverable(t *testing.T) {
	n := NewNetwork()
	a, _ := openBind(t, n, "10.0.0.1")

	var (
		mu   sync.Mutex
		seen []Datagram
	)
	n.Tap(func(d Datagram) {
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()
	})
	decoy := netip.MustParseAddrPort("192.0.2.7:4000")
	if err := a.Send([][]byte{{1, 2, 3}}, decoy); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].To != decoy {
		t.Fatalf("tap saw %+v", seen)
	}
}

func TestChannelBindClose(t *testing.T) {
	n := NewNetwork()
	b := n.NewBind(netip.MustParseAddr("10.0.0.3"))
	fns, port, err := b.Open(0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if port == 0 {
		t.Fatalf("expected a port")
	}
	done := make(chan error, 1)
	go func() {
		_, err := fns[0]([][]byte{make([]byte, 16)}, make([]int, 1), make([]netip.AddrPort, 1))
		done <- err
	}()
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrBindClosed) {
		t.Fatalf("receive after close = %v", err)
	}
	if err := b.Send([][]byte{{0}}, b.LocalAddr()); !errors.Is(err, ErrBindClosed) {
		t.Fatalf("send after close = %v", err)
	}
	if _, _, err := b.Open(0); err == nil {
		t.Fatalf("expected reopen to fail")
	}
}

func TestEndpointBytesDistinguishesPorts(t *testing.T) {
	a := EndpointBytes(netip.MustParseAddrPort("10.0.0.1:1000"))
	b := EndpointBytes(netip.MustParseAddrPort("10.0.0.1:1001"))
	if bytes.Equal(a, b) {
		t.Fatalf("ports must produce distinct bytes")
	}
}
