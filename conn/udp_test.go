package conn

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func openUDP(t *testing.T) (*UDPBind, ReceiveFunc, netip.AddrPort) {
	t.Helper()
	b := NewUDPBind(8)
	fns, port, err := b.Open(0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if port == 0 || len(fns) == 0 {
		t.Fatalf("open returned port %d with %d receivers", port, len(fns))
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, fns[0], netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func TestUDPBindLoopback(t *testing.T) {
	a, _, addrA := openUDP(t)
	b, recvB, addrB := openUDP(t)

	if _, _, err := b.Open(0); err == nil {
		t.Fatalf("second open succeeded")
	}

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	if err := a.Send(payloads, addrB); err != nil {
		t.Fatalf("send: %v", err)
	}

	bufs := make([][]byte, b.BatchSize())
	for i := range bufs {
		bufs[i] = make([]byte, 1500)
	}
	sizes := make([]int, len(bufs))
	eps := make([]netip.AddrPort, len(bufs))
	got := 0
	deadline := time.Now().Add(5 * time.Second)
	for got < len(payloads) {
		if time.Now().After(deadline) {
			t.Fatalf("received %d of %d datagrams", got, len(payloads))
		}
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
		if eps[i] != addrA {
			t.Fatalf("datagram %d from %s, want %s", i, eps[i], addrA)
		}
	}
}

func TestUDPBindClose(t *testing.T) {
	b, recv, addr := openUDP(t)

	done := make(chan error, 1)
	go func() {
		bufs := [][]byte{make([]byte, 64)}
		_, err := recv(bufs, make([]int, 1), make([]netip.AddrPort, 1))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrBindClosed) {
			t.Fatalf("receive after close: got %v want %v", err, ErrBindClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receive did not return after close")
	}
	if err := b.Send([][]byte{{0}}, addr); !errors.Is(err, ErrBindClosed) {
		t.Fatalf("send after close: got %v want %v", err, ErrBindClosed)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
