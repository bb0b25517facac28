package conn

import (
	"fmt"
	"net/netip"
	"sync"
)

// Datagram is one packet in flight on a Network.
type Datagram struct {
	From netip.AddrPort
	To   netip.AddrPort
	Data []byte
}

// Network connects ChannelBinds in memory. Datagrams addressed to an
// endpoint with no bind attached are passed to taps and then dropped.
type Network struct {
	mu    sync.RWMutex
	binds map[netip.AddrPort]*ChannelBind
	taps  []func(Datagram)
}

func NewNetwork() *Network {
	return &Network{binds: make(map[netip.AddrPort]*ChannelBind)}
}

// Tap registers fn to observe every datagram sent on the network. fn must
// not retain Data.
func (n *Network) Tap(fn func(Datagram)) {
	n.mu.Lock()
	n.taps = append(n.taps, fn)
	n.mu.Unlock()
}

// NewBind creates a bind that will listen on addr once opened.
func (n *Network) NewBind(addr netip.Addr) *ChannelBind {
	return &ChannelBind{
		net:  n,
		addr: addr,
		rx:   make(chan Datagram, 1024),
		done: make(chan struct{}),
	}
}

// Inject delivers a datagram as if it had been sent by d.From.
func (n *Network) Inject(d Datagram) bool {
	n.mu.RLock()
	taps := n.taps
	dst := n.binds[d.To]
	n.mu.RUnlock()

	for _, tap := range taps {
		tap(d)
	}
	if dst == nil {
		return false
	}
	d.Data = append([]byte(nil), d.Data...)
	select {
	case dst.rx <- d:
		return true
	case <-dst.done:
	default:
	}
	return false
}

func (n *Network) attach(b *ChannelBind, port uint16) (uint16, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if port == 0 {
		for p := uint16(51820); ; p++ {
			if _, busy := n.binds[netip.AddrPortFrom(b.addr, p)]; !busy {
				port = p
				break
			}
		}
	}
	ep := netip.AddrPortFrom(b.addr, port)
	if _, busy := n.binds[ep]; busy {
		return 0, fmt.Errorf("conn: %s already in use", ep)
	}
	n.binds[ep] = b
	return port, nil
}

func (n *Network) detach(ep netip.AddrPort) {
	n.mu.Lock()
	delete(n.binds, ep)
	n.mu.Unlock()
}

// ChannelBind is a Bind backed by a Network.
type ChannelBind struct {
	net  *Network
	addr netip.Addr

	mu     sync.Mutex
	local  netip.AddrPort
	open   bool
	closed bool
	rx     chan Datagram
	done   chan struct{}
}

// LocalAddr returns the endpoint the bind listens on, valid once opened.
func (b *ChannelBind) LocalAddr() netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.local
}

func (b *ChannelBind) BatchSize() int {
	return 16
}

func (b *ChannelBind) Open(port uint16) ([]ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open || b.closed {
		return nil, 0, fmt.Errorf("conn: channel bind cannot be reopened")
	}
	actual, err := b.net.attach(b, port)
	if err != nil {
		return nil, 0, err
	}
	b.local = netip.AddrPortFrom(b.addr, actual)
	b.open = true
	return []ReceiveFunc{b.receive}, actual, nil
}

func (b *ChannelBind) receive(bufs [][]byte, sizes []int, eps []netip.AddrPort) (int, error) {
	var d Datagram
	select {
	case d = <-b.rx:
	case <-b.done:
		return 0, ErrBindClosed
	}
	n := 0
	for {
		sizes[n] = copy(bufs[n], d.Data)
		eps[n] = d.From
		n++
		if n == len(bufs) {
			return n, nil
		}
		select {
		case d = <-b.rx:
		default:
			return n, nil
		}
	}
}

func (b *ChannelBind) Send(bufs [][]byte, ep netip.AddrPort) error {
	b.mu.Lock()
	from, open := b.local, b.open && !b.closed
	b.mu.Unlock()
	if !open {
		return ErrBindClosed
	}
	for _, buf := range bufs {
		b.net.Inject(Datagram{From: from, To: ep, Data: buf})
	}
	return nil
}

func (b *ChannelBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	if b.open {
		b.net.detach(b.local)
	}
	return nil
}
