package conn

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// DefaultBatchSize is the number of datagrams read per recvmmsg call.
const DefaultBatchSize = 64

// UDPBind listens on an IPv4 and, when available, an IPv6 UDP socket and
// moves datagrams in batches through golang.org/x/net.
type UDPBind struct {
	mu        sync.Mutex
	batchSize int
	v4        *net.UDPConn
	v6        *net.UDPConn
	pc4       *ipv4.PacketConn
	pc6       *ipv6.PacketConn
}

// NewUDPBind returns an unopened bind.
func NewUDPBind(batchSize int) *UDPBind {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &UDPBind{batchSize: batchSize}
}

func (b *UDPBind) BatchSize() int {
	return b.batchSize
}

func (b *UDPBind) Open(port uint16) ([]ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.v4 != nil || b.v6 != nil {
		return nil, 0, errors.New("conn: bind already open")
	}

	v4, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, 0, fmt.Errorf("listen udp4: %w", err)
	}
	actual := uint16(v4.LocalAddr().(*net.UDPAddr).Port)

	var fns []ReceiveFunc
	b.v4 = v4
	b.pc4 = ipv4.NewPacketConn(v4)
	fns = append(fns, b.makeReceiveIPv4(b.pc4))

	// IPv6 is optional; hosts without it still get a working bind.
	if v6, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(actual)}); err == nil {
		b.v6 = v6
		b.pc6 = ipv6.NewPacketConn(v6)
		fns = append(fns, b.makeReceiveIPv6(b.pc6))
	}
	return fns, actual, nil
}

func (b *UDPBind) makeReceiveIPv4(pc *ipv4.PacketConn) ReceiveFunc {
	msgs := make([]ipv4.Message, b.batchSize)
	for i := range msgs {
		msgs[i].Buffers = make([][]byte, 1)
	}
	return func(bufs [][]byte, sizes []int, eps []netip.AddrPort) (int, error) {
		n := min(len(bufs), len(msgs))
		for i := 0; i < n; i++ {
			msgs[i].Buffers[0] = bufs[i]
		}
		got, err := pc.ReadBatch(msgs[:n], 0)
		if err != nil {
			return 0, closedErr(err)
		}
		for i := 0; i < got; i++ {
			sizes[i] = msgs[i].N
			eps[i] = addrPortOf(msgs[i].Addr)
		}
		return got, nil
	}
}

func (b *UDPBind) makeReceiveIPv6(pc *ipv6.PacketConn) ReceiveFunc {
	msgs := make([]ipv6.Message, b.batchSize)
	for i := range msgs {
		msgs[i].Buffers = make([][]byte, 1)
	}
	return func(bufs [][]byte, sizes []int, eps []netip.AddrPort) (int, error) {
		n := min(len(bufs), len(msgs))
		for i := 0; i < n; i++ {
			msgs[i].Buffers[0] = bufs[i]
		}
		got, err := pc.ReadBatch(msgs[:n], 0)
		if err != nil {
			return 0, closedErr(err)
		}
		for i := 0; i < got; i++ {
			sizes[i] = msgs[i].N
			eps[i] = addrPortOf(msgs[i].Addr)
		}
		return got, nil
	}
}

func closedErr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrBindClosed, err)
	}
	return err
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if ua, ok := addr.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

func (b *UDPBind) Send(bufs [][]byte, ep netip.AddrPort) error {
	b.mu.Lock()
	pc4, pc6 := b.pc4, b.pc6
	b.mu.Unlock()

	if pc4 == nil && pc6 == nil {
		return ErrBindClosed
	}
	dst := net.UDPAddrFromAddrPort(ep)
	if ep.Addr().Unmap().Is4() {
		if pc4 == nil {
			return ErrBindClosed
		}
		dst = net.UDPAddrFromAddrPort(netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port()))
		msgs := make([]ipv4.Message, len(bufs))
		for i := range bufs {
			msgs[i].Buffers = [][]byte{bufs[i]}
			msgs[i].Addr = dst
		}
		for start := 0; start < len(msgs); {
			n, err := pc4.WriteBatch(msgs[start:], 0)
			if err != nil {
				return closedErr(err)
			}
			start += n
		}
		return nil
	}
	if pc6 == nil {
		return fmt.Errorf("conn: no IPv6 socket for %s", ep)
	}
	msgs := make([]ipv6.Message, len(bufs))
	for i := range bufs {
		msgs[i].Buffers = [][]byte{bufs[i]}
		msgs[i].Addr = dst
	}
	for start := 0; start < len(msgs); {
		n, err := pc6.WriteBatch(msgs[start:], 0)
		if err != nil {
			return closedErr(err)
		}
		start += n
	}
	return nil
}

func (b *UDPBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	if b.v4 != nil {
		errs = append(errs, b.v4.Close())
		b.v4, b.pc4 = nil, nil
	}
	if b.v6 != nil {
		errs = append(errs, b.v6.Close())
		b.v6, b.pc6 = nil, nil
	}
	return errors.Join(errs...)
}
