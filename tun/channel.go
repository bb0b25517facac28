package tun

import "sync"

// ChannelTUN is an in-memory Device. Packets sent on Outbound are read by
// the tunnel; packets the tunnel writes appear on Inbound.
type ChannelTUN struct {
	Inbound  chan []byte
	Outbound chan []byte

	mtu       int
	closeOnce sync.Once
	done      chan struct{}
}

func NewChannelTUN(mtu int) *ChannelTUN {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &ChannelTUN{
		Inbound:  make(chan []byte, 1024),
		Outbound: make(chan []byte, 1024),
		mtu:      mtu,
		done:     make(chan struct{}),
	}
}

func (t *ChannelTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.done:
		return 0, ErrClosed
	case pkt := <-t.Outbound:
		sizes[0] = copy(bufs[0][offset:], pkt)
		return 1, nil
	}
}

func (t *ChannelTUN) Write(bufs [][]byte, offset int) (int, error) {
	for i, buf := range bufs {
		pkt := append([]byte(nil), buf[offset:]...)
		select {
		case <-t.done:
			return i, ErrClosed
		case t.Inbound <- pkt:
		}
	}
	return len(bufs), nil
}

func (t *ChannelTUN) MTU() int {
	return t.mtu
}

func (t *ChannelTUN) BatchSize() int {
	return 1
}

func (t *ChannelTUN) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
