package tun

import (
	"fmt"
	"sync"

	"github.com/songgao/water"
)

// WaterTUN is a kernel TUN interface opened through songgao/water.
type WaterTUN struct {
	iface *water.Interface
	mtu   int

	closeOnce sync.Once
	closeErr  error
}

// OpenWater creates (or attaches to) the TUN interface called name. An empty
// name lets the kernel choose one.
func OpenWater(name string, mtu int) (*WaterTUN, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	iface, err := water.New(waterConfig(name))
	if err != nil {
		return nil, fmt.Errorf("open tun %q: %w", name, err)
	}
	return &WaterTUN{iface: iface, mtu: mtu}, nil
}

// Name returns the interface name assigned by the kernel.
func (t *WaterTUN) Name() string {
	return t.iface.Name()
}

func (t *WaterTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	n, err := t.iface.Read(bufs[0][offset:])
	if err != nil {
		return 0, err
	}
	sizes[0] = n
	return 1, nil
}

func (t *WaterTUN) Write(bufs [][]byte, offset int) (int, error) {
	for i, buf := range bufs {
		if _, err := t.iface.Write(buf[offset:]); err != nil {
			return i, err
		}
	}
	return len(bufs), nil
}

func (t *WaterTUN) MTU() int {
	return t.mtu
}

func (t *WaterTUN) BatchSize() int {
	return 1
}

func (t *WaterTUN) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.iface.Close() })
	return t.closeErr
}
