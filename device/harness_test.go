package device

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bridgefall/tunnel/conn"
	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/obf"
	"github.com/bridgefall/tunnel/tun"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

type testNode struct {
	dev  *Device
	tun  *tun.ChannelTUN
	bind *conn.ChannelBind
	key  noise.PrivateKey
	addr netip.AddrPort
}

func (n *testNode) publicKey() noise.PublicKey {
	return n.dev.PublicKey()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	key, err := noise.NewPrivateKey()
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	return Config{
		PrivateKey: key,
		Params:     DefaultParams(),
		Timers:     Timers{HandshakeJitter: -1},
		Workers:    2,
		Logger:     testLogger(),
	}
}

// newTestNode brings up a device on network at ip. mutate may adjust the
// config before the device is built.
func newTestNode(t *testing.T, network *conn.Network, ip string, mutate func(*Config)) *testNode {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	tunDev := tun.NewChannelTUN(tun.DefaultMTU)
	bind := network.NewBind(netip.MustParseAddr(ip))
	dev, err := NewDevice(cfg, tunDev, bind)
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	if err := dev.Up(); err != nil {
		t.Fatalf("device up: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return &testNode{dev: dev, tun: tunDev, bind: bind, key: cfg.PrivateKey, addr: bind.LocalAddr()}
}

// connect makes a and b peers. a knows b's endpoint; b learns a's from the
// handshake.
func connect(t *testing.T, a, b *testNode, aInner, bInner string) {
	t.Helper()
	err := a.dev.AddPeer(PeerConfig{
		PublicKey:  b.publicKey(),
		Endpoint:   b.addr,
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix(bInner)},
	})
	if err != nil {
		t.Fatalf("add peer b to a: %v", err)
	}
	err = b.dev.AddPeer(PeerConfig{
		PublicKey:  a.publicKey(),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix(aInner)},
	})
	if err != nil {
		t.Fatalf("add peer a to b: %v", err)
	}
}

// udpPacket builds an IPv4/UDP packet carrying payload.
func udpPacket(t *testing.T, src, dst string, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize packet: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func seqPacket(t *testing.T, src, dst string, seq uint32) []byte {
	t.Helper()
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], seq)
	return udpPacket(t, src, dst, payload[:])
}

// udpPayload decodes an IPv4/UDP packet and returns its source address and
// payload.
func udpPayload(t *testing.T, pkt []byte) (string, []byte) {
	t.Helper()
	packet := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatalf("not an ipv4 packet: %x", pkt)
	}
	udpLayer, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatalf("not a udp packet: %x", pkt)
	}
	return ipLayer.SrcIP.String(), udpLayer.Payload
}

func (n *testNode) send(pkt []byte) {
	n.tun.Outbound <- pkt
}

func (n *testNode) receive(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case pkt := <-n.tun.Inbound:
		return pkt
	case <-time.After(timeout):
		t.Fatalf("no packet delivered within %s", timeout)
		return nil
	}
}

func (n *testNode) expectSilence(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case pkt := <-n.tun.Inbound:
		t.Fatalf("unexpected packet delivered: %x", pkt)
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// wireLog records classified datagrams seen on a network.
type wireLog struct {
	framer *obf.Framer

	mu      sync.Mutex
	entries []wireEntry
}

type wireEntry struct {
	from    netip.AddrPort
	to      netip.AddrPort
	msgType obf.MessageType // zero when unclassified
	size    int
	counter uint64
	raw     []byte
}

func newWireLog(t *testing.T, network *conn.Network, cfg obf.Config) *wireLog {
	t.Helper()
	framer, err := obf.NewFramer(cfg)
	if err != nil {
		t.Fatalf("framer: %v", err)
	}
	w := &wireLog{framer: framer}
	network.Tap(w.record)
	return w
}

func (w *wireLog) record(d conn.Datagram) {
	e := wireEntry{from: d.From, to: d.To, size: len(d.Data), raw: append([]byte(nil), d.Data...)}
	if msgType, msg, err := w.framer.Unwrap(d.Data); err == nil {
		e.msgType = msgType
		if msgType == obf.MessageTransport {
			e.counter = binary.LittleEndian.Uint64(msg[noise.MessageTransportOffsetCounter:])
		}
	}
	w.mu.Lock()
	w.entries = append(w.entries, e)
	w.mu.Unlock()
}

func (w *wireLog) filter(fn func(wireEntry) bool) []wireEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []wireEntry
	for _, e := range w.entries {
		if fn(e) {
			out = append(out, e)
		}
	}
	return out
}

func (w *wireLog) count(from netip.AddrPort, msgType obf.MessageType) int {
	return len(w.filter(func(e wireEntry) bool {
		return e.from == from && e.msgType == msgType
	}))
}
