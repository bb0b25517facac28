package device

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/bridgefall/tunnel/conn"
	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/tun"
)

func newIdleDevice(t *testing.T, mutate func(*Config)) *Device {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	network := conn.NewNetwork()
	dev, err := NewDevice(cfg, tun.NewChannelTUN(0), network.NewBind(netip.MustParseAddr("10.0.0.1")))
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func newPublicKey(t *testing.T) noise.PublicKey {
	t.Helper()
	sk, err := noise.NewPrivateKey()
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	return sk.PublicKey()
}

func TestAddPeerValidation(t *testing.T) {
	dev := newIdleDevice(t, func(cfg *Config) { cfg.Params.EnableFullCrypto = false })
	existing := newPublicKey(t)
	if err := dev.AddPeer(PeerConfig{PublicKey: existing}); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	psk, err := noise.NewPresharedKey()
	if err != nil {
		t.Fatalf("psk: %v", err)
	}

	tests := []struct {
		name string
		cfg  PeerConfig
		want error
	}{
		{name: "zero key", cfg: PeerConfig{}, want: ErrInvalidKey},
		{name: "self", cfg: PeerConfig{PublicKey: dev.PublicKey()}, want: ErrSelfPeer},
		{name: "duplicate", cfg: PeerConfig{PublicKey: existing}, want: ErrDuplicatePeer},
		{name: "psk without full crypto", cfg: PeerConfig{PublicKey: newPublicKey(t), PresharedKey: psk}, want: ErrPresharedKeyDisabled},
		{name: "invalid prefix", cfg: PeerConfig{PublicKey: newPublicKey(t), AllowedIPs: []netip.Prefix{{}}}, want: ErrInvalidPrefix},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := dev.AddPeer(tc.cfg); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
	if got := len(dev.AllPeerStats()); got != 1 {
		t.Fatalf("peers after rejected adds: got %d want 1", got)
	}
}

func TestUnknownPeerOperations(t *testing.T) {
	dev := newIdleDevice(t, nil)
	pk := newPublicKey(t)
	ep := netip.MustParseAddrPort("192.0.2.1:51820")

	if err := dev.RemovePeer(pk); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("remove: got %v", err)
	}
	if err := dev.SetEndpoint(pk, ep); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("set endpoint: got %v", err)
	}
	if err := dev.SetAllowedIPs(pk, nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("set allowed ips: got %v", err)
	}
	if _, err := dev.PeerStats(pk); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("peer stats: got %v", err)
	}
}

func TestSetAllowedIPsMovesOwnership(t *testing.T) {
	dev := newIdleDevice(t, nil)
	first, second := newPublicKey(t), newPublicKey(t)
	shared := netip.MustParsePrefix("10.10.0.0/16")

	if err := dev.AddPeer(PeerConfig{PublicKey: first, AllowedIPs: []netip.Prefix{shared}}); err != nil {
		t.Fatalf("add first: %v", err)
	}
	if err := dev.AddPeer(PeerConfig{PublicKey: second}); err != nil {
		t.Fatalf("add second: %v", err)
	}
	if err := dev.SetAllowedIPs(second, []netip.Prefix{shared, netip.MustParsePrefix("fd00::/64")}); err != nil {
		t.Fatalf("set allowed ips: %v", err)
	}

	owner, ok := dev.allowedIPs.Lookup(netip.MustParseAddr("10.10.1.1"))
	if !ok || owner.PublicKey() != second {
		t.Fatalf("prefix did not move to the second peer")
	}
	s1, _ := dev.PeerStats(first)
	if len(s1.AllowedIPs) != 0 {
		t.Fatalf("first peer still lists %v", s1.AllowedIPs)
	}
	s2, _ := dev.PeerStats(second)
	if len(s2.AllowedIPs) != 2 {
		t.Fatalf("second peer allowed ips: %v", s2.AllowedIPs)
	}

	if err := dev.SetAllowedIPs(second, nil); err != nil {
		t.Fatalf("clear allowed ips: %v", err)
	}
	if _, ok := dev.allowedIPs.Lookup(netip.MustParseAddr("10.10.1.1")); ok {
		t.Fatalf("lookup after clearing allowed ips")
	}
}

func TestSetAllowedIPsRejectedSetKeepsPrevious(t *testing.T) {
	dev := newIdleDevice(t, nil)
	pk := newPublicKey(t)
	original := netip.MustParsePrefix("192.168.4.0/24")
	if err := dev.AddPeer(PeerConfig{PublicKey: pk, AllowedIPs: []netip.Prefix{original}}); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	// A mapped prefix shorter than /96 has no IPv4 equivalent.
	err := dev.SetAllowedIPs(pk, []netip.Prefix{
		netip.MustParsePrefix("10.9.0.0/16"),
		netip.MustParsePrefix("::ffff:0.0.0.0/80"),
	})
	if !errors.Is(err, ErrInvalidPrefix) {
		t.Fatalf("got %v want %v", err, ErrInvalidPrefix)
	}
	stats, _ := dev.PeerStats(pk)
	if len(stats.AllowedIPs) != 1 || stats.AllowedIPs[0] != original {
		t.Fatalf("allowed ips after rejected update: %v", stats.AllowedIPs)
	}
	if _, ok := dev.allowedIPs.Lookup(netip.MustParseAddr("10.9.0.1")); ok {
		t.Fatalf("part of the rejected set was installed")
	}
	if owner, ok := dev.allowedIPs.Lookup(netip.MustParseAddr("192.168.4.9")); !ok || owner.PublicKey() != pk {
		t.Fatalf("original prefix no longer routes to the peer")
	}
}

func TestPeerConfigurationSurfaces(t *testing.T) {
	dev := newIdleDevice(t, nil)
	pk := newPublicKey(t)
	if err := dev.AddPeer(PeerConfig{PublicKey: pk}); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	ep := netip.MustParseAddrPort("192.0.2.1:51820")
	if err := dev.SetEndpoint(pk, ep); err != nil {
		t.Fatalf("set endpoint: %v", err)
	}
	if err := dev.SetEndpoint(pk, netip.AddrPort{}); err == nil {
		t.Fatalf("invalid endpoint accepted")
	}
	if err := dev.SetPersistentKeepalive(pk, 25*time.Second); err != nil {
		t.Fatalf("set keepalive: %v", err)
	}
	if err := dev.SetPersistentKeepalive(pk, -time.Second); err == nil {
		t.Fatalf("negative keepalive accepted")
	}

	s, err := dev.PeerStats(pk)
	if err != nil {
		t.Fatalf("peer stats: %v", err)
	}
	if s.Endpoint != ep || s.PersistentKeepalive != 25*time.Second {
		t.Fatalf("stats: %+v", s)
	}
	if s.HasSession || s.HandshakeState != "zeroed" {
		t.Fatalf("fresh peer state: session=%v handshake=%s", s.HasSession, s.HandshakeState)
	}
	if got := dev.Metrics().Peers.Load(); got != 1 {
		t.Fatalf("peer gauge: got %d want 1", got)
	}
}

func TestAllPeerStatsSorted(t *testing.T) {
	dev := newIdleDevice(t, nil)
	for i := 0; i < 5; i++ {
		if err := dev.AddPeer(PeerConfig{PublicKey: newPublicKey(t)}); err != nil {
			t.Fatalf("add peer: %v", err)
		}
	}
	all := dev.AllPeerStats()
	if len(all) != 5 {
		t.Fatalf("stats: got %d want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].PublicKey.String() >= all[i].PublicKey.String() {
			t.Fatalf("stats not ordered by public key")
		}
	}
}

func TestNewDeviceRejectsBadConfig(t *testing.T) {
	network := conn.NewNetwork()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no private key", mutate: func(cfg *Config) { cfg.PrivateKey = noise.PrivateKey{} }},
		{name: "bad obfuscation", mutate: func(cfg *Config) { cfg.Obfuscation.Jc = -1 }},
		{name: "bad bogus prefix", mutate: func(cfg *Config) { cfg.Params.BogusEndpointsPrefix = "not-a-prefix" }},
		{name: "decoys without prefix", mutate: func(cfg *Config) { cfg.Params.BogusEndpoints = 2 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			if _, err := NewDevice(cfg, tun.NewChannelTUN(0), network.NewBind(netip.MustParseAddr("10.0.0.1"))); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
