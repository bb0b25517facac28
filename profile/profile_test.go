package profile

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bridgefall/tunnel/device"
	"github.com/bridgefall/tunnel/noise"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testKeys(t *testing.T) (noise.PrivateKey, noise.PublicKey) {
	t.Helper()
	sk, err := noise.NewPrivateKey()
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	peer, err := noise.NewPrivateKey()
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	return sk, peer.PublicKey()
}

func TestLoadYAMLProfile(t *testing.T) {
	sk, peer := testKeys(t)
	path := writeFile(t, "tunnel.yaml", `
name: lab
private_key: `+sk.String()+`
listen_port: 51820
workers: 2
decoy_interval: 2s
params:
  cookie_protection: false
  bogus_endpoints: 2
  bogus_endpoints_prefix: 198.51.100.0/24
timers:
  rekey_timeout: 1s
  max_handshake_backoff: 8s
obfuscation:
  jc: 3
  jmin: 40
  jmax: 70
  s1: 15
  s2: 20
  h1: 1000-1999
peers:
  - public_key: `+peer.String()+`
    endpoint: 192.0.2.1:51820
    allowed_ips: [10.8.0.0/24, 10.9.0.7]
    persistent_keepalive: 25s
log:
  level: debug
`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := p.DeviceConfig(nil)
	if err != nil {
		t.Fatalf("device config: %v", err)
	}
	if !cfg.PrivateKey.Equals(sk) || cfg.ListenPort != 51820 || cfg.Workers != 2 {
		t.Fatalf("device config: %+v", cfg)
	}
	if cfg.DecoyInterval != 2*time.Second || cfg.Timers.RekeyTimeout != time.Second || cfg.Timers.MaxHandshakeBackoff != 8*time.Second {
		t.Fatalf("durations: decoy=%s timers=%+v", cfg.DecoyInterval, cfg.Timers)
	}
	want := device.Params{
		EnableRatelimiter:    true,
		EnableFullCrypto:     true,
		BogusEndpoints:       2,
		BogusEndpointsPrefix: "198.51.100.0/24",
	}
	if cfg.Params != want {
		t.Fatalf("params: got %+v want %+v", cfg.Params, want)
	}
	if cfg.Obfuscation.Jc != 3 || cfg.Obfuscation.H1 != "1000-1999" {
		t.Fatalf("obfuscation: %+v", cfg.Obfuscation)
	}

	peers, err := p.PeerConfigs()
	if err != nil {
		t.Fatalf("peer configs: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("peers: %d", len(peers))
	}
	got := peers[0]
	if got.PublicKey != peer || got.Endpoint != netip.MustParseAddrPort("192.0.2.1:51820") || got.PersistentKeepalive != 25*time.Second {
		t.Fatalf("peer: %+v", got)
	}
	wantIPs := []netip.Prefix{netip.MustParsePrefix("10.8.0.0/24"), netip.MustParsePrefix("10.9.0.7/32")}
	if len(got.AllowedIPs) != len(wantIPs) || got.AllowedIPs[0] != wantIPs[0] || got.AllowedIPs[1] != wantIPs[1] {
		t.Fatalf("allowed ips: got %v want %v", got.AllowedIPs, wantIPs)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	sk, _ := testKeys(t)
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "json", file: "p.json", body: `{"private_key":"` + sk.String() + `","listen":"x"}`},
		{name: "yaml", file: "p.yml", body: "private_key: " + sk.String() + "\nlisten: x\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tc.file, tc.body)); err == nil {
				t.Fatalf("unknown field accepted")
			}
		})
	}
}

func TestDeviceConfigErrors(t *testing.T) {
	sk, _ := testKeys(t)
	tests := []struct {
		name string
		p    Profile
		want error
	}{
		{name: "missing key", p: Profile{}, want: ErrMissingPrivateKey},
		{name: "bad key", p: Profile{PrivateKey: "bm90IGEga2V5"}, want: noise.ErrInvalidKeyLength},
		{name: "bad obfuscation", p: Profile{PrivateKey: sk.String(), Obfuscation: ObfConfig{Jc: 2}}},
		{name: "negative workers", p: Profile{PrivateKey: sk.String(), Workers: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.p.DeviceConfig(nil)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}

func TestPeerProfileErrors(t *testing.T) {
	_, peer := testKeys(t)
	tests := []struct {
		name string
		p    PeerProfile
	}{
		{name: "no key", p: PeerProfile{}},
		{name: "bad psk", p: PeerProfile{PublicKey: peer.String(), PresharedKey: "short"}},
		{name: "bad prefix", p: PeerProfile{PublicKey: peer.String(), AllowedIPs: []string{"10.0.0.0/33"}}},
		{name: "bad endpoint", p: PeerProfile{PublicKey: peer.String(), Endpoint: "no-port"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.p.ToPeerConfig(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	p := Profile{Peers: []PeerProfile{{PublicKey: peer.String()}, {}}}
	if _, err := p.PeerConfigs(); err == nil {
		t.Fatalf("invalid second peer accepted")
	}
}

func TestParsePrefixes(t *testing.T) {
	got, err := ParsePrefixes([]string{"10.1.2.3/16", "fd00::1", "192.0.2.7"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"10.1.0.0/16", "fd00::1/128", "192.0.2.7/32"}
	for i, w := range want {
		if got[i].String() != w {
			t.Fatalf("prefix %d: got %s want %s", i, got[i], w)
		}
	}
	if _, err := ParsePrefixes([]string{"nope"}); !errors.Is(err, device.ErrInvalidPrefix) {
		t.Fatalf("invalid prefix: got %v", err)
	}
}

func TestObfConfigConversion(t *testing.T) {
	c := ObfConfig{Jc: 3, Jmin: 10, Jmax: 20, S1: 1, S4: 4, H2: "5-9", I3: "<t>"}
	if got := FromObfConfig(c.ToObfConfig()); got != c {
		t.Fatalf("conversion: got %+v want %+v", got, c)
	}
	if (ObfConfig{}).Enabled() || !c.Enabled() {
		t.Fatalf("enabled")
	}
}
