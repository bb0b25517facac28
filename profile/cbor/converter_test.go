package cborprofile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/profile"
	"github.com/fxamacker/cbor/v2"
)

func newKey(t *testing.T) string {
	t.Helper()
	sk, err := noise.NewPrivateKey()
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	return sk.String()
}

func testProfileJSON(t *testing.T) []byte {
	t.Helper()
	psk, err := noise.NewPresharedKey()
	if err != nil {
		t.Fatalf("psk: %v", err)
	}
	peerSK, err := noise.ParsePrivateKey(newKey(t))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return []byte(fmt.Sprintf(`{
  "name": "edge-1",
  "private_key": %q,
  "listen_port": 51820,
  "interface": "bf0",
  "mtu": 1380,
  "workers": 4,
  "decoy_interval": "250ms",
  "params": {
    "advanced_security": true,
    "ratelimiter": false,
    "bogus_endpoints": 3,
    "bogus_endpoints_prefix": "198.51.100.0/24",
    "bogus_endpoints_prefix6": "2001:db8::/64"
  },
  "timers": {
    "rekey_timeout": "3s",
    "handshake_jitter": "-1ms",
    "max_handshake_attempts": 5,
    "reorder_timeout": "40ms",
    "rekey_after_messages": 4096
  },
  "obfuscation": {
    "jc": 4,
    "jmin": 40,
    "jmax": 70,
    "s1": 15,
    "s2": 20,
    "s3": 7,
    "s4": 5,
    "h1": "1000-1999",
    "h2": "2000-2999",
    "h3": "3000-3999",
    "h4": "4000-4999",
    "i1": "<b 0xc0ffee><r 8>"
  },
  "peers": [
    {
      "public_key": %q,
      "preshared_key": %q,
      "endpoint": "192.0.2.10:51820",
      "allowed_ips": ["10.8.0.2/32", "fd00::2/128"],
      "persistent_keepalive": "25s"
    }
  ],
  "control": {"listen": "127.0.0.1:7443", "stats_listen": "127.0.0.1:7080", "token": "s3cret"},
  "log": {"level": "debug", "format": "json"}
}`, newKey(t), peerSK.PublicKey().String(), psk.String()))
}

func TestJSONCBORJSONRoundTrip(t *testing.T) {
	input := testProfileJSON(t)

	cborData, err := EncodeJSONProfile(input)
	if err != nil {
		t.Fatalf("encode json to cbor: %v", err)
	}
	outJSON, err := DecodeCBORToJSON(cborData)
	if err != nil {
		t.Fatalf("decode cbor to json: %v", err)
	}
	var inProfile profile.Profile
	if err := json.Unmarshal(input, &inProfile); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	var outProfile profile.Profile
	if err := json.Unmarshal(outJSON, &outProfile); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if !reflect.DeepEqual(inProfile, outProfile) {
		t.Fatalf("profile mismatch after round-trip:\nin:  %+v\nout: %+v", inProfile, outProfile)
	}
	if len(cborData) >= len(input)/2 {
		t.Fatalf("cbor not compact: %d bytes for %d bytes of json", len(cborData), len(input))
	}
}

func TestEncodeDeterministic(t *testing.T) {
	var p profile.Profile
	if err := json.Unmarshal(testProfileJSON(t), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	first, err := EncodeProfile(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := EncodeProfile(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs", i)
		}
	}
}

func TestEncodeRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		p    profile.Profile
	}{
		{name: "missing private key", p: profile.Profile{}},
		{name: "short private key", p: profile.Profile{PrivateKey: "AAAA"}},
		{
			name: "bad peer key",
			p: profile.Profile{
				PrivateKey: newKey(t),
				Peers:      []profile.PeerProfile{{PublicKey: "not base64"}},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := EncodeProfile(tc.p); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodeRejectsVersion(t *testing.T) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		t.Fatalf("enc mode: %v", err)
	}
	tests := []struct {
		name    string
		payload map[uint64]any
		want    string
	}{
		{name: "missing", payload: map[uint64]any{keyName: "x"}, want: "missing version"},
		{name: "future", payload: map[uint64]any{keyVersion: uint64(Version + 1)}, want: "unsupported"},
		{name: "no key", payload: map[uint64]any{keyVersion: uint64(Version)}, want: "private_key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := mode.Marshal(tc.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			_, err = DecodeProfile(data)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v want error containing %q", err, tc.want)
			}
		})
	}
}

func TestDecodedProfileBuildsDeviceConfig(t *testing.T) {
	data, err := EncodeJSONProfile(testProfileJSON(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := DecodeProfile(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg, err := p.DeviceConfig(nil)
	if err != nil {
		t.Fatalf("device config: %v", err)
	}
	if cfg.Params.EnableRatelimiter || !cfg.Params.EnableCookieProtection || !cfg.Params.EnableAdvancedSecurity {
		t.Fatalf("params: %+v", cfg.Params)
	}
	if cfg.Timers.HandshakeJitter >= 0 {
		t.Fatalf("negative jitter lost: %s", cfg.Timers.HandshakeJitter)
	}
	peers, err := p.PeerConfigs()
	if err != nil {
		t.Fatalf("peer configs: %v", err)
	}
	if len(peers) != 1 || len(peers[0].AllowedIPs) != 2 || peers[0].PresharedKey.IsZero() {
		t.Fatalf("peers: %+v", peers)
	}
}
