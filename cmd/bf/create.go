package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bridgefall/tunnel/commons/config"
	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/obf"
	"github.com/bridgefall/tunnel/profile"
	"gopkg.in/yaml.v3"
)

type profileOptions struct {
	name       string
	mtu        int
	listenPort uint16
	endpoint   string
	serverIP   string
	clientIP   string
	clientIPs  []string
	psk        bool
	control    string
	stats      string
}

func runCreateProfile(args []string) {
	fs := flag.NewFlagSet("create-profile", flag.ExitOnError)
	name := fs.String("name", "", "optional profile name")
	mtu := fs.Int("mtu", 1420, "tunnel MTU; bounds junk sizes")
	listenPort := fs.Uint("listen-port", 51820, "server UDP listen port")
	endpoint := fs.String("endpoint", "", "server address clients dial (host:port)")
	serverIP := fs.String("server-ip", "10.66.0.1/32", "server tunnel address")
	clientIP := fs.String("client-ip", "10.66.0.2/32", "client tunnel address")
	clientAllowed := fs.String("client-allowed-ips", "0.0.0.0/0,::/0", "prefixes the client routes through the server")
	psk := fs.Bool("psk", true, "generate a preshared key for the pair")
	control := fs.String("control", "127.0.0.1:9100", "server QUIC control address (empty disables)")
	stats := fs.String("stats", "", "server HTTP stats address (empty disables)")
	peerOut := fs.String("peer-out", "", "write the matching client profile to this file")
	format := fs.String("format", "json", "output format (json|yaml)")
	seed := fs.Int64("seed", 0, "math/rand seed for obfuscation (0 = crypto seed)")
	_ = fs.Parse(args)

	if *mtu < 1280 {
		fatalf("mtu must be >= 1280")
	}
	if *listenPort == 0 || *listenPort > 65535 {
		fatalf("listen-port must be in 1..65535")
	}
	opts := profileOptions{
		name:       *name,
		mtu:        *mtu,
		listenPort: uint16(*listenPort),
		endpoint:   *endpoint,
		serverIP:   *serverIP,
		clientIP:   *clientIP,
		clientIPs:  splitList(*clientAllowed),
		psk:        *psk,
		control:    *control,
		stats:      *stats,
	}
	if opts.name == "" {
		opts.name = "bf-" + time.Now().UTC().Format("2006-01-02")
	}

	server, client, err := buildProfiles(newRNG(*seed), opts)
	if err != nil {
		fatalf("create-profile: %v", err)
	}
	if opts.endpoint == "" && *peerOut != "" {
		fmt.Fprintln(os.Stderr, "warning: endpoint is empty; set -endpoint to generate a usable client profile")
	}

	out, err := marshalProfile(server, *format)
	if err != nil {
		fatalf("create-profile: %v", err)
	}
	if err := writeOutput("", out); err != nil {
		fatalf("create-profile write: %v", err)
	}
	if *peerOut != "" {
		out, err := marshalProfile(client, *format)
		if err != nil {
			fatalf("create-profile: %v", err)
		}
		if err := writeOutput(*peerOut, out); err != nil {
			fatalf("create-profile write peer: %v", err)
		}
	}
}

// buildProfiles returns a server profile and a client profile that peer
// with each other and share one obfuscation parameter set.
func buildProfiles(r rng, opts profileOptions) (profile.Profile, profile.Profile, error) {
	serverKey, err := noise.NewPrivateKey()
	if err != nil {
		return profile.Profile{}, profile.Profile{}, fmt.Errorf("server key: %w", err)
	}
	clientKey, err := noise.NewPrivateKey()
	if err != nil {
		return profile.Profile{}, profile.Profile{}, fmt.Errorf("client key: %w", err)
	}
	var psk string
	if opts.psk {
		key, err := noise.NewPresharedKey()
		if err != nil {
			return profile.Profile{}, profile.Profile{}, fmt.Errorf("preshared key: %w", err)
		}
		psk = key.String()
	}
	obfCfg, err := buildSafeObf(r, opts.mtu)
	if err != nil {
		return profile.Profile{}, profile.Profile{}, err
	}
	token, err := randomToken()
	if err != nil {
		return profile.Profile{}, profile.Profile{}, fmt.Errorf("control token: %w", err)
	}

	server := profile.Profile{
		Name:        opts.name,
		PrivateKey:  serverKey.String(),
		ListenPort:  opts.listenPort,
		Interface:   "bf0",
		MTU:         opts.mtu,
		Obfuscation: obfCfg,
		Peers: []profile.PeerProfile{{
			PublicKey:    clientKey.PublicKey().String(),
			PresharedKey: psk,
			AllowedIPs:   []string{opts.clientIP},
		}},
		Log: profile.LogConfig{Level: "info", Format: "text"},
	}
	if opts.control != "" || opts.stats != "" {
		server.Control = profile.ControlConfig{Listen: opts.control, StatsListen: opts.stats, Token: token}
	}

	client := profile.Profile{
		Name:        opts.name + "-client",
		PrivateKey:  clientKey.String(),
		Interface:   "bf0",
		MTU:         opts.mtu,
		Obfuscation: obfCfg,
		Peers: []profile.PeerProfile{{
			PublicKey:           serverKey.PublicKey().String(),
			PresharedKey:        psk,
			Endpoint:            opts.endpoint,
			AllowedIPs:          append([]string{opts.serverIP}, opts.clientIPs...),
			PersistentKeepalive: config.Duration{Duration: 25 * time.Second},
		}},
		Log: profile.LogConfig{Level: "info", Format: "text"},
	}
	return server, client, nil
}

// buildSafeObf draws an obfuscation set whose junk fits the MTU, whose
// initiation and response sizes stay distinguishable, and whose header
// ranges each own a distinct high-order byte.
func buildSafeObf(r rng, mtu int) (profile.ObfConfig, error) {
	jc := randRange(r, 3, 5)
	jmaxUpper := min(1280, mtu-100)
	jmin := randRange(r, 40, 200)
	jmax := randRange(r, max(jmin+40, 400), jmaxUpper)

	s1 := randRange(r, 15, 150)
	s2 := randRange(r, 15, 150)
	if s1+obf.InitiationSize == s2+obf.ResponseSize {
		s2++
	}
	s3 := randRange(r, 0, 64)
	s4 := randRange(r, 0, 32)

	width := uint32(randRange(r, 512, 2048))
	ranges, err := generateRanges(r, width, 5, maxUint32, true)
	if err != nil {
		return profile.ObfConfig{}, fmt.Errorf("header ranges: %w", err)
	}

	cfg := profile.ObfConfig{
		Jc:   jc,
		Jmin: jmin,
		Jmax: jmax,
		S1:   s1,
		S2:   s2,
		S3:   s3,
		S4:   s4,
		H1:   ranges[0].String(),
		H2:   ranges[1].String(),
		H3:   ranges[2].String(),
		H4:   ranges[3].String(),
		I1:   fmt.Sprintf("<b 0x%06x><t><rc %d>", r.Uint32()&0xffffff, randRange(r, 8, 32)),
	}
	if err := cfg.ToObfConfig().Validate(); err != nil {
		return profile.ObfConfig{}, fmt.Errorf("obfuscation: %w", err)
	}
	return cfg, nil
}

func marshalProfile(p profile.Profile, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return json.MarshalIndent(p, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(p)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

func randomToken() (string, error) {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
