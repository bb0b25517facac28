package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/bridgefall/tunnel/commons/config"
	"github.com/bridgefall/tunnel/device"
	"github.com/bridgefall/tunnel/noise"
)

var ErrMissingPrivateKey = errors.New("profile: private_key is required")

// Profile describes one tunnel interface: its identity, module parameters,
// timers, obfuscation and peers. It is loaded from JSON or YAML and can be
// distributed as CBOR (see profile/cbor).
type Profile struct {
	Name          string          `json:"name,omitempty" yaml:"name,omitempty"`
	PrivateKey    string          `json:"private_key" yaml:"private_key"`
	ListenPort    uint16          `json:"listen_port,omitempty" yaml:"listen_port,omitempty"`
	Interface     string          `json:"interface,omitempty" yaml:"interface,omitempty"`
	MTU           int             `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	Workers       int             `json:"workers,omitempty" yaml:"workers,omitempty"`
	DecoyInterval config.Duration `json:"decoy_interval" yaml:"decoy_interval"`
	Params        ParamsConfig    `json:"params" yaml:"params"`
	Timers        TimersConfig    `json:"timers" yaml:"timers"`
	Obfuscation   ObfConfig       `json:"obfuscation" yaml:"obfuscation"`
	Peers         []PeerProfile   `json:"peers,omitempty" yaml:"peers,omitempty"`
	Control       ControlConfig   `json:"control" yaml:"control"`
	Log           LogConfig       `json:"log" yaml:"log"`
}

// ParamsConfig mirrors device.Params. Unset toggles keep the device
// defaults.
type ParamsConfig struct {
	AdvancedSecurity      bool   `json:"advanced_security,omitempty" yaml:"advanced_security,omitempty"`
	Ratelimiter           *bool  `json:"ratelimiter,omitempty" yaml:"ratelimiter,omitempty"`
	CookieProtection      *bool  `json:"cookie_protection,omitempty" yaml:"cookie_protection,omitempty"`
	FullCrypto            *bool  `json:"full_crypto,omitempty" yaml:"full_crypto,omitempty"`
	BogusEndpoints        int    `json:"bogus_endpoints,omitempty" yaml:"bogus_endpoints,omitempty"`
	BogusEndpointsPrefix  string `json:"bogus_endpoints_prefix,omitempty" yaml:"bogus_endpoints_prefix,omitempty"`
	BogusEndpointsPrefix6 string `json:"bogus_endpoints_prefix6,omitempty" yaml:"bogus_endpoints_prefix6,omitempty"`
}

// TimersConfig overrides protocol timing. Zero values keep the defaults; a
// negative handshake_jitter disables jitter.
type TimersConfig struct {
	RekeyAfterTime       config.Duration `json:"rekey_after_time" yaml:"rekey_after_time"`
	RejectAfterTime      config.Duration `json:"reject_after_time" yaml:"reject_after_time"`
	RekeyTimeout         config.Duration `json:"rekey_timeout" yaml:"rekey_timeout"`
	KeepaliveTimeout     config.Duration `json:"keepalive_timeout" yaml:"keepalive_timeout"`
	MaxHandshakeBackoff  config.Duration `json:"max_handshake_backoff" yaml:"max_handshake_backoff"`
	HandshakeJitter      config.Duration `json:"handshake_jitter" yaml:"handshake_jitter"`
	MaxHandshakeAttempts int             `json:"max_handshake_attempts,omitempty" yaml:"max_handshake_attempts,omitempty"`
	CookieRefreshTime    config.Duration `json:"cookie_refresh_time" yaml:"cookie_refresh_time"`
	ReorderTimeout       config.Duration `json:"reorder_timeout" yaml:"reorder_timeout"`
	RekeyAfterMessages   uint64          `json:"rekey_after_messages,omitempty" yaml:"rekey_after_messages,omitempty"`
}

// PeerProfile is the file form of device.PeerConfig. Keys are base64.
type PeerProfile struct {
	PublicKey           string          `json:"public_key" yaml:"public_key"`
	PresharedKey        string          `json:"preshared_key,omitempty" yaml:"preshared_key,omitempty"`
	Endpoint            string          `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AllowedIPs          []string        `json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty"`
	PersistentKeepalive config.Duration `json:"persistent_keepalive" yaml:"persistent_keepalive"`
}

// ControlConfig configures the daemon's configuration channel.
type ControlConfig struct {
	// Listen is the UDP address of the QUIC control listener. Empty
	// disables it.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// StatsListen is the TCP address of the read-only HTTP stats endpoint.
	StatsListen string `json:"stats_listen,omitempty" yaml:"stats_listen,omitempty"`
	// Token, when set, must accompany every control request.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Load reads a profile from a JSON or YAML file.
func Load(path string) (Profile, error) {
	var p Profile
	if err := config.LoadFile(path, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// PublicKey derives the profile's public key.
func (p Profile) PublicKey() (noise.PublicKey, error) {
	sk, err := p.privateKey()
	if err != nil {
		return noise.PublicKey{}, err
	}
	return sk.PublicKey(), nil
}

func (p Profile) privateKey() (noise.PrivateKey, error) {
	if p.PrivateKey == "" {
		return noise.PrivateKey{}, ErrMissingPrivateKey
	}
	sk, err := noise.ParsePrivateKey(p.PrivateKey)
	if err != nil {
		return noise.PrivateKey{}, fmt.Errorf("profile: private_key: %w", err)
	}
	return sk, nil
}

// DeviceConfig converts the profile into a device configuration. Peers are
// converted separately by PeerConfigs.
func (p Profile) DeviceConfig(logger *slog.Logger) (device.Config, error) {
	sk, err := p.privateKey()
	if err != nil {
		return device.Config{}, err
	}
	obfCfg := p.Obfuscation.ToObfConfig()
	if err := obfCfg.Validate(); err != nil {
		return device.Config{}, fmt.Errorf("profile: obfuscation: %w", err)
	}
	if p.Workers < 0 {
		return device.Config{}, fmt.Errorf("profile: workers must be non-negative")
	}
	return device.Config{
		PrivateKey:    sk,
		ListenPort:    p.ListenPort,
		Params:        p.Params.ToParams(),
		Obfuscation:   obfCfg,
		Timers:        p.Timers.ToTimers(),
		DecoyInterval: p.DecoyInterval.Duration,
		Workers:       p.Workers,
		Logger:        logger,
	}, nil
}

// PeerConfigs converts every peer of the profile.
func (p Profile) PeerConfigs() ([]device.PeerConfig, error) {
	out := make([]device.PeerConfig, 0, len(p.Peers))
	for i, peer := range p.Peers {
		cfg, err := peer.ToPeerConfig()
		if err != nil {
			return nil, fmt.Errorf("profile: peers[%d]: %w", i, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ToParams resolves the toggles against device.DefaultParams.
func (c ParamsConfig) ToParams() device.Params {
	def := device.DefaultParams()
	return device.Params{
		EnableAdvancedSecurity: c.AdvancedSecurity,
		EnableRatelimiter:      resolveBool(c.Ratelimiter, def.EnableRatelimiter),
		EnableCookieProtection: resolveBool(c.CookieProtection, def.EnableCookieProtection),
		EnableFullCrypto:       resolveBool(c.FullCrypto, def.EnableFullCrypto),
		BogusEndpoints:         c.BogusEndpoints,
		BogusEndpointsPrefix:   c.BogusEndpointsPrefix,
		BogusEndpointsPrefix6:  c.BogusEndpointsPrefix6,
	}
}

func (c TimersConfig) ToTimers() device.Timers {
	return device.Timers{
		RekeyAfterTime:       c.RekeyAfterTime.Duration,
		RejectAfterTime:      c.RejectAfterTime.Duration,
		RekeyTimeout:         c.RekeyTimeout.Duration,
		KeepaliveTimeout:     c.KeepaliveTimeout.Duration,
		MaxHandshakeBackoff:  c.MaxHandshakeBackoff.Duration,
		HandshakeJitter:      c.HandshakeJitter.Duration,
		MaxHandshakeAttempts: c.MaxHandshakeAttempts,
		CookieRefreshTime:    c.CookieRefreshTime.Duration,
		ReorderTimeout:       c.ReorderTimeout.Duration,
		RekeyAfterMessages:   c.RekeyAfterMessages,
	}
}

// ToPeerConfig parses keys, endpoint and allowed IPs.
func (p PeerProfile) ToPeerConfig() (device.PeerConfig, error) {
	var cfg device.PeerConfig
	pk, err := noise.ParsePublicKey(p.PublicKey)
	if err != nil {
		return cfg, fmt.Errorf("public_key: %w", err)
	}
	cfg.PublicKey = pk
	if p.PresharedKey != "" {
		if cfg.PresharedKey, err = noise.ParsePresharedKey(p.PresharedKey); err != nil {
			return cfg, fmt.Errorf("preshared_key: %w", err)
		}
	}
	if p.Endpoint != "" {
		if cfg.Endpoint, err = ResolveEndpoint(p.Endpoint); err != nil {
			return cfg, err
		}
	}
	if cfg.AllowedIPs, err = ParsePrefixes(p.AllowedIPs); err != nil {
		return cfg, err
	}
	if p.PersistentKeepalive.Duration < 0 {
		return cfg, fmt.Errorf("persistent_keepalive must be non-negative")
	}
	cfg.PersistentKeepalive = p.PersistentKeepalive.Duration
	return cfg, nil
}

// ResolveEndpoint parses "ip:port", resolving host names when needed.
func ResolveEndpoint(s string) (netip.AddrPort, error) {
	if ep, err := netip.ParseAddrPort(s); err == nil {
		return ep, nil
	}
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	ep := addr.AddrPort()
	return netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port()), nil
}

// ParsePrefixes parses CIDR strings. A bare address is taken as a single
// host prefix.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			addr, addrErr := netip.ParseAddr(v)
			if addrErr != nil {
				return nil, fmt.Errorf("%w: %q", device.ErrInvalidPrefix, v)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

func resolveBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
