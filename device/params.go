package device

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bridgefall/tunnel/noise"
	"github.com/bridgefall/tunnel/obf"
)

// Params are the feature toggles fixed at device construction. They are
// copied into the device and never change afterwards.
type Params struct {
	// EnableAdvancedSecurity keeps the device permanently in under-load
	// mode: every handshake must carry a valid cookie and pass the rate
	// limiter.
	EnableAdvancedSecurity bool
	EnableRatelimiter      bool
	EnableCookieProtection bool
	// EnableFullCrypto allows preshared keys.
	EnableFullCrypto bool

	BogusEndpoints        int
	BogusEndpointsPrefix  string
	BogusEndpointsPrefix6 string
}

// DefaultParams enables the standard protections.
func DefaultParams() Params {
	return Params{
		EnableRatelimiter:      true,
		EnableCookieProtection: true,
		EnableFullCrypto:       true,
	}
}

// DecoyPrefixes parses the bogus endpoint prefixes. Empty strings yield
// invalid (unset) prefixes.
func (p Params) DecoyPrefixes() (v4 netip.Prefix, v6 netip.Prefix, err error) {
	if p.BogusEndpointsPrefix != "" {
		if v4, err = netip.ParsePrefix(p.BogusEndpointsPrefix); err != nil {
			return v4, v6, fmt.Errorf("bogus endpoints prefix: %w", err)
		}
	}
	if p.BogusEndpointsPrefix6 != "" {
		if v6, err = netip.ParsePrefix(p.BogusEndpointsPrefix6); err != nil {
			return v4, v6, fmt.Errorf("bogus endpoints prefix6: %w", err)
		}
	}
	return v4, v6, nil
}

// Config is everything needed to build a Device.
type Config struct {
	PrivateKey  noise.PrivateKey
	ListenPort  uint16
	Params      Params
	Obfuscation obf.Config
	Timers      Timers
	// DecoyInterval paces junk toward bogus endpoints.
	DecoyInterval time.Duration
	// Workers is the number of encryption, decryption and handshake
	// workers each. Zero uses runtime.NumCPU.
	Workers int
	Logger  *slog.Logger
	Now     func() time.Time
}
