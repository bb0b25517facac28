// Package obf implements the AmneziaWG-style wire transform: random padding
// in front of handshake and transport messages, per-type header ranges in
// place of the fixed message type, junk and signature datagrams ahead of each
// handshake initiation, and decoy traffic toward bogus endpoints.
package obf

import "fmt"

const (
	maxJunkCount  = 128
	maxJunkLength = 1280
	maxPadding    = maxJunkLength - InitiationSize
)

// Config defines the AWG obfuscation parameters.
//
// Jc/Jmin/Jmax control junk datagrams sent before an initiation, S1..S4 the
// random prefix length of initiation, response, cookie reply and transport
// messages, H1..H4 the header value ranges ("a-b" or "a") replacing the
// message type, and I1..I5 optional signature chains.
type Config struct {
	Jc   int
	Jmin int
	Jmax int
	S1   int
	S2   int
	S3   int
	S4   int
	H1   string
	H2   string
	H3   string
	H4   string
	I1   string
	I2   string
	I3   string
	I4   string
	I5   string
}

// Validate verifies the configuration matches AWG constraints.
func (c Config) Validate() error {
	if c.Jc < 0 {
		return fmt.Errorf("jc must be non-negative")
	}
	if c.Jc > maxJunkCount {
		return fmt.Errorf("jc must be <= %d", maxJunkCount)
	}
	if c.Jmin < 0 || c.Jmax < 0 {
		return fmt.Errorf("jmin/jmax must be non-negative")
	}
	if c.Jmax > 0 && c.Jmin > c.Jmax {
		return fmt.Errorf("jmin must be <= jmax")
	}
	if c.Jmax > maxJunkLength {
		return fmt.Errorf("jmax must be <= %d", maxJunkLength)
	}
	if c.Jc > 0 && c.Jmax == 0 {
		return fmt.Errorf("jmax must be > 0 when jc is set")
	}
	if c.S1 < 0 || c.S2 < 0 || c.S3 < 0 || c.S4 < 0 {
		return fmt.Errorf("s1-s4 must be non-negative")
	}
	if c.S1 > maxPadding || c.S2 > maxPadding || c.S3 > maxPadding || c.S4 > maxPadding {
		return fmt.Errorf("s1-s4 must be <= %d", maxPadding)
	}
	if c.S1+InitiationSize == c.S2+ResponseSize {
		return fmt.Errorf("s1+%d must differ from s2+%d", InitiationSize, ResponseSize)
	}
	return nil
}

// Enabled reports whether any parameter differs from plain WireGuard framing.
func (c Config) Enabled() bool {
	return c != (Config{})
}

// HeaderSpecs returns the configured header specs.
func (c Config) HeaderSpecs() []string {
	return []string{c.H1, c.H2, c.H3, c.H4}
}

// ChainSpecs returns the configured chain specs.
func (c Config) ChainSpecs() []string {
	return []string{c.I1, c.I2, c.I3, c.I4, c.I5}
}
